// Package config loads xchroot settings from defaults, the config file,
// XCHROOT_* environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "XCHROOT"

// Config represents the xchroot configuration
type Config struct {
	// StateDir holds the session journal and resolv.conf backups.
	StateDir string `mapstructure:"state_dir"`

	// MountBase is the parent of per-image mount roots when --mount-root is
	// not given.
	MountBase string `mapstructure:"mount_base"`

	// MinSize grows images smaller than this before attaching. Empty
	// disables growth.
	MinSize string `mapstructure:"min_size"`

	// MinImageSize rejects images smaller than this outright.
	MinImageSize string `mapstructure:"min_image_size"`

	Interpreter string `mapstructure:"interpreter"`
	Shell       string `mapstructure:"shell"`

	// StubTarget is the symlink target written when the image had no
	// resolv.conf of its own.
	StubTarget string `mapstructure:"stub_target"`

	DryRun      bool   `mapstructure:"dry_run"`
	MetricsFile string `mapstructure:"metrics_file"`

	Log Log `mapstructure:"log"`
}

// Log configures logrus.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment overrides
// configured. Flags are bound to it by the caller.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "/var/lib/xchroot")
	v.SetDefault("mount_base", "/mnt/xchroot")
	v.SetDefault("min_size", "")
	v.SetDefault("min_image_size", "32MiB")
	v.SetDefault("interpreter", "")
	v.SetDefault("shell", "/bin/bash")
	v.SetDefault("stub_target", "../run/systemd/resolve/stub-resolv.conf")
	v.SetDefault("dry_run", false)
	v.SetDefault("metrics_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the config file and unmarshals the merged settings. An empty
// path means the default location, which may be absent. An explicit path
// must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path %s: %w", path, err)
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", expanded, err)
		}
	} else {
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	for _, p := range []*string{&cfg.StateDir, &cfg.MountBase, &cfg.Interpreter, &cfg.MetricsFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", *p, err)
		}
		*p = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q (want json or text)", c.Log.Format)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.Shell == "" {
		return fmt.Errorf("shell must not be empty")
	}
	return nil
}

// JournalPath is the sqlite session journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, "sessions.db")
}

// BackupDir holds resolv.conf backups.
func (c *Config) BackupDir() string {
	return filepath.Join(c.StateDir, "backups")
}

// MountRootFor returns the default mount root for an image: the image file
// name without its extension, under MountBase.
func (c *Config) MountRootFor(imagePath string) string {
	name := filepath.Base(imagePath)
	if ext := filepath.Ext(name); ext != "" && ext != name {
		name = strings.TrimSuffix(name, ext)
	}
	return filepath.Join(c.MountBase, name)
}

// ConfigDir returns the xchroot configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "xchroot"), nil
}

// EnsureStateDir creates the state and backup directories.
func (c *Config) EnsureStateDir() error {
	if err := os.MkdirAll(c.BackupDir(), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}
