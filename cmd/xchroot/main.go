// Package main implements xchroot, which prepares a disk image of another
// CPU architecture for chroot, runs a session in it and takes everything
// down again.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/config"
	"github.com/superfly/xchroot/database"
	"github.com/superfly/xchroot/partition"
	"github.com/superfly/xchroot/perf"
	"github.com/superfly/xchroot/runner"
	"github.com/superfly/xchroot/session"
)

// flagKeys maps command line flags to configuration keys. Only flags present
// on the executing command are bound.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"dry-run":      "dry_run",
	"state-dir":    "state_dir",
	"metrics-file": "metrics_file",
	"mount-base":   "mount_base",
	"size":         "min_size",
	"interpreter":  "interpreter",
	"shell":        "shell",
}

// app carries what every command needs once configuration is loaded.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *logrus.Logger
	out     io.Writer
}

func main() {
	a := &app{v: config.New(), log: logrus.New(), out: os.Stdout}
	if err := a.rootCmd().Execute(); err != nil {
		a.log.WithError(err).WithField("kind", xchroot.KindOf(err).String()).Error("xchroot failed")
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xchroot",
		Short: "Chroot into disk images of another architecture",
		Long: `xchroot attaches a raw disk image to a loop device, mounts its root
filesystem with the host's /dev, /proc, /sys and /run bound in, and starts a
shell inside it through a user-mode emulator. Everything is released again
when the shell exits, when setup fails, or when xchroot is interrupted.

Start a shell in an aarch64 image:
  xchroot run rpi.img --interpreter /usr/bin/qemu-aarch64-static

Grow the image to 8 GiB first:
  xchroot run rpi.img --size 8G

Inspect and clean up:
  xchroot status
  xchroot teardown rpi.img`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is ~/.config/xchroot/config.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.Bool("dry-run", false, "log mutating commands instead of running them")
	pf.String("state-dir", "/var/lib/xchroot", "directory for the session journal and backups")
	pf.String("metrics-file", "", "write step metrics in Prometheus text format to this file")

	root.AddCommand(a.runCmd(), a.setupCmd(), a.teardownCmd(), a.statusCmd())
	return root
}

// load binds flags, reads configuration and installs the logger.
func (a *app) load(cmd *cobra.Command, args []string) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return setupLogger(a.log, cfg.Log.Level, cfg.Log.Format)
}

func setupLogger(log *logrus.Logger, level, format string) error {
	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}
	log.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

// sessionOptions are the per-invocation flags of run and setup.
type sessionOptions struct {
	mountRoot string
}

// sessionConfig derives the explicit session configuration for image.
func (a *app) sessionConfig(image string, opts sessionOptions) (session.Config, error) {
	image, err := filepath.Abs(image)
	if err != nil {
		return session.Config{}, fmt.Errorf("invalid image path: %w", err)
	}
	minImage, err := partition.ParseSize(a.cfg.MinImageSize)
	if err != nil {
		return session.Config{}, fmt.Errorf("invalid min_image_size: %w", err)
	}
	mountRoot := opts.mountRoot
	if mountRoot == "" {
		mountRoot = a.cfg.MountRootFor(image)
	}
	return session.Config{
		SetupRequest: xchroot.SetupRequest{
			ImagePath:   image,
			MountRoot:   mountRoot,
			MinSize:     a.cfg.MinSize,
			Interpreter: a.cfg.Interpreter,
			DryRun:      a.cfg.DryRun,
		},
		MinImageBytes: int64(minImage),
		BackupDir:     a.cfg.BackupDir(),
		StubTarget:    a.cfg.StubTarget,
		Shell:         a.cfg.Shell,
	}, nil
}

// deps wires the collaborators of a session. The journal is skipped in dry
// run mode so previews never leave records behind; the returned func closes
// it.
func (a *app) deps() (session.Deps, *database.DB, func(), error) {
	deps := a.baseDeps()
	if a.cfg.DryRun {
		return deps, nil, func() {}, nil
	}

	db, err := a.openJournal()
	if err != nil {
		return session.Deps{}, nil, nil, err
	}
	deps.Journal = db
	return deps, db, func() { db.Close() }, nil
}

// baseDeps are the session collaborators without a journal.
func (a *app) baseDeps() session.Deps {
	return session.Deps{
		Runner:  runner.New(runner.Options{Logger: a.log, Preview: a.cfg.DryRun}),
		Logger:  a.log,
		Metrics: perf.NewSessionMetrics(),
	}
}

func (a *app) openJournal() (*database.DB, error) {
	if err := a.cfg.EnsureStateDir(); err != nil {
		return nil, err
	}
	dbCfg := database.DefaultConfig()
	dbCfg.Path = a.cfg.JournalPath()
	db, err := database.New(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session journal: %w", err)
	}
	return db, nil
}

// checkUnreleased refuses to start a session over one that was never torn
// down. A stale image lock alone would be reclaimed silently.
func checkUnreleased(ctx context.Context, db *database.DB, image string) error {
	if db == nil {
		return nil
	}
	rec, err := db.ActiveSessionForImage(ctx, xchroot.DeriveImageKey(image))
	if err != nil {
		return err
	}
	if rec != nil {
		return xchroot.Wrap(xchroot.KindAcquisitionFailure, "check journal",
			fmt.Errorf("image %s has an unreleased session %s (status %s); run 'xchroot teardown %s' first",
				image, rec.SessionID, rec.Status, image))
	}
	return nil
}

// finish writes the step metrics, if requested.
func (a *app) finish(metrics *perf.SessionMetrics) {
	if metrics == nil {
		return
	}
	a.log.Debug(metrics.Summary())
	if a.cfg.MetricsFile == "" {
		return
	}
	if err := metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
		a.log.WithError(err).Warn("failed to write metrics")
	}
}

// commandContext returns a context for cmd that is never nil.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// isWarning reports whether err only carries teardown warnings.
func isWarning(err error) bool {
	var xerr *xchroot.Error
	return errors.As(err, &xerr) && !xchroot.IsFatal(err)
}
