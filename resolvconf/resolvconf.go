// Package resolvconf swaps a chroot's etc/resolv.conf for a bind-mount
// placeholder and puts the original back afterwards.
//
// The original entry is captured exactly once as one of three shapes:
//
//	Symlink     - the target string is remembered and recreated verbatim
//	RegularFile - the content is copied to a private backup file
//	Absent      - nothing existed; restore creates a symlink to the
//	              host resolver stub
//
// Restoration problems are returned to the caller, which logs them as
// warnings: name resolution inside a chroot is a convenience and must never
// stop the outer cleanup from unmounting.
package resolvconf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultStubTarget is what an originally absent resolv.conf is restored as.
const DefaultStubTarget = "../run/systemd/resolve/stub-resolv.conf"

// Original is the captured shape of the file before it was replaced.
type Original interface {
	Kind() string
	original()
}

// Symlink was a symbolic link to Target.
type Symlink struct {
	Target string
}

// RegularFile was a regular file whose content now lives at BackupPath.
type RegularFile struct {
	BackupPath string
	Mode       fs.FileMode
}

// Absent means no entry existed.
type Absent struct{}

func (Symlink) Kind() string     { return "symlink" }
func (RegularFile) Kind() string { return "regular_file" }
func (Absent) Kind() string      { return "absent" }

func (Symlink) original()     {}
func (RegularFile) original() {}
func (Absent) original()      {}

// Phase is the machine's lifecycle position.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseCaptured
	PhaseReplacing
	PhaseReplaced
	PhaseRestored
)

func (p Phase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhaseCaptured:
		return "captured"
	case PhaseReplacing:
		return "replacing"
	case PhaseReplaced:
		return "replaced"
	case PhaseRestored:
		return "restored"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Options configures a Machine.
type Options struct {
	// Path is the resolv.conf inside the mounted root, e.g. /mnt/root/etc/resolv.conf.
	Path string

	// BackupDir holds the copy of a regular file. It must live outside the
	// mounted root.
	BackupDir string

	// StubTarget overrides DefaultStubTarget.
	StubTarget string

	Logger logrus.FieldLogger
}

// Machine tracks one resolv.conf through capture, replace and restore.
type Machine struct {
	fs         afero.Fs
	links      afero.Symlinker
	path       string
	backupDir  string
	stubTarget string
	logger     logrus.FieldLogger

	phase    Phase
	original Original
}

// New creates a Machine. fsys must support symlinks (afero.OsFs does).
func New(fsys afero.Fs, opts Options) (*Machine, error) {
	links, ok := fsys.(afero.Symlinker)
	if !ok {
		return nil, fmt.Errorf("filesystem %s does not support symlinks", fsys.Name())
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("resolv.conf path cannot be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	stub := opts.StubTarget
	if stub == "" {
		stub = DefaultStubTarget
	}
	backupDir := opts.BackupDir
	if backupDir == "" {
		backupDir = os.TempDir()
	}
	return &Machine{
		fs:         fsys,
		links:      links,
		path:       opts.Path,
		backupDir:  backupDir,
		stubTarget: stub,
		logger:     logger.WithFields(logrus.Fields{"component": "resolvconf", "path": opts.Path}),
	}, nil
}

// Resume rebuilds a Machine that a previous process had already replaced,
// so that it can be restored.
func Resume(fsys afero.Fs, opts Options, orig Original) (*Machine, error) {
	m, err := New(fsys, opts)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, fmt.Errorf("cannot resume without a captured original")
	}
	m.original = orig
	m.phase = PhaseReplaced
	return m, nil
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Original returns the captured original, or nil before Capture.
func (m *Machine) Original() Original {
	return m.original
}

// Path returns the managed path.
func (m *Machine) Path() string {
	return m.path
}

// Capture records what currently exists at the path.
func (m *Machine) Capture() (Original, error) {
	if m.phase != PhaseUnknown {
		return nil, fmt.Errorf("resolv.conf already captured (phase %s)", m.phase)
	}

	fi, _, err := m.links.LstatIfPossible(m.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.original = Absent{}
	case err != nil:
		return nil, fmt.Errorf("failed to inspect %s: %w", m.path, err)
	case fi.Mode()&fs.ModeSymlink != 0:
		target, err := m.links.ReadlinkIfPossible(m.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read symlink %s: %w", m.path, err)
		}
		m.original = Symlink{Target: target}
	case fi.Mode().IsRegular():
		backup, err := m.backup(fi.Mode().Perm())
		if err != nil {
			return nil, err
		}
		m.original = backup
	default:
		return nil, fmt.Errorf("%s is neither a file nor a symlink (mode %s)", m.path, fi.Mode())
	}

	m.phase = PhaseCaptured
	m.logger.WithField("original", m.original.Kind()).Info("captured resolv.conf")
	return m.original, nil
}

func (m *Machine) backup(mode fs.FileMode) (RegularFile, error) {
	data, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		return RegularFile{}, fmt.Errorf("failed to read %s: %w", m.path, err)
	}
	if err := m.fs.MkdirAll(m.backupDir, 0o700); err != nil {
		return RegularFile{}, fmt.Errorf("failed to create backup directory: %w", err)
	}
	backupPath := filepath.Join(m.backupDir, "resolv.conf."+ulid.Make().String()+".bak")
	if err := afero.WriteFile(m.fs, backupPath, data, 0o600); err != nil {
		return RegularFile{}, fmt.Errorf("failed to write backup %s: %w", backupPath, err)
	}
	return RegularFile{BackupPath: backupPath, Mode: mode}, nil
}

// Replace removes the original entry and leaves an empty placeholder file
// for the host resolv.conf to be bind-mounted onto.
func (m *Machine) Replace() error {
	if m.phase != PhaseCaptured {
		return fmt.Errorf("cannot replace resolv.conf in phase %s", m.phase)
	}
	m.phase = PhaseReplacing

	if err := m.removeEntry(); err != nil {
		return err
	}
	if err := m.fs.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(m.path), err)
	}
	if err := afero.WriteFile(m.fs, m.path, nil, 0o644); err != nil {
		return fmt.Errorf("failed to create placeholder %s: %w", m.path, err)
	}

	m.phase = PhaseReplaced
	m.logger.Info("replaced resolv.conf with placeholder")
	return nil
}

// Restore puts the original back. It is a no-op before Capture and after a
// successful Restore. If Replace never started, the untouched original is
// kept and only the backup is discarded.
func (m *Machine) Restore() error {
	switch m.phase {
	case PhaseUnknown, PhaseRestored:
		return nil
	case PhaseCaptured:
		m.discardBackup()
		m.phase = PhaseRestored
		return nil
	}

	if err := m.removeEntry(); err != nil {
		return err
	}

	switch orig := m.original.(type) {
	case Symlink:
		if err := m.links.SymlinkIfPossible(orig.Target, m.path); err != nil {
			return fmt.Errorf("failed to recreate symlink %s -> %s: %w", m.path, orig.Target, err)
		}
	case RegularFile:
		data, err := afero.ReadFile(m.fs, orig.BackupPath)
		if err != nil {
			return fmt.Errorf("failed to read backup %s: %w", orig.BackupPath, err)
		}
		mode := orig.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := afero.WriteFile(m.fs, m.path, data, mode); err != nil {
			return fmt.Errorf("failed to restore %s from backup %s: %w", m.path, orig.BackupPath, err)
		}
		m.discardBackup()
	case Absent:
		if err := m.links.SymlinkIfPossible(m.stubTarget, m.path); err != nil {
			return fmt.Errorf("failed to create default symlink %s -> %s: %w", m.path, m.stubTarget, err)
		}
	default:
		return fmt.Errorf("unknown resolv.conf original %T", m.original)
	}

	m.phase = PhaseRestored
	m.logger.WithField("original", m.original.Kind()).Info("restored resolv.conf")
	return nil
}

func (m *Machine) removeEntry() error {
	if err := m.fs.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", m.path, err)
	}
	return nil
}

func (m *Machine) discardBackup() {
	rf, ok := m.original.(RegularFile)
	if !ok {
		return
	}
	if err := m.fs.Remove(rf.BackupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.WithError(err).WithField("backup", rf.BackupPath).Warn("failed to delete resolv.conf backup")
	}
}
