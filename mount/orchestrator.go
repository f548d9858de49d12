// Package mount assembles a chroot-ready tree on top of a mounted root
// filesystem and takes it apart again.
//
// # Setup order
//
//  1. root partition on the mount root, followed by a sanity check that
//     the tree has an etc directory
//  2. the EFI system partition on boot/efi, when there is one
//  3. resolv.conf capture and replacement by a placeholder
//  4. bind mounts of /dev, /dev/pts, /proc, /sys and /run, then the host
//     /etc/resolv.conf onto the placeholder
//  5. the foreign-architecture interpreter copied into usr/bin
//
// Setup stops at the first failure and leaves whatever it managed to mount
// recorded in the ledger, so Teardown can undo exactly that.
//
// # Teardown order
//
// EFI, then bind mounts in reverse of the order they were made, then
// resolv.conf restoration, then the root. Each step is attempted regardless
// of earlier failures; failures are returned as warnings.
package mount

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/resolvconf"
	"github.com/superfly/xchroot/runner"
)

// HostResolvConf is bind-mounted over the placeholder.
const HostResolvConf = "/etc/resolv.conf"

// DefaultBindSources are bind-mounted into the root in this order.
var DefaultBindSources = []string{"/dev", "/dev/pts", "/proc", "/sys", "/run"}

// Plan describes one tree to assemble.
type Plan struct {
	MountRoot  string
	RootDevice string

	// EFIDevice is empty when the image has no EFI system partition.
	EFIDevice string

	// Interpreter is a host path copied into usr/bin. Optional.
	Interpreter string

	// AfterRootMount runs once the root is mounted and validated, before
	// anything is mounted on top of it.
	AfterRootMount func(ctx context.Context) error
}

// Recorder is told about every change to the set of mounts, so it can be
// persisted for recovery.
type Recorder interface {
	MountAdded(e Entry)
	MountRemoved(e Entry)
	ResolvCaptured(orig resolvconf.Original)
}

type nopRecorder struct{}

func (nopRecorder) MountAdded(Entry)                   {}
func (nopRecorder) MountRemoved(Entry)                 {}
func (nopRecorder) ResolvCaptured(resolvconf.Original) {}

// Options configures an Orchestrator.
type Options struct {
	Runner runner.Runner
	Fs     afero.Fs
	Logger logrus.FieldLogger

	// BackupDir holds the resolv.conf backup. Must be outside the mount root.
	BackupDir string

	// StubTarget is the symlink target for an originally absent resolv.conf.
	StubTarget string

	// BindSources overrides DefaultBindSources.
	BindSources []string

	// HostResolvConf overrides HostResolvConf.
	HostResolvConf string

	Recorder Recorder
}

// Orchestrator performs the ordered setup and teardown.
type Orchestrator struct {
	runner   runner.Runner
	mounter  *Mounter
	fs       afero.Fs
	logger   logrus.FieldLogger
	ledger   *Ledger
	recorder Recorder

	backupDir  string
	stubTarget string
	binds      []string
	hostResolv string

	mountRoot string
	resolv    *resolvconf.Machine
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	binds := opts.BindSources
	if binds == nil {
		binds = DefaultBindSources
	}
	hostResolv := opts.HostResolvConf
	if hostResolv == "" {
		hostResolv = HostResolvConf
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Orchestrator{
		runner:     opts.Runner,
		mounter:    NewMounter(opts.Runner, logger),
		fs:         fsys,
		logger:     logger.WithField("component", "mount"),
		ledger:     NewLedger(),
		recorder:   rec,
		backupDir:  opts.BackupDir,
		stubTarget: opts.StubTarget,
		binds:      binds,
		hostResolv: hostResolv,
	}
}

// Mounter returns the underlying Mounter.
func (o *Orchestrator) Mounter() *Mounter {
	return o.mounter
}

// Ledger returns the mounts currently recorded.
func (o *Orchestrator) Ledger() *Ledger {
	return o.ledger
}

// Resolv returns the resolv.conf machine, or nil before setup reached it.
func (o *Orchestrator) Resolv() *resolvconf.Machine {
	return o.resolv
}

// Setup assembles the tree described by plan.
func (o *Orchestrator) Setup(ctx context.Context, plan Plan) error {
	o.mountRoot = plan.MountRoot
	preview := o.runner.Preview()

	// Step 1: root filesystem
	if err := o.mount(ctx, KindRoot, plan.RootDevice, plan.MountRoot); err != nil {
		return xchroot.Wrap(xchroot.KindAcquisitionFailure, "mount root", err)
	}
	if !preview {
		if err := o.VerifyRoot(plan.MountRoot); err != nil {
			return xchroot.Wrap(xchroot.KindValidationFailure, "verify root", err)
		}
	}
	if plan.AfterRootMount != nil {
		if err := plan.AfterRootMount(ctx); err != nil {
			return err
		}
	}

	// Step 2: EFI system partition
	if plan.EFIDevice != "" {
		target, err := o.confine(plan.MountRoot, "boot/efi")
		if err != nil {
			return err
		}
		if err := o.mount(ctx, KindEFI, plan.EFIDevice, target); err != nil {
			return xchroot.Wrap(xchroot.KindAcquisitionFailure, "mount efi", err)
		}
	}

	// Step 3: resolv.conf placeholder. The entry itself may be a link, so
	// only its directory is resolved.
	etc, err := o.confine(plan.MountRoot, "etc")
	if err != nil {
		return err
	}
	placeholder := filepath.Join(etc, "resolv.conf")
	if !preview {
		if err := o.replaceResolv(placeholder); err != nil {
			return xchroot.Wrap(xchroot.KindAcquisitionFailure, "replace resolv.conf", err)
		}
	}

	// Step 4: bind mounts
	for _, src := range o.binds {
		target, err := o.confine(plan.MountRoot, src)
		if err != nil {
			return err
		}
		if err := o.mkdir(target, preview); err != nil {
			return xchroot.Wrap(xchroot.KindAcquisitionFailure, "bind "+src, err)
		}
		if err := o.bind(ctx, src, target); err != nil {
			return xchroot.Wrap(xchroot.KindAcquisitionFailure, "bind "+src, err)
		}
	}
	if err := o.bind(ctx, o.hostResolv, placeholder); err != nil {
		return xchroot.Wrap(xchroot.KindAcquisitionFailure, "bind resolv.conf", err)
	}

	// Step 5: interpreter
	if plan.Interpreter != "" && !preview {
		if err := o.InjectInterpreter(plan.Interpreter, plan.MountRoot); err != nil {
			return xchroot.Wrap(xchroot.KindAcquisitionFailure, "inject interpreter", err)
		}
	}

	o.logger.WithFields(logrus.Fields{
		"mount_root": plan.MountRoot,
		"mounts":     o.ledger.Len(),
	}).Info("root prepared")
	return nil
}

// VerifyRoot checks that root looks like a root filesystem.
// An etc link is followed inside root, never into the host.
func (o *Orchestrator) VerifyRoot(root string) error {
	etc, err := Confine(o.fs, root, "etc")
	if err != nil {
		return &InvalidRootError{MountRoot: root, Missing: "etc"}
	}
	fi, err := o.fs.Stat(etc)
	if err != nil || !fi.IsDir() {
		return &InvalidRootError{MountRoot: root, Missing: "etc"}
	}
	return nil
}

// InjectInterpreter copies the interpreter binary into usr/bin of root.
func (o *Orchestrator) InjectInterpreter(interpreter, root string) error {
	data, err := afero.ReadFile(o.fs, interpreter)
	if err != nil {
		return fmt.Errorf("failed to read interpreter %s: %w", interpreter, err)
	}
	dest, err := Confine(o.fs, root, filepath.Join("usr", "bin", filepath.Base(interpreter)))
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := afero.WriteFile(o.fs, dest, data, 0o755); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	// WriteFile only applies the mode when it creates the file.
	if err := o.fs.Chmod(dest, 0o755); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", dest, err)
	}
	o.logger.WithField("path", dest).Info("interpreter installed")
	return nil
}

// Adopt takes over mounts and a replaced resolv.conf left by another
// process, so that Teardown can undo them.
func (o *Orchestrator) Adopt(mountRoot string, entries []Entry, resolv *resolvconf.Machine) error {
	o.mountRoot = mountRoot
	o.resolv = resolv
	return o.ledger.Restore(entries...)
}

// Teardown undoes Setup. It never stops early; every failure is returned.
func (o *Orchestrator) Teardown(ctx context.Context) []error {
	var warnings []error
	o.logger.WithFields(logrus.Fields{
		"mount_root": o.mountRoot,
		"mounts":     o.ledger.Len(),
	}).Info("tearing down root")

	for _, e := range o.ledger.ReverseOf(KindEFI) {
		if err := o.unmount(ctx, e); err != nil {
			warnings = append(warnings, xchroot.Wrap(xchroot.KindTeardownWarning, "unmount efi", err))
		}
	}

	for _, e := range o.ledger.ReverseOf(KindBind) {
		if err := o.unmount(ctx, e); err != nil {
			warnings = append(warnings, xchroot.Wrap(xchroot.KindTeardownWarning, "unmount "+e.Target, err))
		}
	}

	if o.resolv != nil {
		if err := o.resolv.Restore(); err != nil {
			o.logger.WithError(err).Warn("failed to restore resolv.conf")
			warnings = append(warnings, xchroot.Wrap(xchroot.KindRestoreWarning, "restore resolv.conf", err))
		}
	}

	for _, e := range o.ledger.ReverseOf(KindRoot) {
		if err := o.unmount(ctx, e); err != nil {
			warnings = append(warnings, xchroot.Wrap(xchroot.KindTeardownWarning, "unmount root", err))
		}
	}

	return warnings
}

// confine resolves rel inside root, failing validation when it cannot.
func (o *Orchestrator) confine(root, rel string) (string, error) {
	p, err := Confine(o.fs, root, rel)
	if err != nil {
		return "", xchroot.Wrap(xchroot.KindValidationFailure, "resolve "+rel, err)
	}
	return p, nil
}

func (o *Orchestrator) replaceResolv(path string) error {
	m, err := resolvconf.New(o.fs, resolvconf.Options{
		Path:       path,
		BackupDir:  o.backupDir,
		StubTarget: o.stubTarget,
		Logger:     o.logger,
	})
	if err != nil {
		return err
	}
	o.resolv = m
	orig, err := m.Capture()
	if err != nil {
		return err
	}
	o.recorder.ResolvCaptured(orig)
	return m.Replace()
}

func (o *Orchestrator) mount(ctx context.Context, kind Kind, source, target string) error {
	if err := o.mkdir(target, o.runner.Preview()); err != nil {
		return err
	}
	if err := o.mounter.Mount(ctx, source, target); err != nil {
		return err
	}
	return o.record(kind, source, target)
}

func (o *Orchestrator) bind(ctx context.Context, source, target string) error {
	if err := o.mounter.Bind(ctx, source, target); err != nil {
		return err
	}
	return o.record(KindBind, source, target)
}

func (o *Orchestrator) record(kind Kind, source, target string) error {
	e, err := o.ledger.Add(kind, source, target)
	if err != nil {
		return err
	}
	o.recorder.MountAdded(e)
	return nil
}

func (o *Orchestrator) unmount(ctx context.Context, e Entry) error {
	if err := o.mounter.Unmount(ctx, e.Target); err != nil {
		return err
	}
	o.ledger.Remove(e.Target)
	o.recorder.MountRemoved(e)
	return nil
}

func (o *Orchestrator) mkdir(path string, preview bool) error {
	if preview {
		return nil
	}
	if err := o.fs.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", path, err)
	}
	return nil
}

// InvalidRootError is returned when the mounted filesystem is not a root.
type InvalidRootError struct {
	MountRoot string
	Missing   string
}

func (e *InvalidRootError) Error() string {
	return fmt.Sprintf("%s does not look like a root filesystem: no %s directory", e.MountRoot, e.Missing)
}

// IsInvalidRootError checks if an error is an InvalidRootError.
func IsInvalidRootError(err error) bool {
	var e *InvalidRootError
	return errors.As(err, &e)
}
