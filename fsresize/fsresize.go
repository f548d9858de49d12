// Package fsresize grows the filesystem on a partition after the partition
// itself has been extended.
//
// Filesystems are a closed set of variants returned by Detect. Each variant
// decides whether it is resized before the root is mounted (offline) or
// after (online), and how. Unknown types fall back to a variant that only
// logs a warning, so an unfamiliar image still mounts.
package fsresize

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/xchroot/runner"
)

// Target is what a resize operates on.
type Target struct {
	// Device is the partition (or whole loop) node.
	Device string

	// MountPoint is where the filesystem is mounted. Only set for online
	// variants.
	MountPoint string
}

// Filesystem is one supported filesystem family.
type Filesystem interface {
	// Name is the blkid type, or "unknown".
	Name() string

	// Online reports whether Grow needs the filesystem mounted.
	Online() bool

	// Grow extends the filesystem to fill its partition.
	Grow(ctx context.Context, r runner.Runner, logger logrus.FieldLogger, t Target) error

	sealed()
}

// Detect maps a blkid filesystem type to its variant.
func Detect(fstype string) Filesystem {
	switch strings.ToLower(strings.TrimSpace(fstype)) {
	case "ext4":
		return Ext4{}
	case "btrfs":
		return Btrfs{}
	case "xfs":
		return XFS{}
	case "vfat", "fat", "fat12", "fat16", "fat32", "msdos":
		return VFAT{}
	default:
		return Unsupported{Type: fstype}
	}
}

// Ext4 is checked with e2fsck and grown with resize2fs while unmounted.
type Ext4 struct{}

func (Ext4) Name() string { return "ext4" }
func (Ext4) Online() bool { return false }
func (Ext4) sealed()      {}

// Grow implements Filesystem.
func (Ext4) Grow(ctx context.Context, r runner.Runner, logger logrus.FieldLogger, t Target) error {
	// resize2fs refuses to run on a filesystem that has not been checked
	// since its last mount. e2fsck exit codes below 4 mean clean or fixed.
	if _, err := r.Run(ctx, "e2fsck", "-f", "-y", t.Device); err != nil {
		if code := runner.ExitCode(err); code < 0 || code >= 4 {
			return &ResizeError{FSType: "ext4", Device: t.Device, Step: "e2fsck", Err: err}
		}
		logger.WithField("exit_code", runner.ExitCode(err)).Warn("e2fsck corrected filesystem errors")
	}
	if _, err := r.Run(ctx, "resize2fs", t.Device); err != nil {
		return &ResizeError{FSType: "ext4", Device: t.Device, Step: "resize2fs", Err: err}
	}
	return nil
}

// Btrfs can only be grown while mounted.
type Btrfs struct{}

func (Btrfs) Name() string { return "btrfs" }
func (Btrfs) Online() bool { return true }
func (Btrfs) sealed()      {}

// Grow implements Filesystem.
func (Btrfs) Grow(ctx context.Context, r runner.Runner, logger logrus.FieldLogger, t Target) error {
	if t.MountPoint == "" {
		return &ResizeError{FSType: "btrfs", Device: t.Device, Step: "resize", Err: fmt.Errorf("not mounted")}
	}
	if _, err := r.Run(ctx, "btrfs", "filesystem", "resize", "max", t.MountPoint); err != nil {
		return &ResizeError{FSType: "btrfs", Device: t.Device, Step: "resize", Err: err}
	}
	return nil
}

// XFS is left at its current size.
type XFS struct{}

func (XFS) Name() string { return "xfs" }
func (XFS) Online() bool { return false }
func (XFS) sealed()      {}

// Grow implements Filesystem.
func (XFS) Grow(ctx context.Context, r runner.Runner, logger logrus.FieldLogger, t Target) error {
	logger.WithField("device", t.Device).Warn("xfs filesystems are not resized; partition grown but filesystem unchanged")
	return nil
}

// VFAT partitions are never resized.
type VFAT struct{}

func (VFAT) Name() string { return "vfat" }
func (VFAT) Online() bool { return false }
func (VFAT) sealed()      {}

// Grow implements Filesystem.
func (VFAT) Grow(ctx context.Context, r runner.Runner, logger logrus.FieldLogger, t Target) error {
	logger.WithField("device", t.Device).Debug("skipping resize of FAT filesystem")
	return nil
}

// Unsupported is any type without a resize procedure.
type Unsupported struct {
	Type string
}

func (u Unsupported) Name() string {
	if u.Type == "" {
		return "unknown"
	}
	return u.Type
}
func (Unsupported) Online() bool { return false }
func (Unsupported) sealed()      {}

// Grow implements Filesystem.
func (u Unsupported) Grow(ctx context.Context, r runner.Runner, logger logrus.FieldLogger, t Target) error {
	logger.WithFields(logrus.Fields{
		"device": t.Device,
		"fstype": u.Name(),
	}).Warn("unsupported filesystem, skipping resize")
	return nil
}

// ResizeError is returned when a resize tool fails.
type ResizeError struct {
	FSType string
	Device string
	Step   string
	Err    error
}

func (e *ResizeError) Error() string {
	return fmt.Sprintf("failed to resize %s filesystem on %s (%s): %v", e.FSType, e.Device, e.Step, e.Err)
}

func (e *ResizeError) Unwrap() error {
	return e.Err
}

// IsResizeError checks if an error is a ResizeError.
func IsResizeError(err error) bool {
	_, ok := err.(*ResizeError)
	return ok
}
