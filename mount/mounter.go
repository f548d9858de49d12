package mount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/superfly/xchroot/runner"
)

// Mounter wraps mount, umount and findmnt.
type Mounter struct {
	runner runner.Runner
	logger logrus.FieldLogger

	// UnmountBackoff bounds how long a busy target is retried before the
	// lazy fallback. Tests shorten it.
	UnmountBackoff func() backoff.BackOff
}

// NewMounter creates a Mounter.
func NewMounter(r runner.Runner, logger logrus.FieldLogger) *Mounter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Mounter{
		runner:         r,
		logger:         logger.WithField("component", "mounter"),
		UnmountBackoff: defaultUnmountBackoff,
	}
}

func defaultUnmountBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(250*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(8*time.Second),
	)
}

// Mount mounts source on target, letting the kernel detect the filesystem.
func (m *Mounter) Mount(ctx context.Context, source, target string) error {
	logger := m.logger.WithFields(logrus.Fields{
		"device": source,
		"mount":  target,
	})
	logger.Info("mounting device")
	if _, err := m.runner.Run(ctx, "mount", source, target); err != nil {
		logger.WithError(err).Error("failed to mount device")
		return fmt.Errorf("failed to mount %s on %s: %w", source, target, err)
	}
	return nil
}

// Bind bind-mounts the host path source onto target.
func (m *Mounter) Bind(ctx context.Context, source, target string) error {
	logger := m.logger.WithFields(logrus.Fields{
		"source": source,
		"mount":  target,
	})
	logger.Debug("bind mounting")
	if _, err := m.runner.Run(ctx, "mount", "--bind", source, target); err != nil {
		logger.WithError(err).Error("failed to bind mount")
		return fmt.Errorf("failed to bind %s on %s: %w", source, target, err)
	}
	return nil
}

// IsMountPoint reports whether target is exactly a mount point. Paths that
// merely contain target as a substring do not count.
func (m *Mounter) IsMountPoint(ctx context.Context, target string) (bool, error) {
	_, err := m.runner.Query(ctx, "findmnt", "--noheadings", "--mountpoint", target)
	if err == nil {
		return true, nil
	}
	if runner.ExitCode(err) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("failed to check mount status of %s: %w", target, err)
}

// Unmount unmounts target if it is mounted. A busy target is retried with
// backoff, then detached lazily.
func (m *Mounter) Unmount(ctx context.Context, target string) error {
	logger := m.logger.WithField("mount", target)

	mounted, err := m.IsMountPoint(ctx, target)
	if err != nil {
		logger.WithError(err).Warn("failed to check mount status, unmounting anyway")
	} else if !mounted {
		logger.Debug("not mounted, skipping unmount")
		return nil
	}

	// Strategy 1: plain unmount, retried while busy
	op := func() error {
		_, err := m.runner.Run(ctx, "umount", target)
		switch {
		case err == nil:
			return nil
		case runner.StderrContains(err, "not mounted"):
			return nil
		case runner.StderrContains(err, "busy"):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		logger.WithField("retry_in", wait.String()).Debug("target busy, retrying unmount")
	}
	err = backoff.RetryNotify(op, backoff.WithContext(m.UnmountBackoff(), ctx), notify)
	if err == nil {
		logger.Debug("unmounted")
		return nil
	}

	// Strategy 2: lazy unmount detaches now and finishes when the last
	// user goes away
	logger.WithError(err).Warn("unmount failed, trying lazy unmount")
	if _, lazyErr := m.runner.Run(ctx, "umount", "-l", target); lazyErr != nil {
		if runner.StderrContains(lazyErr, "not mounted") {
			return nil
		}
		logger.WithError(lazyErr).Error("all unmount strategies failed")
		return fmt.Errorf("all unmount strategies failed for %s: %w", target, lazyErr)
	}
	logger.Info("lazily unmounted")
	return nil
}

// ForceUnmountTree lazily and recursively unmounts everything at or below
// target, ignoring errors.
func (m *Mounter) ForceUnmountTree(ctx context.Context, target string) {
	if strings.TrimSpace(target) == "" || target == "/" {
		return
	}
	if _, err := m.runner.Run(ctx, "umount", "-l", "-R", target); err != nil {
		m.logger.WithError(err).WithField("mount", target).Debug("forced recursive unmount failed")
	}
}
