// Package loopdev binds raw disk images to kernel loop devices.
//
// A Manager attaches an image with partition scanning enabled
// (losetup -f --show -P) so each partition appears as <device>pN, and
// guarantees that at most one loop device is bound to an image: any
// device left behind by an earlier, interrupted run is force-detached first.
//
// Release is idempotent. Detaching a device that is already gone is not an
// error, which lets the cleanup path call it unconditionally.
package loopdev

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/superfly/xchroot/runner"
)

// PreviewDevice is returned by Attach in preview mode.
const PreviewDevice = "/dev/loop-preview"

// Device is an attached loop device.
type Device struct {
	// Path is the kernel device node, for example /dev/loop3.
	Path string

	// ImagePath is the backing image file.
	ImagePath string
}

// PartitionPath returns the node for partition index (1-based).
func (d *Device) PartitionPath(index int) string {
	return fmt.Sprintf("%sp%d", d.Path, index)
}

func (d *Device) String() string {
	return d.Path
}

// Manager attaches and releases loop devices.
type Manager struct {
	runner runner.Runner
	logger logrus.FieldLogger

	// DetachBackoff bounds retries of a busy detach. Tests shorten it.
	DetachBackoff func() backoff.BackOff
}

// NewManager creates a new loop device manager.
func NewManager(r runner.Runner, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		runner:        r,
		logger:        logger.WithField("component", "loopdev"),
		DetachBackoff: defaultDetachBackoff,
	}
}

func defaultDetachBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(10*time.Second),
	)
}

// Attach binds imagePath to the first free loop device with partition
// scanning enabled.
func (m *Manager) Attach(ctx context.Context, imagePath string) (*Device, error) {
	logger := m.logger.WithField("image", imagePath)

	if _, err := m.DetachStragglers(ctx, imagePath); err != nil {
		return nil, &AttachError{ImagePath: imagePath, Err: err}
	}

	logger.Info("attaching loop device")
	res, err := m.runner.Run(ctx, "losetup", "-f", "--show", "-P", imagePath)
	if err != nil {
		logger.WithError(err).Error("failed to attach loop device")
		return nil, &AttachError{ImagePath: imagePath, Err: err}
	}
	if res.Preview {
		return &Device{Path: PreviewDevice, ImagePath: imagePath}, nil
	}

	path := strings.TrimSpace(res.Stdout)
	if !strings.HasPrefix(path, "/dev/loop") {
		return nil, &AttachError{ImagePath: imagePath, Err: fmt.Errorf("losetup returned %q", path)}
	}
	dev := &Device{Path: path, ImagePath: imagePath}

	// Partition nodes are created asynchronously by udev.
	m.settle(ctx)

	logger.WithField("device", path).Info("loop device attached")
	return dev, nil
}

// Find returns every loop device currently bound to imagePath.
func (m *Manager) Find(ctx context.Context, imagePath string) ([]string, error) {
	res, err := m.runner.Query(ctx, "losetup", "-j", imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list loop devices for %s: %w", imagePath, err)
	}
	var devs []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) > 0 && strings.HasPrefix(strings.TrimSpace(parts[0]), "/dev/loop") {
			devs = append(devs, strings.TrimSpace(parts[0]))
		}
	}
	return devs, nil
}

// DetachStragglers force-detaches loop devices still bound to imagePath and
// returns the ones it found.
func (m *Manager) DetachStragglers(ctx context.Context, imagePath string) ([]string, error) {
	devs, err := m.Find(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	for _, dev := range devs {
		m.logger.WithFields(logrus.Fields{
			"device": dev,
			"image":  imagePath,
		}).Warn("detaching loop device left behind by a previous run")
		if _, err := m.runner.Run(ctx, "losetup", "-d", dev); err != nil && !notAttached(err) {
			return devs, fmt.Errorf("failed to detach stale loop device %s: %w", dev, err)
		}
	}
	return devs, nil
}

// IsAttached reports whether path is currently a bound loop device.
func (m *Manager) IsAttached(ctx context.Context, path string) (bool, error) {
	_, err := m.runner.Query(ctx, "losetup", path)
	if err == nil {
		return true, nil
	}
	if runner.IsExitError(err) {
		return false, nil
	}
	return false, err
}

// Release detaches dev. It is a no-op when dev is nil or already detached,
// and retries while the kernel reports the device busy.
func (m *Manager) Release(ctx context.Context, dev *Device) error {
	if dev == nil || dev.Path == "" || dev.Path == PreviewDevice {
		return nil
	}
	logger := m.logger.WithField("device", dev.Path)

	attached, err := m.IsAttached(ctx, dev.Path)
	if err != nil {
		logger.WithError(err).Warn("failed to check loop device state, detaching anyway")
	} else if !attached {
		logger.Info("loop device not attached, skipping detach")
		return nil
	}

	logger.Info("detaching loop device")
	op := func() error {
		_, err := m.runner.Run(ctx, "losetup", "-d", dev.Path)
		switch {
		case err == nil:
			return nil
		case notAttached(err):
			return nil
		case runner.StderrContains(err, "busy"):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithField("retry_in", wait.String()).Warn("loop device busy")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(m.DetachBackoff(), ctx), notify); err != nil {
		logger.WithError(err).Error("failed to detach loop device")
		return fmt.Errorf("failed to detach %s: %w", dev.Path, err)
	}

	logger.Info("loop device detached")
	return nil
}

// ForceDetach detaches path and ignores every error.
func (m *Manager) ForceDetach(ctx context.Context, path string) {
	if path == "" || path == PreviewDevice {
		return
	}
	if _, err := m.runner.Run(ctx, "losetup", "-d", path); err != nil {
		m.logger.WithError(err).WithField("device", path).Debug("forced detach failed")
	}
}

// Refresh makes the kernel re-read the backing file size and partition table
// after either was changed underneath an attached device.
func (m *Manager) Refresh(ctx context.Context, dev *Device) error {
	if _, err := m.runner.Run(ctx, "losetup", "-c", dev.Path); err != nil {
		return fmt.Errorf("failed to refresh capacity of %s: %w", dev.Path, err)
	}
	if _, err := m.runner.Run(ctx, "partx", "-u", dev.Path); err != nil {
		return fmt.Errorf("failed to refresh partitions of %s: %w", dev.Path, err)
	}
	m.settle(ctx)
	return nil
}

func (m *Manager) settle(ctx context.Context) {
	if _, err := m.runner.Run(ctx, "udevadm", "settle", "--timeout=10"); err != nil {
		m.logger.WithError(err).Debug("udevadm settle failed")
	}
}

func notAttached(err error) bool {
	return runner.StderrContains(err, "No such device", "not a loop device", "no such file")
}

// AttachError is returned when an image could not be bound to a loop device.
type AttachError struct {
	ImagePath string
	Err       error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("failed to attach loop device for %s: %v", e.ImagePath, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// IsAttachError checks if an error is an AttachError.
func IsAttachError(err error) bool {
	_, ok := err.(*AttachError)
	return ok
}
