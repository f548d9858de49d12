package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/database"
	"github.com/superfly/xchroot/perf"
	"github.com/superfly/xchroot/resolvconf"
	"github.com/superfly/xchroot/safeguards"
)

// Teardown releases everything the session holds, in reverse order of
// acquisition. It runs at most once; later calls return nil.
//
// Individual failures are collected as warnings in the report. When the
// ordered teardown cannot complete (a mount or the loop device is still
// held, or the code panics), a forced lazy unmount of the whole tree and a
// detach of every loop device bound to the image are attempted, and a
// TeardownWarning is returned.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownLocked(ctx)
}

func (s *Session) teardownLocked(ctx context.Context) error {
	switch s.phase {
	case phaseDone, phaseTearingDown:
		return nil
	}
	if !s.locked && !s.armed {
		s.phase = phaseDone
		return nil
	}
	s.phase = phaseTearingDown
	if s.metrics != nil {
		ctx = perf.WithMetrics(ctx, s.metrics)
	}

	logger := s.logger.WithField("mount_root", s.cfg.MountRoot)
	logger.Info("tearing down session")
	s.setStatus(database.StatusTearingDown)

	s.report = &xchroot.TeardownReport{SessionID: s.id}
	var failure error
	if s.armed {
		failure = s.step(ctx, "teardown", func(ctx context.Context) error {
			return safeguards.RecoverableOperation(logger, "teardown", func() error {
				return s.release(ctx)
			})
		})
		if failure != nil {
			logger.WithError(failure).Warn("ordered teardown incomplete, forcing cleanup")
			s.forceCleanup(ctx)
			s.report.Fallback = true
		}
		s.removeMountRoot()
	}

	if s.locked {
		if err := s.journal.ReleaseImageLock(s.journalCtx, s.imageKey, s.id); err != nil {
			s.warn(xchroot.Wrap(xchroot.KindTeardownWarning, "release image lock", err))
		} else {
			s.report.Steps = append(s.report.Steps, "release image lock")
		}
		s.locked = false
	}

	if s.report.Fallback {
		s.setStatus(database.StatusFailed)
	} else {
		s.setStatus(database.StatusReleased)
	}
	if s.result != nil {
		if s.report.Clean() {
			s.recordSession("clean")
		} else {
			s.recordSession("degraded")
		}
	}
	s.report.Finished = time.Now().UTC()
	s.phase = phaseDone
	s.armed = false

	logger.WithFields(logrus.Fields{
		"steps":    len(s.report.Steps),
		"warnings": len(s.report.Warnings),
		"fallback": s.report.Fallback,
	}).Info("session torn down")

	if failure != nil {
		return xchroot.Wrap(xchroot.KindTeardownWarning, "teardown", failure)
	}
	return nil
}

// release is the ordered path: the mount tree, then the loop device.
func (s *Session) release(ctx context.Context) error {
	for _, w := range s.mounts.Teardown(ctx) {
		s.warn(w)
	}
	if resolv := s.mounts.Resolv(); resolv != nil && resolv.Phase() == resolvconf.PhaseRestored {
		s.report.Steps = append(s.report.Steps, "restore resolv.conf")
		if err := s.journal.SetResolvState(s.journalCtx, s.id, database.ResolvState{}); err != nil {
			s.logger.WithError(err).Warn("failed to journal resolv.conf restore")
		}
	}

	var failed []string
	if remaining := s.mounts.Ledger().Entries(); len(remaining) > 0 {
		for _, e := range remaining {
			failed = append(failed, e.Target)
		}
	}

	if s.loop == nil && !s.runner.Preview() {
		// Attach may have bound a device before it failed or was cancelled.
		detached, err := s.loops.DetachStragglers(ctx, s.cfg.ImagePath)
		if err != nil {
			s.warn(xchroot.Wrap(xchroot.KindTeardownWarning, "detach stray loop devices", err))
			failed = append(failed, detached...)
		} else {
			for _, dev := range detached {
				s.report.Steps = append(s.report.Steps, "detach "+dev)
			}
		}
	} else if s.loop != nil {
		if err := s.loops.Release(ctx, s.loop); err != nil {
			s.warn(xchroot.Wrap(xchroot.KindTeardownWarning, "detach "+s.loop.Path, err))
			failed = append(failed, s.loop.Path)
		} else {
			s.report.Steps = append(s.report.Steps, "detach "+s.loop.Path)
			s.loop = nil
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("still held after teardown: %v", failed)
	}
	return nil
}

// forceCleanup is the last resort. Every error is swallowed.
func (s *Session) forceCleanup(ctx context.Context) {
	_ = safeguards.RecoverableOperation(s.logger, "forced cleanup", func() error {
		s.mounts.Mounter().ForceUnmountTree(ctx, s.cfg.MountRoot)
		s.report.Steps = append(s.report.Steps, "lazy unmount "+s.cfg.MountRoot)
		if s.loop != nil {
			s.loops.ForceDetach(ctx, s.loop.Path)
			s.report.Steps = append(s.report.Steps, "force detach "+s.loop.Path)
			s.loop = nil
		}
		if detached, err := s.loops.DetachStragglers(ctx, s.cfg.ImagePath); err == nil {
			for _, dev := range detached {
				s.report.Steps = append(s.report.Steps, "force detach "+dev)
			}
		}
		return nil
	})
}

// removeMountRoot removes the mount root if this session created it and it
// is empty again.
func (s *Session) removeMountRoot() {
	if !s.createdRoot || s.runner.Preview() {
		return
	}
	if err := s.fs.Remove(s.cfg.MountRoot); err != nil {
		s.logger.WithError(err).Debug("mount root left in place")
		return
	}
	s.createdRoot = false
	s.report.Steps = append(s.report.Steps, "remove "+s.cfg.MountRoot)
}

func (s *Session) warn(err error) {
	s.report.Warnings = append(s.report.Warnings, err.Error())
	kind := xchroot.KindOf(err)
	s.logger.WithError(err).WithField("kind", kind.String()).Warn("teardown warning")
	if s.metrics != nil {
		s.metrics.RecordWarning(kind.String())
	}
}
