package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/database"
	"github.com/superfly/xchroot/loopdev"
	"github.com/superfly/xchroot/resolvconf"
)

// Recover tears down a session that a previous process left behind, using
// what it journaled: its loop device, its mounts in setup order and the
// captured original of resolv.conf. The session's image lock is taken over
// first, which fails if the process that owns it is still running.
func Recover(ctx context.Context, cfg Config, deps Deps, rec *database.Session) (*xchroot.TeardownReport, error) {
	cfg.ImagePath = rec.ImagePath
	cfg.MountRoot = rec.MountRoot
	cfg.Interpreter = rec.Interpreter

	s := New(cfg, deps)
	s.id = rec.SessionID
	s.logger = s.logger.WithField("session_id", rec.SessionID)

	if err := s.adopt(ctx, rec); err != nil {
		return nil, err
	}
	err := s.Teardown(ctx)
	return s.Report(), err
}

func (s *Session) adopt(ctx context.Context, rec *database.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.imageKey != rec.ImageKey {
		s.logger.WithField("journal_key", rec.ImageKey).Warn("journaled image key differs from derived key")
		s.imageKey = rec.ImageKey
	}
	if err := s.journal.AcquireImageLock(ctx, s.imageKey, s.id, s.pid); err != nil {
		return xchroot.Wrap(xchroot.KindAcquisitionFailure, "lock image", err)
	}
	s.locked = true

	if rec.LoopDevice != "" {
		s.loop = &loopdev.Device{Path: rec.LoopDevice, ImagePath: rec.ImagePath}
	}

	var resolv *resolvconf.Machine
	if orig := fromResolvState(rec.Resolv); orig != nil {
		m, err := resolvconf.Resume(s.fs, resolvconf.Options{
			Path:       filepath.Join(rec.MountRoot, "etc", "resolv.conf"),
			BackupDir:  s.cfg.BackupDir,
			StubTarget: s.cfg.StubTarget,
			Logger:     s.logger,
		}, orig)
		if err != nil {
			// Keep going: unmounting matters more than resolv.conf.
			s.logger.WithError(err).Warn("cannot restore resolv.conf of recovered session")
		} else {
			resolv = m
		}
	}

	if err := s.mounts.Adopt(rec.MountRoot, fromMounts(rec.Mounts), resolv); err != nil {
		return fmt.Errorf("failed to adopt mounts of session %s: %w", rec.SessionID, err)
	}

	s.armed = true
	s.phase = phaseReady
	s.logger.WithFields(logrus.Fields{
		"loop_device": rec.LoopDevice,
		"mounts":      len(rec.Mounts),
		"status":      rec.Status,
	}).Info("recovered session")
	return nil
}

// Sweep cleans up after a run that left no journal record: it lazily
// unmounts everything under mountRoot and detaches every loop device bound
// to imagePath. Errors are swallowed; the report lists what was attempted.
func Sweep(ctx context.Context, cfg Config, deps Deps) *xchroot.TeardownReport {
	s := New(cfg, deps)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.report = &xchroot.TeardownReport{SessionID: s.id, Fallback: true}
	s.forceCleanup(ctx)
	s.phase = phaseDone
	return s.report
}
