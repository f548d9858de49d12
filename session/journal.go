package session

import (
	"context"
	"io/fs"

	"github.com/superfly/xchroot/database"
	"github.com/superfly/xchroot/mount"
	"github.com/superfly/xchroot/resolvconf"
)

// Journal persists what a session acquired. *database.DB implements it.
type Journal interface {
	CreateSession(ctx context.Context, s *database.Session) error
	SetLoopDevice(ctx context.Context, sessionID, device string) error
	SetPartitions(ctx context.Context, sessionID, rootDevice, efiDevice string) error
	SetResolvState(ctx context.Context, sessionID string, state database.ResolvState) error
	AddMount(ctx context.Context, sessionID string, m database.Mount) error
	RemoveMount(ctx context.Context, sessionID, target string) error
	SetStatus(ctx context.Context, sessionID, status string) error
	AcquireImageLock(ctx context.Context, imageKey, sessionID string, pid int) error
	ReleaseImageLock(ctx context.Context, imageKey, sessionID string) error
}

var _ Journal = (*database.DB)(nil)

type nopJournal struct{}

func (nopJournal) CreateSession(context.Context, *database.Session) error             { return nil }
func (nopJournal) SetLoopDevice(context.Context, string, string) error                { return nil }
func (nopJournal) SetPartitions(context.Context, string, string, string) error        { return nil }
func (nopJournal) SetResolvState(context.Context, string, database.ResolvState) error { return nil }
func (nopJournal) AddMount(context.Context, string, database.Mount) error             { return nil }
func (nopJournal) RemoveMount(context.Context, string, string) error                  { return nil }
func (nopJournal) SetStatus(context.Context, string, string) error                    { return nil }
func (nopJournal) AcquireImageLock(context.Context, string, string, int) error        { return nil }
func (nopJournal) ReleaseImageLock(context.Context, string, string) error             { return nil }

func toResolvState(orig resolvconf.Original) database.ResolvState {
	switch o := orig.(type) {
	case resolvconf.Symlink:
		return database.ResolvState{Kind: database.ResolvSymlink, Target: o.Target}
	case resolvconf.RegularFile:
		return database.ResolvState{Kind: database.ResolvFile, BackupPath: o.BackupPath, Mode: uint32(o.Mode)}
	case resolvconf.Absent:
		return database.ResolvState{Kind: database.ResolvAbsent}
	}
	return database.ResolvState{}
}

func fromResolvState(st database.ResolvState) resolvconf.Original {
	switch st.Kind {
	case database.ResolvSymlink:
		return resolvconf.Symlink{Target: st.Target}
	case database.ResolvFile:
		return resolvconf.RegularFile{BackupPath: st.BackupPath, Mode: fs.FileMode(st.Mode)}
	case database.ResolvAbsent:
		return resolvconf.Absent{}
	}
	return nil
}

func toMount(e mount.Entry) database.Mount {
	return database.Mount{Seq: e.Seq, Kind: string(e.Kind), Source: e.Source, Target: e.Target}
}

func fromMounts(ms []database.Mount) []mount.Entry {
	entries := make([]mount.Entry, 0, len(ms))
	for _, m := range ms {
		entries = append(entries, mount.Entry{Seq: m.Seq, Kind: mount.Kind(m.Kind), Source: m.Source, Target: m.Target})
	}
	return entries
}

// MountAdded implements mount.Recorder.
func (s *Session) MountAdded(e mount.Entry) {
	if err := s.journal.AddMount(s.journalCtx, s.id, toMount(e)); err != nil {
		s.logger.WithError(err).WithField("target", e.Target).Warn("failed to journal mount")
	}
}

// MountRemoved implements mount.Recorder.
func (s *Session) MountRemoved(e mount.Entry) {
	if s.report != nil {
		s.report.Steps = append(s.report.Steps, "unmount "+e.Target)
	}
	if err := s.journal.RemoveMount(s.journalCtx, s.id, e.Target); err != nil {
		s.logger.WithError(err).WithField("target", e.Target).Warn("failed to journal unmount")
	}
}

// ResolvCaptured implements mount.Recorder.
func (s *Session) ResolvCaptured(orig resolvconf.Original) {
	if err := s.journal.SetResolvState(s.journalCtx, s.id, toResolvState(orig)); err != nil {
		s.logger.WithError(err).Warn("failed to journal resolv.conf state")
	}
}
