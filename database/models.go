package database

import "time"

// Session is a journaled chroot session.
type Session struct {
	SessionID   string
	ImageKey    string
	ImagePath   string
	MountRoot   string
	LoopDevice  string
	RootDevice  string
	EFIDevice   string
	Interpreter string
	Resolv      ResolvState
	Status      string
	PID         int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ReleasedAt  *time.Time
	Mounts      []Mount
}

// Active reports whether the session may still hold host state.
func (s *Session) Active() bool {
	return s.Status != StatusReleased
}

// ResolvState is the captured original of the chroot's /etc/resolv.conf.
// An empty Kind means nothing was captured yet.
type ResolvState struct {
	Kind       string
	Target     string
	BackupPath string
	Mode       uint32
}

// Mount is one mount made for a session.
type Mount struct {
	Seq    uint64
	Kind   string
	Source string
	Target string
}

// ImageLock is the current holder of an image.
type ImageLock struct {
	ImageKey  string
	SessionID string
	PID       int
	LockedAt  time.Time
}

// Session status constants
const (
	StatusPreparing   = "preparing"
	StatusReady       = "ready"
	StatusTearingDown = "tearing_down"
	StatusReleased    = "released"
	StatusFailed      = "failed"
)

// Resolv kind constants
const (
	ResolvSymlink = "symlink"
	ResolvFile    = "file"
	ResolvAbsent  = "absent"
)
