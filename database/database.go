// Package database provides the SQLite session journal.
//
// Every session writes what it acquired (loop device, partitions, mounts,
// the original state of the chroot's resolv.conf) as it goes, so a run that
// was killed before it could clean up can be torn down later by
// `xchroot teardown`. The image_locks table keeps two processes from
// preparing the same image at once.
//
// # Usage Example
//
//	db, err := database.New(database.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.AcquireImageLock(ctx, imageKey, sessionID, os.Getpid()); err != nil {
//		return err // another live process owns the image
//	}
//	defer db.ReleaseImageLock(ctx, imageKey, sessionID)
//
// # Schema
//
// The database maintains three tables:
//   - sessions: one row per prepared chroot
//   - session_mounts: the mounts of a session in setup order
//   - image_locks: exclusive ownership of an image
//
// See schema.go for complete table definitions and indexes.
//
// # Concurrency
//
// The database is configured for safe concurrent access:
//   - WAL mode allows concurrent reads while writes are in progress
//   - 5-second busy timeout for lock contention
//   - Foreign key constraints ensure referential integrity
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"syscall"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the SQL database with helper methods for the session journal.
type DB struct {
	db   *sql.DB
	path string

	processAlive func(pid int) bool
	now          func() time.Time
}

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file
	Path string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection
	ConnMaxLifetime time.Duration

	// ProcessAlive reports whether a lock holder is still running.
	// Defaults to probing the pid with signal 0.
	ProcessAlive func(pid int) bool
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/xchroot/sessions.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// New opens the journal and applies any pending migrations.
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	alive := cfg.ProcessAlive
	if alive == nil {
		alive = processAlive
	}

	d := &DB{
		db:           db,
		path:         cfg.Path,
		processAlive: alive,
		now:          time.Now,
	}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// AcquireImageLock takes exclusive ownership of an image for a session.
//
// A lock held by a process that no longer exists is reclaimed, also when a
// new process takes over the same session. A lock held by a live process is
// reported as *LockHeldError.
func (d *DB) AcquireImageLock(ctx context.Context, imageKey, sessionID string, pid int) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var holder ImageLock
	var lockedAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT image_key, session_id, pid, locked_at FROM image_locks WHERE image_key = ?`,
		imageKey,
	).Scan(&holder.ImageKey, &holder.SessionID, &holder.PID, &lockedAt)

	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read image lock: %w", err)
	case holder.SessionID == sessionID && holder.PID == pid:
		return nil
	case d.processAlive(holder.PID):
		holder.LockedAt = time.Unix(lockedAt, 0)
		return &LockHeldError{Holder: holder}
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM image_locks WHERE image_key = ?`, imageKey); err != nil {
			return fmt.Errorf("failed to reclaim stale image lock: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO image_locks (image_key, session_id, pid, locked_at) VALUES (?, ?, ?, ?)`,
		imageKey, sessionID, pid, d.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to acquire image lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit image lock: %w", err)
	}
	return nil
}

// ReleaseImageLock releases the lock if sessionID holds it.
// This is idempotent - it does not error if the lock doesn't exist.
func (d *DB) ReleaseImageLock(ctx context.Context, imageKey, sessionID string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM image_locks WHERE image_key = ? AND session_id = ?`,
		imageKey, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to release image lock: %w", err)
	}
	return nil
}

// IsImageLocked checks if the given image is currently locked by a live process.
func (d *DB) IsImageLocked(ctx context.Context, imageKey string) (bool, error) {
	lock, err := d.ImageLock(ctx, imageKey)
	if err != nil {
		return false, err
	}
	return lock != nil && d.processAlive(lock.PID), nil
}

// ImageLock returns the lock row for an image, or nil.
func (d *DB) ImageLock(ctx context.Context, imageKey string) (*ImageLock, error) {
	var lock ImageLock
	var lockedAt int64
	err := d.db.QueryRowContext(ctx,
		`SELECT image_key, session_id, pid, locked_at FROM image_locks WHERE image_key = ?`,
		imageKey,
	).Scan(&lock.ImageKey, &lock.SessionID, &lock.PID, &lockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check image lock: %w", err)
	}
	lock.LockedAt = time.Unix(lockedAt, 0)
	return &lock, nil
}

// LockHeldError is returned when a live process owns the image.
type LockHeldError struct {
	Holder ImageLock
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("image %s is already in use by session %s (pid %d, since %s)",
		e.Holder.ImageKey, e.Holder.SessionID, e.Holder.PID, e.Holder.LockedAt.Format(time.RFC3339))
}

// SessionNotFoundError is returned when a session id is unknown.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// IsLockHeldError checks if an error is a LockHeldError.
func IsLockHeldError(err error) bool {
	var target *LockHeldError
	return errors.As(err, &target)
}

// IsSessionNotFoundError checks if an error is a SessionNotFoundError.
func IsSessionNotFoundError(err error) bool {
	var target *SessionNotFoundError
	return errors.As(err, &target)
}
