package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sessionColumns = `
	session_id, image_key, image_path, mount_root, loop_device, root_device,
	efi_device, interpreter, resolv_kind, resolv_target, resolv_backup,
	resolv_mode, status, pid, created_at, updated_at, released_at`

// CreateSession records a new session in the preparing state.
func (d *DB) CreateSession(ctx context.Context, s *Session) error {
	now := d.now()
	query := `
		INSERT INTO sessions (session_id, image_key, image_path, mount_root,
		                      interpreter, status, pid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query,
		s.SessionID, s.ImageKey, s.ImagePath, s.MountRoot,
		s.Interpreter, StatusPreparing, s.PID, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.Status = StatusPreparing
	s.CreatedAt = time.Unix(now.Unix(), 0)
	s.UpdatedAt = s.CreatedAt
	return nil
}

// SetLoopDevice records the loop device attached for a session.
func (d *DB) SetLoopDevice(ctx context.Context, sessionID, device string) error {
	return d.update(ctx, sessionID, "loop_device = ?", device)
}

// SetPartitions records the root and EFI partition devices.
func (d *DB) SetPartitions(ctx context.Context, sessionID, rootDevice, efiDevice string) error {
	return d.update(ctx, sessionID, "root_device = ?, efi_device = ?", rootDevice, efiDevice)
}

// SetResolvState records the captured original resolv.conf. An empty state
// clears it after a successful restore.
func (d *DB) SetResolvState(ctx context.Context, sessionID string, state ResolvState) error {
	return d.update(ctx, sessionID,
		"resolv_kind = ?, resolv_target = ?, resolv_backup = ?, resolv_mode = ?",
		state.Kind, state.Target, state.BackupPath, state.Mode,
	)
}

// SetStatus moves a session to a new status. Released sessions get a
// released_at timestamp.
func (d *DB) SetStatus(ctx context.Context, sessionID, status string) error {
	if status == StatusReleased {
		return d.update(ctx, sessionID, "status = ?, released_at = ?", status, d.now().Unix())
	}
	return d.update(ctx, sessionID, "status = ?", status)
}

func (d *DB) update(ctx context.Context, sessionID, set string, args ...interface{}) error {
	query := "UPDATE sessions SET " + set + ", updated_at = ? WHERE session_id = ?"
	args = append(args, d.now().Unix(), sessionID)
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &SessionNotFoundError{SessionID: sessionID}
	}
	return nil
}

// AddMount records a mount made for a session.
func (d *DB) AddMount(ctx context.Context, sessionID string, m Mount) error {
	query := `
		INSERT INTO session_mounts (session_id, seq, kind, source, target)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, target) DO UPDATE SET
			seq = excluded.seq,
			kind = excluded.kind,
			source = excluded.source
	`
	if _, err := d.db.ExecContext(ctx, query, sessionID, m.Seq, m.Kind, m.Source, m.Target); err != nil {
		return fmt.Errorf("failed to record mount %s: %w", m.Target, err)
	}
	return nil
}

// RemoveMount forgets a mount after it was unmounted.
func (d *DB) RemoveMount(ctx context.Context, sessionID, target string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM session_mounts WHERE session_id = ? AND target = ?`,
		sessionID, target,
	)
	if err != nil {
		return fmt.Errorf("failed to remove mount %s: %w", target, err)
	}
	return nil
}

// GetSession returns a session and its mounts in setup order.
func (d *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", sessionID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if s.Mounts, err = d.mounts(ctx, sessionID); err != nil {
		return nil, err
	}
	return s, nil
}

// ActiveSessionForImage returns the newest session for an image that has
// not been released, or nil.
func (d *DB) ActiveSessionForImage(ctx context.Context, imageKey string) (*Session, error) {
	query := "SELECT " + sessionColumns + ` FROM sessions
		WHERE image_key = ? AND status != ?
		ORDER BY created_at DESC, session_id DESC
		LIMIT 1`
	s, err := scanSession(d.db.QueryRowContext(ctx, query, imageKey, StatusReleased))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	if s.Mounts, err = d.mounts(ctx, s.SessionID); err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns sessions oldest first. Released sessions are only
// included when all is set.
func (d *DB) ListSessions(ctx context.Context, all bool) ([]*Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions"
	var args []interface{}
	if !all {
		query += " WHERE status != ?"
		args = append(args, StatusReleased)
	}
	query += " ORDER BY created_at, session_id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, s := range sessions {
		if s.Mounts, err = d.mounts(ctx, s.SessionID); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (d *DB) mounts(ctx context.Context, sessionID string) ([]Mount, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT seq, kind, source, target FROM session_mounts WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query mounts: %w", err)
	}
	defer rows.Close()

	var mounts []Mount
	for rows.Next() {
		var m Mount
		if err := rows.Scan(&m.Seq, &m.Kind, &m.Source, &m.Target); err != nil {
			return nil, fmt.Errorf("failed to scan mount: %w", err)
		}
		mounts = append(mounts, m)
	}
	return mounts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var createdAt, updatedAt int64
	var releasedAt sql.NullInt64
	err := row.Scan(
		&s.SessionID, &s.ImageKey, &s.ImagePath, &s.MountRoot, &s.LoopDevice, &s.RootDevice,
		&s.EFIDevice, &s.Interpreter, &s.Resolv.Kind, &s.Resolv.Target, &s.Resolv.BackupPath,
		&s.Resolv.Mode, &s.Status, &s.PID, &createdAt, &updatedAt, &releasedAt,
	)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	if releasedAt.Valid {
		t := time.Unix(releasedAt.Int64, 0)
		s.ReleasedAt = &t
	}
	return &s, nil
}
