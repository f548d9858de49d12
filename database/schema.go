package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- sessions table: one row per prepared chroot
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    image_key TEXT NOT NULL,
    image_path TEXT NOT NULL,
    mount_root TEXT NOT NULL,
    loop_device TEXT NOT NULL DEFAULT '',
    root_device TEXT NOT NULL DEFAULT '',
    efi_device TEXT NOT NULL DEFAULT '',
    interpreter TEXT NOT NULL DEFAULT '',
    resolv_kind TEXT NOT NULL DEFAULT '',
    resolv_target TEXT NOT NULL DEFAULT '',
    resolv_backup TEXT NOT NULL DEFAULT '',
    resolv_mode INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'preparing',
    pid INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    released_at INTEGER,

    CHECK (status IN ('preparing', 'ready', 'tearing_down', 'released', 'failed')),
    CHECK (resolv_kind IN ('', 'symlink', 'file', 'absent'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_image_key ON sessions(image_key);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

-- session_mounts table: mounts in the order they were made
CREATE TABLE IF NOT EXISTS session_mounts (
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    source TEXT NOT NULL,
    target TEXT NOT NULL,

    PRIMARY KEY (session_id, seq),
    UNIQUE (session_id, target),
    FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE,
    CHECK (kind IN ('root', 'efi', 'bind'))
);
`

// imageLocksSchema adds the image_locks table (version 2). A row means some
// process owns the image's loop device and mount root.
const imageLocksSchema = `
CREATE TABLE IF NOT EXISTS image_locks (
    image_key TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    pid INTEGER NOT NULL,
    locked_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_image_locks_locked_at ON image_locks(locked_at);
`
