package db

import "time"

// Schema defines the SQLite state of the builder: build history, the
// mapping of snapshot names to devicemapper thin ids, and device_sequence
// for thin id allocation.
const Schema = `
CREATE TABLE IF NOT EXISTS builds (
    id TEXT PRIMARY KEY,
    work_dir TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed', 'interrupted')),
    state TEXT NOT NULL DEFAULT 'init',
    quick INTEGER NOT NULL DEFAULT 0,
    image_path TEXT,
    image_size INTEGER,
    error_kind TEXT,
    error_message TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_builds_started_at ON builds(started_at);
CREATE INDEX IF NOT EXISTS idx_builds_work_dir ON builds(work_dir);

CREATE TABLE IF NOT EXISTS thin_devices (
    volume TEXT NOT NULL,
    name TEXT NOT NULL,
    device_id INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (volume, name)
);

CREATE TABLE IF NOT EXISTS device_sequence (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    next_device_id INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO device_sequence (id, next_device_id) VALUES (1, 1);
`

// Build status constants
const (
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Build is one row of build history.
type Build struct {
	ID           string
	WorkDir      string
	Status       string
	State        string
	Quick        bool
	ImagePath    string
	ImageSize    int64
	ErrorKind    string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration is the wall time of a finished build, zero while running.
func (b *Build) Duration() time.Duration {
	if b.FinishedAt.IsZero() {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// ThinDevice maps a snapshot name of a volume to its thin device id.
type ThinDevice struct {
	Volume   string
	Name     string
	DeviceID int
}
