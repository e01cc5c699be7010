package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tarbsd/builder/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for builds and thin devices
type Repository struct {
	db *sql.DB
}

// NewRepository opens (and creates if needed) the state database
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// sqlite serializes writers anyway, one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

func unixMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// CreateBuild inserts a new running build
func (r *Repository) CreateBuild(b *Build) error {
	if b.Status == "" {
		b.Status = StatusRunning
	}
	if b.State == "" {
		b.State = "init"
	}
	slog.Debug("database_create_build", "build_id", b.ID, "work_dir", b.WorkDir)

	query := `
		INSERT INTO builds (id, work_dir, status, state, quick, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, b.ID, b.WorkDir, b.Status, b.State, b.Quick, b.StartedAt.UnixMilli())
	if err != nil {
		slog.Error("database_insert_failed", "build_id", b.ID, "error", err)
		return errors.Wrap(err, "failed to insert build")
	}
	return nil
}

// UpdateBuildState records the pipeline state a running build reached
func (r *Repository) UpdateBuildState(id, state string) error {
	result, err := r.db.Exec(`UPDATE builds SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		slog.Error("database_state_update_failed", "build_id", id, "state", state, "error", err)
		return errors.Wrap(err, "failed to update build state")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("build not found: id=%s", id)
	}
	return nil
}

// FinishBuild stores the outcome of a build
func (r *Repository) FinishBuild(b *Build) error {
	slog.Debug("database_finish_build", "build_id", b.ID, "status", b.Status)

	query := `
		UPDATE builds
		SET status = ?, state = ?, image_path = ?, image_size = ?,
		    error_kind = ?, error_message = ?, finished_at = ?
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		b.Status, b.State, b.ImagePath, b.ImageSize,
		b.ErrorKind, b.ErrorMessage, unixMilli(b.FinishedAt), b.ID)
	if err != nil {
		slog.Error("database_update_failed", "build_id", b.ID, "error", err)
		return errors.Wrap(err, "failed to update build")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("build not found: id=%s", b.ID)
	}
	return nil
}

const buildColumns = `id, work_dir, status, state, quick, image_path, image_size,
		       error_kind, error_message, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(s scanner) (*Build, error) {
	var b Build
	var imagePath, errorKind, errorMessage sql.NullString
	var imageSize, finishedAt sql.NullInt64
	var startedAt int64

	err := s.Scan(&b.ID, &b.WorkDir, &b.Status, &b.State, &b.Quick,
		&imagePath, &imageSize, &errorKind, &errorMessage, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	b.ImagePath = imagePath.String
	b.ImageSize = imageSize.Int64
	b.ErrorKind = errorKind.String
	b.ErrorMessage = errorMessage.String
	b.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		b.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return &b, nil
}

// GetBuild retrieves a build by id, nil when unknown
func (r *Repository) GetBuild(id string) (*Build, error) {
	row := r.db.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "build_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query build")
	}
	return b, nil
}

// ListBuilds returns the most recent builds first. A non-positive limit
// returns everything.
func (r *Repository) ListBuilds(limit int) ([]*Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list builds")
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		builds = append(builds, b)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return builds, nil
}

// PruneBuilds keeps the newest keep rows and deletes the rest
func (r *Repository) PruneBuilds(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	query := `
		DELETE FROM builds WHERE id NOT IN (
			SELECT id FROM builds ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`
	result, err := r.db.Exec(query, keep)
	if err != nil {
		slog.Error("database_prune_failed", "error", err)
		return 0, errors.Wrap(err, "failed to prune builds")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		slog.Debug("database_builds_pruned", "deleted", n, "kept", keep)
	}
	return n, nil
}

// ThinDevice looks up the thin id of a snapshot. ok is false when the
// snapshot is unknown.
func (r *Repository) ThinDevice(ctx context.Context, volume, name string) (int, bool, error) {
	var id int
	err := r.db.QueryRowContext(ctx,
		`SELECT device_id FROM thin_devices WHERE volume = ? AND name = ?`, volume, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to query thin device")
	}
	return id, true, nil
}

// SetThinDevice records (or replaces) the thin id of a snapshot
func (r *Repository) SetThinDevice(ctx context.Context, volume, name string, deviceID int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO thin_devices (volume, name, device_id) VALUES (?, ?, ?)
		ON CONFLICT(volume, name) DO UPDATE SET device_id = excluded.device_id, created_at = CURRENT_TIMESTAMP
	`, volume, name, deviceID)
	if err != nil {
		slog.Error("database_thin_device_failed", "volume", volume, "name", name, "error", err)
		return errors.Wrap(err, "failed to store thin device")
	}
	return nil
}

// DeleteThinDevice forgets one snapshot
func (r *Repository) DeleteThinDevice(ctx context.Context, volume, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM thin_devices WHERE volume = ? AND name = ?`, volume, name)
	if err != nil {
		return errors.Wrap(err, "failed to delete thin device")
	}
	return nil
}

// ThinDevices lists every thin device of a volume
func (r *Repository) ThinDevices(ctx context.Context, volume string) ([]ThinDevice, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT volume, name, device_id FROM thin_devices WHERE volume = ? ORDER BY device_id`, volume)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list thin devices")
	}
	defer rows.Close()

	var devices []ThinDevice
	for rows.Next() {
		var d ThinDevice
		if err := rows.Scan(&d.Volume, &d.Name, &d.DeviceID); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		devices = append(devices, d)
	}
	return devices, errors.Wrap(rows.Err(), "rows error")
}

// ThinVolumes lists volume names that have thin devices recorded
func (r *Repository) ThinVolumes(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT volume FROM thin_devices ORDER BY volume`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list thin volumes")
	}
	defer rows.Close()

	var volumes []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		volumes = append(volumes, v)
	}
	return volumes, errors.Wrap(rows.Err(), "rows error")
}

// DeleteVolume forgets every thin device of a volume
func (r *Repository) DeleteVolume(ctx context.Context, volume string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM thin_devices WHERE volume = ?`, volume)
	if err != nil {
		return errors.Wrap(err, "failed to delete volume")
	}
	return nil
}

// AllocateNextDeviceID returns the next available thin device id
func (r *Repository) AllocateNextDeviceID(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var nextID int
	query := "SELECT next_device_id FROM device_sequence WHERE id = 1"
	err = tx.QueryRowContext(ctx, query).Scan(&nextID)
	if err != nil {
		slog.Error("failed_to_query_device_sequence", "error", err)
		return 0, errors.Wrap(err, "failed to query device sequence")
	}

	updateQuery := "UPDATE device_sequence SET next_device_id = ? WHERE id = 1"
	_, err = tx.ExecContext(ctx, updateQuery, nextID+1)
	if err != nil {
		slog.Error("failed_to_update_device_sequence", "error", err)
		return 0, errors.Wrap(err, "failed to update device sequence")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return 0, errors.Wrap(err, "failed to commit transaction")
	}

	slog.Debug("allocated_device_id", "device_id", nextID, "next_available", nextID+1)
	return nextID, nil
}
