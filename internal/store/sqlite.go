// Package store provides SQLite-backed persistence for sync run history
// and the replace-sequence journal.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time and parallel slave syncs all write
	// here. A single pooled connection also keeps :memory: databases from
	// splitting across connections.
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// SyncRun Operations
// ============================================================================

// CreateSyncRun inserts a new SyncRun and sets its ID
func (s *Store) CreateSyncRun(run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (
			master, slave, start_time, end_time, images_created, images_replaced,
			images_skipped, images_failed, bytes_transferred, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.Master, run.Slave, run.StartTime, run.EndTime, run.ImagesCreated,
		run.ImagesReplaced, run.ImagesSkipped, run.ImagesFailed,
		run.BytesTransferred, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateSyncRun updates an existing SyncRun by ID
func (s *Store) UpdateSyncRun(run *SyncRun) error {
	const query = `
		UPDATE sync_runs SET
			master = ?, slave = ?, start_time = ?, end_time = ?,
			images_created = ?, images_replaced = ?, images_skipped = ?,
			images_failed = ?, bytes_transferred = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Master, run.Slave, run.StartTime, run.EndTime, run.ImagesCreated,
		run.ImagesReplaced, run.ImagesSkipped, run.ImagesFailed,
		run.BytesTransferred, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("sync run not found: %d", run.ID)
	}

	return nil
}

// GetSyncRun retrieves a SyncRun by ID
func (s *Store) GetSyncRun(id int64) (*SyncRun, error) {
	const query = `
		SELECT id, master, slave, start_time, end_time, images_created,
			images_replaced, images_skipped, images_failed, bytes_transferred,
			status, error_message
		FROM sync_runs WHERE id = ?
	`

	run := &SyncRun{}
	var errMsg sql.NullString
	err := s.db.QueryRow(query, id).Scan(
		&run.ID, &run.Master, &run.Slave, &run.StartTime, &run.EndTime,
		&run.ImagesCreated, &run.ImagesReplaced, &run.ImagesSkipped,
		&run.ImagesFailed, &run.BytesTransferred, &run.Status, &errMsg,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync run not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	run.ErrorMessage = errMsg.String

	return run, nil
}

// ListSyncRuns retrieves recent SyncRuns, newest first. An empty slave
// name lists runs for all slaves.
func (s *Store) ListSyncRuns(slave string, limit int) ([]SyncRun, error) {
	query := `
		SELECT id, master, slave, start_time, end_time, images_created,
			images_replaced, images_skipped, images_failed, bytes_transferred,
			status, error_message
		FROM sync_runs
	`
	args := []interface{}{}

	if slave != "" {
		query += " WHERE slave = ?"
		args = append(args, slave)
	}

	query += " ORDER BY start_time DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		var errMsg sql.NullString
		if err := rows.Scan(
			&run.ID, &run.Master, &run.Slave, &run.StartTime, &run.EndTime,
			&run.ImagesCreated, &run.ImagesReplaced, &run.ImagesSkipped,
			&run.ImagesFailed, &run.BytesTransferred, &run.Status, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		run.ErrorMessage = errMsg.String
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// ============================================================================
// Replace Journal Operations
// ============================================================================

// RecordReplaceStep upserts the journal entry for one replace sequence,
// keyed by (slave, image name). It is called after each step completes so
// the journal always names the last step known to have finished.
func (s *Store) RecordReplaceStep(rec *ReplaceRecord) error {
	const query = `
		INSERT INTO replace_journal (run_id, slave, image_name, backup_name, step, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slave, image_name) DO UPDATE SET
			run_id = excluded.run_id,
			backup_name = excluded.backup_name,
			step = excluded.step,
			updated_at = excluded.updated_at
	`

	rec.UpdatedAt = time.Now()
	result, err := s.db.Exec(query, rec.RunID, rec.Slave, rec.ImageName, rec.BackupName, rec.Step, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record replace step: %w", err)
	}

	if rec.ID == 0 {
		if id, err := result.LastInsertId(); err == nil {
			rec.ID = id
		}
	}
	return nil
}

// GetReplaceRecord returns the journal entry for a (slave, image name)
// pair, or nil if none exists.
func (s *Store) GetReplaceRecord(slave, imageName string) (*ReplaceRecord, error) {
	const query = `
		SELECT id, COALESCE(run_id, 0), slave, image_name, backup_name, step, updated_at
		FROM replace_journal WHERE slave = ? AND image_name = ?
	`

	rec := &ReplaceRecord{}
	err := s.db.QueryRow(query, slave, imageName).Scan(
		&rec.ID, &rec.RunID, &rec.Slave, &rec.ImageName, &rec.BackupName,
		&rec.Step, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get replace record: %w", err)
	}
	return rec, nil
}

// ListReplaceRecords returns all journal entries for a slave.
func (s *Store) ListReplaceRecords(slave string) ([]ReplaceRecord, error) {
	const query = `
		SELECT id, COALESCE(run_id, 0), slave, image_name, backup_name, step, updated_at
		FROM replace_journal WHERE slave = ? ORDER BY image_name
	`

	rows, err := s.db.Query(query, slave)
	if err != nil {
		return nil, fmt.Errorf("failed to list replace records: %w", err)
	}
	defer rows.Close()

	var recs []ReplaceRecord
	for rows.Next() {
		var rec ReplaceRecord
		if err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.Slave, &rec.ImageName, &rec.BackupName,
			&rec.Step, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan replace record: %w", err)
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// ClearReplaceRecord removes the journal entry for a (slave, image name)
// pair. Clearing an absent entry is not an error.
func (s *Store) ClearReplaceRecord(slave, imageName string) error {
	_, err := s.db.Exec("DELETE FROM replace_journal WHERE slave = ? AND image_name = ?", slave, imageName)
	if err != nil {
		return fmt.Errorf("failed to clear replace record: %w", err)
	}
	return nil
}
