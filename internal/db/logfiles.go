package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/logship/core/internal/models"
)

// LogFileDB handles database operations for LogFiles.
type LogFileDB struct {
	db *sql.DB
}

// NewLogFileDB creates a new LogFileDB instance.
func NewLogFileDB(db *sql.DB) *LogFileDB {
	return &LogFileDB{db: db}
}

// CreateLogFile inserts a new log file row. Callers are expected to have
// already charged quota via PrincipalDB.ReserveQuota in the same
// transaction (spec §5).
func (l *LogFileDB) CreateLogFile(ctx context.Context, tx *sql.Tx, principalID, storedPath, originalName, sha256 string, sizeBytes int64) (*models.LogFile, error) {
	file := &models.LogFile{
		ID:            uuid.New().String(),
		PrincipalID:   principalID,
		StoredPath:    &storedPath,
		OriginalName:  originalName,
		SizeBytes:     sizeBytes,
		ContentSHA256: sha256,
		CreatedAt:     time.Now().UTC(),
	}

	exec := l.execer(tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO log_files (id, principal_id, stored_path, original_name, size_bytes, content_sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		file.ID, file.PrincipalID, file.StoredPath, file.OriginalName, file.SizeBytes, file.ContentSHA256, file.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert log_file: %w", err)
	}
	return file, nil
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (l *LogFileDB) execer(tx *sql.Tx) execContexter {
	if tx != nil {
		return tx
	}
	return l.db
}

// Get looks up a log file by id, including soft/hard-deleted rows so
// callers can give an accurate NotFound vs Conflict response.
func (l *LogFileDB) Get(ctx context.Context, id string) (*models.LogFile, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, principal_id, stored_path, original_name, size_bytes, content_sha256,
			pinned, created_at, soft_deleted_at, hard_deleted_at
		FROM log_files WHERE id = $1`, id)

	var f models.LogFile
	err := row.Scan(&f.ID, &f.PrincipalID, &f.StoredPath, &f.OriginalName, &f.SizeBytes, &f.ContentSHA256,
		&f.Pinned, &f.CreatedAt, &f.SoftDeletedAt, &f.HardDeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan log_file: %w", err)
	}
	return &f, nil
}

// ListForPrincipal returns non-hard-deleted files owned by principalID,
// newest first.
func (l *LogFileDB) ListForPrincipal(ctx context.Context, principalID string, includeSoftDeleted bool) ([]*models.LogFile, error) {
	query := `SELECT id, principal_id, stored_path, original_name, size_bytes, content_sha256,
		pinned, created_at, soft_deleted_at, hard_deleted_at
		FROM log_files WHERE principal_id = $1 AND hard_deleted_at IS NULL`
	if !includeSoftDeleted {
		query += ` AND soft_deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := l.db.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("list log_files: %w", err)
	}
	defer rows.Close()

	var files []*models.LogFile
	for rows.Next() {
		var f models.LogFile
		if err := rows.Scan(&f.ID, &f.PrincipalID, &f.StoredPath, &f.OriginalName, &f.SizeBytes, &f.ContentSHA256,
			&f.Pinned, &f.CreatedAt, &f.SoftDeletedAt, &f.HardDeletedAt); err != nil {
			return nil, fmt.Errorf("scan log_file row: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// SetPinned toggles the pin flag, which exempts a file from the
// retention sweep's automatic soft-delete (spec §4.5).
func (l *LogFileDB) SetPinned(ctx context.Context, id string, pinned bool) error {
	_, err := l.db.ExecContext(ctx, `UPDATE log_files SET pinned = $1 WHERE id = $2`, pinned, id)
	return err
}

// SoftDelete marks a file as soft-deleted without clearing stored_path,
// and marks every non-terminal Analysis against it with source_deleted
// so in-flight jobs can decide whether to keep running (spec §9 open
// question, resolved: soft-deleted source is still readable by a
// running job already holding the bytes, but no new analysis may start
// against it — see DESIGN.md).
func (l *LogFileDB) SoftDelete(ctx context.Context, tx *sql.Tx, id string) error {
	exec := l.execer(tx)
	_, err := exec.ExecContext(ctx, `UPDATE log_files SET soft_deleted_at = now() WHERE id = $1 AND soft_deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete log_file: %w", err)
	}
	_, err = exec.ExecContext(ctx, `
		UPDATE analyses SET source_deleted = true
		WHERE log_file_id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return fmt.Errorf("flag analyses source_deleted: %w", err)
	}
	return nil
}

// HardDelete clears stored_path (the backend object is expected to have
// already been removed by the caller) and stamps hard_deleted_at. Quota
// reconciliation is the caller's responsibility via
// PrincipalDB.RecomputeUsedBytes or a direct charge-back.
func (l *LogFileDB) HardDelete(ctx context.Context, tx *sql.Tx, id string) error {
	exec := l.execer(tx)
	_, err := exec.ExecContext(ctx, `
		UPDATE log_files SET hard_deleted_at = now(), stored_path = NULL
		WHERE id = $1 AND hard_deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("hard delete log_file: %w", err)
	}
	return nil
}

// ListSoftDeleteCandidates returns non-pinned, non-soft-deleted files
// owned by principalID older than cutoff, for the retention sweep.
func (l *LogFileDB) ListSoftDeleteCandidates(ctx context.Context, principalID string, cutoff time.Time) ([]*models.LogFile, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, principal_id, stored_path, original_name, size_bytes, content_sha256,
			pinned, created_at, soft_deleted_at, hard_deleted_at
		FROM log_files
		WHERE principal_id = $1 AND pinned = false AND soft_deleted_at IS NULL
			AND hard_deleted_at IS NULL AND created_at < $2`,
		principalID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list soft-delete candidates: %w", err)
	}
	defer rows.Close()

	var files []*models.LogFile
	for rows.Next() {
		var f models.LogFile
		if err := rows.Scan(&f.ID, &f.PrincipalID, &f.StoredPath, &f.OriginalName, &f.SizeBytes, &f.ContentSHA256,
			&f.Pinned, &f.CreatedAt, &f.SoftDeletedAt, &f.HardDeletedAt); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// ListHardDeleteCandidates returns soft-deleted files whose soft deletion
// predates cutoff and that are not yet hard-deleted.
func (l *LogFileDB) ListHardDeleteCandidates(ctx context.Context, principalID string, cutoff time.Time) ([]*models.LogFile, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, principal_id, stored_path, original_name, size_bytes, content_sha256,
			pinned, created_at, soft_deleted_at, hard_deleted_at
		FROM log_files
		WHERE principal_id = $1 AND soft_deleted_at IS NOT NULL
			AND soft_deleted_at < $2 AND hard_deleted_at IS NULL`,
		principalID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list hard-delete candidates: %w", err)
	}
	defer rows.Close()

	var files []*models.LogFile
	for rows.Next() {
		var f models.LogFile
		if err := rows.Scan(&f.ID, &f.PrincipalID, &f.StoredPath, &f.OriginalName, &f.SizeBytes, &f.ContentSHA256,
			&f.Pinned, &f.CreatedAt, &f.SoftDeletedAt, &f.HardDeletedAt); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}
