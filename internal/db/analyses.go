package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/logship/core/internal/models"
)

// AnalysisDB handles database operations for Analysis jobs.
type AnalysisDB struct {
	db *sql.DB
}

// NewAnalysisDB creates a new AnalysisDB instance.
func NewAnalysisDB(db *sql.DB) *AnalysisDB {
	return &AnalysisDB{db: db}
}

// CreateAnalysis inserts a new pending analysis row.
func (a *AnalysisDB) CreateAnalysis(ctx context.Context, principalID, logFileID string, modeKeys []string, timezone, sessionLabel, externalRef string, windowStart, windowEnd *time.Time) (*models.Analysis, error) {
	analysis := &models.Analysis{
		ID:            uuid.New().String(),
		PrincipalID:   principalID,
		LogFileID:     logFileID,
		ModeKeys:      modeKeys,
		Timezone:      timezone,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		Status:        models.StatusPending,
		SessionLabel:  sessionLabel,
		ExternalRef:   externalRef,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO analyses (id, principal_id, log_file_id, mode_keys, timezone, window_start, window_end,
			status, session_label, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		analysis.ID, analysis.PrincipalID, analysis.LogFileID, strings.Join(modeKeys, ","), analysis.Timezone,
		analysis.WindowStart, analysis.WindowEnd, string(analysis.Status), analysis.SessionLabel,
		analysis.ExternalRef, analysis.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert analysis: %w", err)
	}
	return analysis, nil
}

func scanAnalysis(row interface{ Scan(...interface{}) error }) (*models.Analysis, error) {
	var an models.Analysis
	var status, modeKeys string
	err := row.Scan(&an.ID, &an.PrincipalID, &an.LogFileID, &modeKeys, &an.Timezone, &an.WindowStart, &an.WindowEnd,
		&status, &an.ProgressPct, &an.SourceDeleted, &an.StartedAt, &an.FinishedAt, &an.DurationMs,
		&an.ErrorKind, &an.ErrorMessage, &an.SessionLabel, &an.ExternalRef, &an.CreatedAt)
	if err != nil {
		return nil, err
	}
	an.Status = models.AnalysisStatus(status)
	if modeKeys != "" {
		an.ModeKeys = strings.Split(modeKeys, ",")
	}
	return &an, nil
}

const analysisColumns = `id, principal_id, log_file_id, mode_keys, timezone, window_start, window_end,
	status, progress_pct, source_deleted, started_at, finished_at, duration_ms,
	error_kind, error_message, session_label, external_ref, created_at`

// Get looks up an analysis by id.
func (a *AnalysisDB) Get(ctx context.Context, id string) (*models.Analysis, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	an, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	return an, nil
}

// ListForPrincipal returns analyses owned by principalID, newest first.
func (a *AnalysisDB) ListForPrincipal(ctx context.Context, principalID string) ([]*models.Analysis, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE principal_id = $1 ORDER BY created_at DESC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []*models.Analysis
	for rows.Next() {
		an, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}
		out = append(out, an)
	}
	return out, rows.Err()
}

// ClaimNext atomically claims the oldest pending analysis for execution,
// skipping rows locked by other workers (spec §5: "workers claim jobs via
// SELECT ... FOR UPDATE SKIP LOCKED so no two workers run the same
// analysis"). Returns nil, nil when no work is available.
func (a *AnalysisDB) ClaimNext(ctx context.Context) (*models.Analysis, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+analysisColumns+` FROM analyses
		WHERE status = 'pending'
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`)

	an, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan claimable analysis: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE analyses SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'pending'`, an.ID)
	if err != nil {
		return nil, fmt.Errorf("claim analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race somehow between read and update; caller retries.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	an.Status = models.StatusRunning
	now := time.Now().UTC()
	an.StartedAt = &now
	return an, nil
}

// ErrStaleTransition is returned by a CAS transition method when the row's
// current status no longer matches the expected "from" status.
var ErrStaleTransition = fmt.Errorf("analysis status changed concurrently")

// transition performs a compare-and-set status update, returning
// ErrStaleTransition if the row wasn't in the expected state.
func (a *AnalysisDB) transition(ctx context.Context, id string, from, to models.AnalysisStatus, extra string, args ...interface{}) error {
	query := fmt.Sprintf(`UPDATE analyses SET status = $1%s WHERE id = $%d AND status = $%d`,
		extra, len(args)+2, len(args)+3)
	fullArgs := append([]interface{}{string(to)}, args...)
	fullArgs = append(fullArgs, id, string(from))

	res, err := a.db.ExecContext(ctx, query, fullArgs...)
	if err != nil {
		return fmt.Errorf("transition analysis %s->%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// UpdateProgress sets progress_pct for a running analysis.
func (a *AnalysisDB) UpdateProgress(ctx context.Context, id string, pct int) error {
	_, err := a.db.ExecContext(ctx, `UPDATE analyses SET progress_pct = $1 WHERE id = $2 AND status = 'running'`, pct, id)
	return err
}

// Complete transitions running -> completed.
func (a *AnalysisDB) Complete(ctx context.Context, id string, durationMs int64) error {
	return a.transition(ctx, id, models.StatusRunning, models.StatusCompleted,
		`, finished_at = now(), duration_ms = $2, progress_pct = 100`, durationMs)
}

// Fail transitions running -> failed, recording the error taxonomy kind.
func (a *AnalysisDB) Fail(ctx context.Context, id string, errorKind, errorMessage string) error {
	return a.transition(ctx, id, models.StatusRunning, models.StatusFailed,
		`, finished_at = now(), error_kind = $2, error_message = $3`, errorKind, errorMessage)
}

// RequestCancel sets cancel_requested on a pending or running analysis;
// the worker observes it cooperatively and transitions to cancelled.
func (a *AnalysisDB) RequestCancel(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE analyses SET cancel_requested = true
		WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CancelPending transitions a not-yet-started analysis straight to
// cancelled (no worker to cooperate with).
func (a *AnalysisDB) CancelPending(ctx context.Context, id string) error {
	return a.transition(ctx, id, models.StatusPending, models.StatusCancelled, `, finished_at = now()`)
}

// CancelRunning transitions a running analysis to cancelled; called by
// the worker once it observes cancel_requested.
func (a *AnalysisDB) CancelRunning(ctx context.Context, id string) error {
	return a.transition(ctx, id, models.StatusRunning, models.StatusCancelled, `, finished_at = now()`)
}

// IsCancelRequested reports whether id's cancel_requested flag is set,
// polled by a running worker between output chunks (spec §4.4).
func (a *AnalysisDB) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := a.db.QueryRowContext(ctx, `SELECT cancel_requested FROM analyses WHERE id = $1`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return flag, err
}
