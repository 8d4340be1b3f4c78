package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/logship/core/internal/models"
)

// AnalysisResultDB handles database operations for per-mode AnalysisResults.
type AnalysisResultDB struct {
	db *sql.DB
}

// NewAnalysisResultDB creates a new AnalysisResultDB instance.
func NewAnalysisResultDB(db *sql.DB) *AnalysisResultDB {
	return &AnalysisResultDB{db: db}
}

// Upsert writes (or overwrites, on a retried mode) one mode's result for
// an analysis.
func (r *AnalysisResultDB) Upsert(ctx context.Context, result *models.AnalysisResult) error {
	warnings := strings.Join(result.Warnings, "\x1f")
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO analysis_results (analysis_id, mode_key, raw_text_ref, structured_payload, schema_version, outcome, warnings, produced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (analysis_id, mode_key) DO UPDATE SET
			raw_text_ref = EXCLUDED.raw_text_ref,
			structured_payload = EXCLUDED.structured_payload,
			schema_version = EXCLUDED.schema_version,
			outcome = EXCLUDED.outcome,
			warnings = EXCLUDED.warnings,
			produced_at = EXCLUDED.produced_at`,
		result.AnalysisID, result.ModeKey, result.RawTextRef, result.StructuredPayload,
		result.SchemaVersion, result.Outcome, warnings, result.ProducedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert analysis_result: %w", err)
	}
	return nil
}

// ListForAnalysis returns every mode's result for an analysis.
func (r *AnalysisResultDB) ListForAnalysis(ctx context.Context, analysisID string) ([]*models.AnalysisResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT analysis_id, mode_key, raw_text_ref, structured_payload, schema_version, outcome, warnings, produced_at
		FROM analysis_results WHERE analysis_id = $1`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list analysis_results: %w", err)
	}
	defer rows.Close()

	var out []*models.AnalysisResult
	for rows.Next() {
		var res models.AnalysisResult
		var warnings string
		if err := rows.Scan(&res.AnalysisID, &res.ModeKey, &res.RawTextRef, &res.StructuredPayload,
			&res.SchemaVersion, &res.Outcome, &warnings, &res.ProducedAt); err != nil {
			return nil, fmt.Errorf("scan analysis_result: %w", err)
		}
		if warnings != "" {
			res.Warnings = strings.Split(warnings, "\x1f")
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}

// NewResult is a small constructor to keep callers from hand-building the
// struct's produced_at field inconsistently.
func NewResult(analysisID, modeKey string, rawTextRef *string, structuredPayload string, outcome string, warnings []string) *models.AnalysisResult {
	return &models.AnalysisResult{
		AnalysisID:        analysisID,
		ModeKey:           modeKey,
		RawTextRef:        rawTextRef,
		StructuredPayload: structuredPayload,
		SchemaVersion:     1,
		Outcome:           outcome,
		Warnings:          warnings,
		ProducedAt:        time.Now().UTC(),
	}
}
