package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AuditEventDB handles database operations for the append-only audit log.
type AuditEventDB struct {
	db *sql.DB
}

// NewAuditEventDB creates a new AuditEventDB instance.
func NewAuditEventDB(db *sql.DB) *AuditEventDB {
	return &AuditEventDB{db: db}
}

// AuditEventInput is the write-side shape; ID and At are assigned by the
// database and the caller respectively (At defaults to now() if zero).
type AuditEventInput struct {
	PrincipalID *string
	At          time.Time
	Action      string
	EntityKind  string
	EntityID    string
	IP          string
	Geo         string
	UserAgent   string
	Outcome     string
	DetailJSON  string
	RequestID   string
}

// Insert appends one audit event. Audit events are never updated or
// deleted by application code (spec §4.8: append-only); principal_id is
// nullified automatically by the FK's ON DELETE SET NULL when the
// principal itself is later removed.
func (a *AuditEventDB) Insert(ctx context.Context, ev AuditEventInput) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_events (principal_id, at, action, entity_kind, entity_id, ip, geo, user_agent, outcome, detail_json, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.PrincipalID, at, ev.Action, ev.EntityKind, ev.EntityID, ev.IP, ev.Geo, ev.UserAgent, ev.Outcome, ev.DetailJSON, ev.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit_event: %w", err)
	}
	return nil
}

// AuditEventRow is the read-side shape returned by queries.
type AuditEventRow struct {
	ID          int64
	PrincipalID *string
	At          time.Time
	Action      string
	EntityKind  string
	EntityID    string
	IP          string
	Geo         string
	UserAgent   string
	Outcome     string
	DetailJSON  string
	RequestID   string
}

// ListForPrincipal returns a principal's own audit trail, newest first,
// bounded by limit.
func (a *AuditEventDB) ListForPrincipal(ctx context.Context, principalID string, limit int) ([]*AuditEventRow, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, principal_id, at, action, entity_kind, entity_id, ip, geo, user_agent, outcome, detail_json, request_id
		FROM audit_events WHERE principal_id = $1 ORDER BY at DESC LIMIT $2`, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit_events: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// ListAll returns the global audit trail, newest first, for admin
// inspection, bounded by limit.
func (a *AuditEventDB) ListAll(ctx context.Context, limit int) ([]*AuditEventRow, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, principal_id, at, action, entity_kind, entity_id, ip, geo, user_agent, outcome, detail_json, request_id
		FROM audit_events ORDER BY at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit_events: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// Filter narrows the admin audit-log query and export endpoints
// (spec §4.8) to a principal, action, entity kind, outcome, and/or
// time range. Zero values are not applied.
type Filter struct {
	PrincipalID string
	Action      string
	EntityKind  string
	Outcome     string
	Since       time.Time
	Until       time.Time
}

func (f Filter) whereClause() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}
	if f.PrincipalID != "" {
		add("principal_id = $%d", f.PrincipalID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EntityKind != "" {
		add("entity_kind = $%d", f.EntityKind)
	}
	if f.Outcome != "" {
		add("outcome = $%d", f.Outcome)
	}
	if !f.Since.IsZero() {
		add("at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("at <= $%d", f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query returns one page of audit events matching filter, newest
// first, for the admin list endpoint.
func (a *AuditEventDB) Query(ctx context.Context, filter Filter, limit, offset int) ([]*AuditEventRow, error) {
	where, args := filter.whereClause()
	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT id, principal_id, at, action, entity_kind, entity_id, ip, geo, user_agent, outcome, detail_json, request_id
		FROM audit_events%s ORDER BY id DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_events: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// Stream runs filter against the full matching result set in
// insertion order and invokes fn per row, never materializing the
// whole result set in memory — the shape the CSV export endpoint
// needs (spec §4.8: "stream the rows, no buffering the whole export").
func (a *AuditEventDB) Stream(ctx context.Context, filter Filter, fn func(*AuditEventRow) error) error {
	where, args := filter.whereClause()
	query := fmt.Sprintf(`
		SELECT id, principal_id, at, action, entity_kind, entity_id, ip, geo, user_agent, outcome, detail_json, request_id
		FROM audit_events%s ORDER BY id ASC`, where)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("stream audit_events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev AuditEventRow
		if err := rows.Scan(&ev.ID, &ev.PrincipalID, &ev.At, &ev.Action, &ev.EntityKind, &ev.EntityID,
			&ev.IP, &ev.Geo, &ev.UserAgent, &ev.Outcome, &ev.DetailJSON, &ev.RequestID); err != nil {
			return fmt.Errorf("scan audit_event row: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEventRow, error) {
	var out []*AuditEventRow
	for rows.Next() {
		var ev AuditEventRow
		if err := rows.Scan(&ev.ID, &ev.PrincipalID, &ev.At, &ev.Action, &ev.EntityKind, &ev.EntityID,
			&ev.IP, &ev.Geo, &ev.UserAgent, &ev.Outcome, &ev.DetailJSON, &ev.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit_event row: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// DeletionLogEntry records a soft or hard delete for audit/forensics
// independent of the audit_events stream (spec §4.5's own log).
type DeletionLogEntry struct {
	LogFileID string
	Kind      string // "soft" or "hard"
	Actor     string // principal id, or "system" for retention sweeps
}

// RecordDeletion appends to the deletion_log table.
func (a *AuditEventDB) RecordDeletion(ctx context.Context, e DeletionLogEntry) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO deletion_log (log_file_id, kind, actor, at) VALUES ($1, $2, $3, now())`,
		e.LogFileID, e.Kind, e.Actor,
	)
	return err
}
