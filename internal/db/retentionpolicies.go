package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/logship/core/internal/models"
)

// RetentionPolicyDB handles database operations for RetentionPolicy rows.
type RetentionPolicyDB struct {
	db *sql.DB
}

// NewRetentionPolicyDB creates a new RetentionPolicyDB instance.
func NewRetentionPolicyDB(db *sql.DB) *RetentionPolicyDB {
	return &RetentionPolicyDB{db: db}
}

// Upsert writes a policy at the given scope (global/role/principal),
// grounded on the precedence model in cartographus's retention rules.
func (r *RetentionPolicyDB) Upsert(ctx context.Context, p *models.RetentionPolicy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retention_policies (scope, scope_id, soft_after_days, hard_after_soft_days)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope, scope_id) DO UPDATE SET
			soft_after_days = EXCLUDED.soft_after_days,
			hard_after_soft_days = EXCLUDED.hard_after_soft_days`,
		string(p.Scope), p.ScopeID, p.SoftAfterDays, p.HardAfterSoftDays,
	)
	return err
}

// Get fetches the policy for an exact (scope, scopeID) pair, returning
// nil when none is configured at that scope.
func (r *RetentionPolicyDB) Get(ctx context.Context, scope models.RetentionScope, scopeID string) (*models.RetentionPolicy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT scope, scope_id, soft_after_days, hard_after_soft_days
		FROM retention_policies WHERE scope = $1 AND scope_id = $2`, string(scope), scopeID)

	var p models.RetentionPolicy
	var scopeStr string
	err := row.Scan(&scopeStr, &p.ScopeID, &p.SoftAfterDays, &p.HardAfterSoftDays)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan retention_policy: %w", err)
	}
	p.Scope = models.RetentionScope(scopeStr)
	return &p, nil
}

// Resolve returns the effective policy for a principal, applying the
// principal > role > global precedence from spec §4.5.
func (r *RetentionPolicyDB) Resolve(ctx context.Context, principalID string, role models.Role) (*models.RetentionPolicy, error) {
	if p, err := r.Get(ctx, models.ScopePrincipal, principalID); err != nil {
		return nil, err
	} else if p != nil {
		return p, nil
	}
	if p, err := r.Get(ctx, models.ScopeRole, string(role)); err != nil {
		return nil, err
	} else if p != nil {
		return p, nil
	}
	return r.Get(ctx, models.ScopeGlobal, "")
}

// ListAll returns every configured policy, for admin listing endpoints.
func (r *RetentionPolicyDB) ListAll(ctx context.Context) ([]*models.RetentionPolicy, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT scope, scope_id, soft_after_days, hard_after_soft_days FROM retention_policies`)
	if err != nil {
		return nil, fmt.Errorf("list retention_policies: %w", err)
	}
	defer rows.Close()

	var out []*models.RetentionPolicy
	for rows.Next() {
		var p models.RetentionPolicy
		var scopeStr string
		if err := rows.Scan(&scopeStr, &p.ScopeID, &p.SoftAfterDays, &p.HardAfterSoftDays); err != nil {
			return nil, fmt.Errorf("scan retention_policy row: %w", err)
		}
		p.Scope = models.RetentionScope(scopeStr)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListPrincipalIDsWithUsage returns distinct principal ids that own at
// least one non-hard-deleted log file, the sweep's unit of work.
func (r *RetentionPolicyDB) ListPrincipalIDsWithUsage(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT principal_id FROM log_files WHERE hard_deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list principal ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
