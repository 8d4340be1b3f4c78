// Package db provides PostgreSQL access for the log-archive ingestion core.
//
// This file implements principal (account) data access: creation, lookup,
// password hashing/verification, and quota bookkeeping.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/logship/core/internal/models"
)

// bcryptCost is bumped above golang.org/x/crypto/bcrypt.DefaultCost (10)
// to meet the "≥ bcrypt cost 12" floor (see DESIGN.md).
const bcryptCost = 12

// PrincipalDB handles database operations for principals.
type PrincipalDB struct {
	db *sql.DB
}

// NewPrincipalDB creates a new PrincipalDB instance.
func NewPrincipalDB(db *sql.DB) *PrincipalDB {
	return &PrincipalDB{db: db}
}

// CreatePrincipal hashes the password and inserts a new principal row.
func (p *PrincipalDB) CreatePrincipal(ctx context.Context, handle, email, password string, role models.Role, quotaBytes int64) (*models.Principal, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	principal := &models.Principal{
		ID:           uuid.New().String(),
		Handle:       handle,
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
		QuotaBytes:   quotaBytes,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO principals (id, handle, handle_lower, email, role, password_hash, quota_bytes, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		principal.ID, principal.Handle, strings.ToLower(principal.Handle), principal.Email,
		string(principal.Role), principal.PasswordHash, principal.QuotaBytes, principal.Active, principal.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert principal: %w", err)
	}

	return principal, nil
}

// GetPrincipalByHandle looks up a principal case-insensitively by handle.
func (p *PrincipalDB) GetPrincipalByHandle(ctx context.Context, handle string) (*models.Principal, error) {
	return p.scanOne(ctx, `SELECT id, handle, email, role, password_hash, quota_bytes, used_bytes,
		quota_override, active, created_at, last_login_at FROM principals WHERE handle_lower = $1`,
		strings.ToLower(handle))
}

// GetPrincipal looks up a principal by id.
func (p *PrincipalDB) GetPrincipal(ctx context.Context, id string) (*models.Principal, error) {
	return p.scanOne(ctx, `SELECT id, handle, email, role, password_hash, quota_bytes, used_bytes,
		quota_override, active, created_at, last_login_at FROM principals WHERE id = $1`, id)
}

func (p *PrincipalDB) scanOne(ctx context.Context, query string, arg interface{}) (*models.Principal, error) {
	row := p.db.QueryRowContext(ctx, query, arg)
	var principal models.Principal
	var role string
	err := row.Scan(&principal.ID, &principal.Handle, &principal.Email, &role, &principal.PasswordHash,
		&principal.QuotaBytes, &principal.UsedBytes, &principal.QuotaOverride, &principal.Active,
		&principal.CreatedAt, &principal.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	principal.Role = models.Role(role)
	return &principal, nil
}

// VerifyPassword performs a constant-time comparison of candidate against
// the stored bcrypt hash.
func VerifyPassword(hash, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}

// HashPassword hashes a password at the policy-mandated bcrypt cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// SetPasswordHash updates a principal's password hash directly (admin reset
// or self-change; policy enforcement happens at the handler layer).
func (p *PrincipalDB) SetPasswordHash(ctx context.Context, principalID, hash string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE principals SET password_hash = $1 WHERE id = $2`, hash, principalID)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// RecordLogin stamps last_login_at.
func (p *PrincipalDB) RecordLogin(ctx context.Context, principalID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE principals SET last_login_at = now() WHERE id = $1`, principalID)
	return err
}

// ReserveQuota atomically checks and charges quota for an upload. The row
// lock on the principal serializes concurrent uploads from the same
// principal (spec §5: "updating used_bytes is serialized per principal via
// a row lock acquired at the start of the upload transaction").
func (p *PrincipalDB) ReserveQuota(ctx context.Context, tx *sql.Tx, principalID string, sizeBytes int64) error {
	var quotaBytes, usedBytes int64
	var override bool
	err := tx.QueryRowContext(ctx,
		`SELECT quota_bytes, used_bytes, quota_override FROM principals WHERE id = $1 FOR UPDATE`,
		principalID).Scan(&quotaBytes, &usedBytes, &override)
	if err != nil {
		return fmt.Errorf("lock principal row: %w", err)
	}

	if !override && usedBytes+sizeBytes > quotaBytes {
		return fmt.Errorf("%w: %d + %d > %d", ErrQuotaExceeded, usedBytes, sizeBytes, quotaBytes)
	}

	_, err = tx.ExecContext(ctx, `UPDATE principals SET used_bytes = used_bytes + $1 WHERE id = $2`, sizeBytes, principalID)
	if err != nil {
		return fmt.Errorf("charge quota: %w", err)
	}
	return nil
}

// RecomputeUsedBytes recalculates used_bytes from non-hard-deleted
// LogFiles, the quiescent-point invariant of spec §8.1. Intended for
// periodic reconciliation and tests, not the hot upload path.
func (p *PrincipalDB) RecomputeUsedBytes(ctx context.Context, principalID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE principals SET used_bytes = COALESCE((
			SELECT SUM(size_bytes) FROM log_files
			WHERE principal_id = $1 AND hard_deleted_at IS NULL
		), 0) WHERE id = $1`, principalID)
	return err
}

// UpdateAdminFields applies the admin-settable subset of a principal's
// row (role, active flag, quota) — each pointer left nil leaves that
// column unchanged, so a partial PUT body only touches what it names.
func (p *PrincipalDB) UpdateAdminFields(ctx context.Context, principalID string, role *models.Role, active *bool, quotaBytes *int64, quotaOverride *bool) error {
	if role != nil {
		if _, err := p.db.ExecContext(ctx, `UPDATE principals SET role = $1 WHERE id = $2`, string(*role), principalID); err != nil {
			return fmt.Errorf("update principal role: %w", err)
		}
	}
	if active != nil {
		if _, err := p.db.ExecContext(ctx, `UPDATE principals SET active = $1 WHERE id = $2`, *active, principalID); err != nil {
			return fmt.Errorf("update principal active flag: %w", err)
		}
	}
	if quotaBytes != nil {
		if _, err := p.db.ExecContext(ctx, `UPDATE principals SET quota_bytes = $1 WHERE id = $2`, *quotaBytes, principalID); err != nil {
			return fmt.Errorf("update principal quota: %w", err)
		}
	}
	if quotaOverride != nil {
		if _, err := p.db.ExecContext(ctx, `UPDATE principals SET quota_override = $1 WHERE id = $2`, *quotaOverride, principalID); err != nil {
			return fmt.Errorf("update principal quota override: %w", err)
		}
	}
	return nil
}

// ErrQuotaExceeded is returned by ReserveQuota when the charge would push
// used_bytes above quota_bytes.
var ErrQuotaExceeded = fmt.Errorf("quota exceeded")
