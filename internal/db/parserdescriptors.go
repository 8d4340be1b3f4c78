package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/logship/core/internal/models"
)

// ParserDescriptorDB handles database operations for ParserDescriptors and
// per-principal ParserPermission overrides.
type ParserDescriptorDB struct {
	db *sql.DB
}

// NewParserDescriptorDB creates a new ParserDescriptorDB instance.
func NewParserDescriptorDB(db *sql.DB) *ParserDescriptorDB {
	return &ParserDescriptorDB{db: db}
}

// Upsert writes a descriptor row, seeding or updating from the YAML
// registry load at startup (spec §4.3). BinaryPath/ArgsTemplate/Timeout
// are registry-only and never persisted: a compromised row could
// otherwise alter what command a worker executes.
func (p *ParserDescriptorDB) Upsert(ctx context.Context, d *models.ParserDescriptor) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO parser_descriptors (mode_key, display_name, description, enabled, visible_to_users, admin_only, output_shape)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (mode_key) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			visible_to_users = EXCLUDED.visible_to_users,
			admin_only = EXCLUDED.admin_only,
			output_shape = EXCLUDED.output_shape`,
		d.ModeKey, d.DisplayName, d.Description, d.Enabled, d.VisibleToUsers, d.AdminOnly, string(d.OutputShape),
	)
	if err != nil {
		return fmt.Errorf("upsert parser_descriptor: %w", err)
	}
	return nil
}

// ListEnabled returns descriptors with enabled = true.
func (p *ParserDescriptorDB) ListEnabled(ctx context.Context) ([]*models.ParserDescriptor, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT mode_key, display_name, description, enabled, visible_to_users, admin_only, output_shape
		FROM parser_descriptors WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("list parser_descriptors: %w", err)
	}
	defer rows.Close()

	var out []*models.ParserDescriptor
	for rows.Next() {
		var d models.ParserDescriptor
		var shape string
		if err := rows.Scan(&d.ModeKey, &d.DisplayName, &d.Description, &d.Enabled, &d.VisibleToUsers, &d.AdminOnly, &shape); err != nil {
			return nil, fmt.Errorf("scan parser_descriptor: %w", err)
		}
		d.OutputShape = models.OutputShape(shape)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Get looks up a single descriptor by mode key.
func (p *ParserDescriptorDB) Get(ctx context.Context, modeKey string) (*models.ParserDescriptor, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT mode_key, display_name, description, enabled, visible_to_users, admin_only, output_shape
		FROM parser_descriptors WHERE mode_key = $1`, modeKey)

	var d models.ParserDescriptor
	var shape string
	err := row.Scan(&d.ModeKey, &d.DisplayName, &d.Description, &d.Enabled, &d.VisibleToUsers, &d.AdminOnly, &shape)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan parser_descriptor: %w", err)
	}
	d.OutputShape = models.OutputShape(shape)
	return &d, nil
}

// SetPermission grants or revokes a principal's access to a mode that is
// hidden from users (visible_to_users = false). Admin-only modes stay
// restricted to admins whatever this row says.
func (p *ParserDescriptorDB) SetPermission(ctx context.Context, principalID, modeKey string, allow bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO parser_permissions (principal_id, mode_key, allow)
		VALUES ($1, $2, $3)
		ON CONFLICT (principal_id, mode_key) DO UPDATE SET allow = EXCLUDED.allow`,
		principalID, modeKey, allow,
	)
	return err
}

// HasPermission returns the explicit override for (principalID, modeKey),
// and ok=false when no override row exists (caller falls back to the
// descriptor's default visibility rules).
func (p *ParserDescriptorDB) HasPermission(ctx context.Context, principalID, modeKey string) (allow bool, ok bool, err error) {
	row := p.db.QueryRowContext(ctx, `SELECT allow FROM parser_permissions WHERE principal_id = $1 AND mode_key = $2`, principalID, modeKey)
	err = row.Scan(&allow)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("scan parser_permission: %w", err)
	}
	return allow, true, nil
}
