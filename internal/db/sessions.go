package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/logship/core/internal/models"
)

// SessionDB handles database operations for auth Sessions (server-side
// bearer-token rows, not parser jobs — see internal/jobs for those).
type SessionDB struct {
	db *sql.DB
}

// NewSessionDB creates a new SessionDB instance.
func NewSessionDB(db *sql.DB) *SessionDB {
	return &SessionDB{db: db}
}

// CreateSession inserts a new session row keyed by the token fingerprint.
// The invariant "no two live sessions share a fingerprint" is enforced by
// the UNIQUE constraint on token_fingerprint.
func (s *SessionDB) CreateSession(ctx context.Context, principalID, tokenFingerprint, issuedIP, userAgent string, ttl time.Duration) (*models.Session, error) {
	session := &models.Session{
		ID:               uuid.New().String(),
		PrincipalID:      principalID,
		TokenFingerprint: tokenFingerprint,
		ExpiresAt:        time.Now().UTC().Add(ttl),
		IssuedIP:         issuedIP,
		UserAgent:        userAgent,
		CreatedAt:        time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, principal_id, token_fingerprint, expires_at, issued_ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.PrincipalID, session.TokenFingerprint, session.ExpiresAt,
		session.IssuedIP, session.UserAgent, session.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// GetByFingerprint looks up the session backing a bearer token. A valid
// request requires this to return a row with ExpiresAt > now (spec §8.3).
func (s *SessionDB) GetByFingerprint(ctx context.Context, fingerprint string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, principal_id, token_fingerprint, expires_at, issued_ip, user_agent, created_at
		FROM sessions WHERE token_fingerprint = $1`, fingerprint)

	var session models.Session
	err := row.Scan(&session.ID, &session.PrincipalID, &session.TokenFingerprint,
		&session.ExpiresAt, &session.IssuedIP, &session.UserAgent, &session.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &session, nil
}

// UpdateFingerprint replaces a session's token_fingerprint. Login
// creates the row with a random placeholder fingerprint to learn the
// session's id, mints the envelope token around that id, then calls
// this to swap in the real fingerprint derived from the token it just
// signed (see internal/handlers/auth.go).
func (s *SessionDB) UpdateFingerprint(ctx context.Context, sessionID, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET token_fingerprint = $1 WHERE id = $2`, fingerprint, sessionID)
	if err != nil {
		return fmt.Errorf("update session fingerprint: %w", err)
	}
	return nil
}

// ListFingerprintsForPrincipal returns every live session fingerprint
// for a principal, so a caller can invalidate each one from
// SessionCache before (or after) deleting the rows — fingerprints
// aren't derivable from a principal id alone once the rows are gone.
func (s *SessionDB) ListFingerprintsForPrincipal(ctx context.Context, principalID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token_fingerprint FROM sessions WHERE principal_id = $1`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list session fingerprints: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan session fingerprint: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

// DeleteSession removes a session row (logout).
func (s *SessionDB) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	return err
}

// DeleteAllForPrincipal invalidates every session for a principal (password
// change per spec §4.6).
func (s *SessionDB) DeleteAllForPrincipal(ctx context.Context, principalID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE principal_id = $1`, principalID)
	return err
}

// PurgeExpired deletes sessions whose expires_at has already passed. Safe
// to call repeatedly; a missed run just leaves stale rows that the auth
// middleware's expiry check (loadSessionFromDB) already treats as invalid.
func (s *SessionDB) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
