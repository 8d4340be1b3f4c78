package retention

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logship/core/internal/db"
)

type noopStore struct{ deleted []string }

func (n *noopStore) Put(ctx context.Context, r io.Reader, logicalName string) (string, error) {
	return "", nil
}
func (n *noopStore) OpenReader(ctx context.Context, storedRef string) (io.ReadCloser, error) {
	return nil, nil
}
func (n *noopStore) Delete(ctx context.Context, storedRef string) error {
	n.deleted = append(n.deleted, storedRef)
	return nil
}
func (n *noopStore) Size(ctx context.Context, storedRef string) (int64, error) { return 0, nil }

func newSweeperMock(t *testing.T) (*Sweeper, sqlmock.Sqlmock, func()) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	logFileDB := db.NewLogFileDB(mockDB)
	retentionDB := db.NewRetentionPolicyDB(mockDB)
	principalDB := db.NewPrincipalDB(mockDB)
	auditDB := db.NewAuditEventDB(mockDB)
	store := &noopStore{}

	s := NewSweeper(logFileDB, retentionDB, principalDB, auditDB, store)

	return s, mock, func() { mockDB.Close() }
}

func TestSoftSweep_DeletesPastCutoffRespectsGlobalPolicy(t *testing.T) {
	s, mock, cleanup := newSweeperMock(t)
	defer cleanup()

	now := time.Now()

	mock.ExpectQuery(`SELECT DISTINCT principal_id FROM log_files WHERE hard_deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}).AddRow("p1"))

	mock.ExpectQuery(`SELECT id, handle, email, role, password_hash, quota_bytes, used_bytes,\s*quota_override, active, created_at, last_login_at FROM principals WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "handle", "email", "role", "password_hash", "quota_bytes", "used_bytes",
			"quota_override", "active", "created_at", "last_login_at",
		}).AddRow("p1", "alice", "alice@example.com", "user", "hash", int64(1000), int64(0), false, true, now, nil))

	// Resolve: principal scope miss, role scope miss, global hit.
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs("principal", "p1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs("role", "user").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs("global", "").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "scope_id", "soft_after_days", "hard_after_soft_days"}).
			AddRow("global", "", 30, 90))

	mock.ExpectQuery(`SELECT id, principal_id, stored_path, original_name, size_bytes, content_sha256,\s*pinned, created_at, soft_deleted_at, hard_deleted_at\s*FROM log_files`).
		WithArgs("p1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "principal_id", "stored_path", "original_name", "size_bytes", "content_sha256",
			"pinned", "created_at", "soft_deleted_at", "hard_deleted_at",
		}).AddRow("f1", "p1", "objects/f1", "app.log", int64(100), "sha", false, now, nil, nil))

	mock.ExpectExec(`UPDATE log_files SET soft_deleted_at = now\(\) WHERE id = \$1 AND soft_deleted_at IS NULL`).
		WithArgs("f1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE analyses SET source_deleted = true`).
		WithArgs("f1").WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO deletion_log`).
		WithArgs("f1", "soft", "system").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.SoftSweep(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftSweep_NoPolicySkipsPrincipal(t *testing.T) {
	s, mock, cleanup := newSweeperMock(t)
	defer cleanup()

	now := time.Now()

	mock.ExpectQuery(`SELECT DISTINCT principal_id FROM log_files WHERE hard_deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}).AddRow("p1"))

	mock.ExpectQuery(`SELECT id, handle, email, role, password_hash, quota_bytes, used_bytes,\s*quota_override, active, created_at, last_login_at FROM principals WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "handle", "email", "role", "password_hash", "quota_bytes", "used_bytes",
			"quota_override", "active", "created_at", "last_login_at",
		}).AddRow("p1", "alice", "alice@example.com", "user", "hash", int64(1000), int64(0), false, true, now, nil))

	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs("principal", "p1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs("role", "user").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs("global", "").WillReturnError(sql.ErrNoRows)

	err := s.SoftSweep(context.Background())
	require.NoError(t, err)
	// No candidate listing or deletion queries should have been issued.
	assert.NoError(t, mock.ExpectationsWereMet())
}
