package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logship/core/internal/models"
)

func newRetentionPolicyDBMock(t *testing.T) (*RetentionPolicyDB, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewRetentionPolicyDB(mockDB), mock, func() { mockDB.Close() }
}

func TestRetentionUpsert_InsertsWithConflictClause(t *testing.T) {
	r, mock, cleanup := newRetentionPolicyDBMock(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO retention_policies \(scope, scope_id, soft_after_days, hard_after_soft_days\)\s*VALUES \(\$1, \$2, \$3, \$4\)\s*ON CONFLICT \(scope, scope_id\) DO UPDATE SET\s*soft_after_days = EXCLUDED.soft_after_days,\s*hard_after_soft_days = EXCLUDED.hard_after_soft_days`).
		WithArgs(string(models.ScopePrincipal), "p1", 30, 60).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := r.Upsert(context.Background(), &models.RetentionPolicy{
		Scope: models.ScopePrincipal, ScopeID: "p1", SoftAfterDays: 30, HardAfterSoftDays: 60,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionGet_ReturnsNilWhenNoPolicyAtScope(t *testing.T) {
	r, mock, cleanup := newRetentionPolicyDBMock(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs(string(models.ScopePrincipal), "p1").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "scope_id", "soft_after_days", "hard_after_soft_days"}))

	p, err := r.Get(context.Background(), models.ScopePrincipal, "p1")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionResolve_PrefersPrincipalScopeOverRoleAndGlobal(t *testing.T) {
	r, mock, cleanup := newRetentionPolicyDBMock(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs(string(models.ScopePrincipal), "p1").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "scope_id", "soft_after_days", "hard_after_soft_days"}).
			AddRow(string(models.ScopePrincipal), "p1", 10, 20))

	p, err := r.Resolve(context.Background(), "p1", models.RoleUser)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 10, p.SoftAfterDays)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionResolve_FallsBackToRoleThenGlobal(t *testing.T) {
	r, mock, cleanup := newRetentionPolicyDBMock(t)
	defer cleanup()

	cols := []string{"scope", "scope_id", "soft_after_days", "hard_after_soft_days"}
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs(string(models.ScopePrincipal), "p1").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs(string(models.ScopeRole), string(models.RoleUser)).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs(string(models.ScopeGlobal), "").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(string(models.ScopeGlobal), "", 90, 180))

	p, err := r.Resolve(context.Background(), "p1", models.RoleUser)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.ScopeGlobal, p.Scope)
	assert.Equal(t, 90, p.SoftAfterDays)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionResolve_ReturnsNilWhenNoScopeConfigured(t *testing.T) {
	r, mock, cleanup := newRetentionPolicyDBMock(t)
	defer cleanup()

	cols := []string{"scope", "scope_id", "soft_after_days", "hard_after_soft_days"}
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs(string(models.ScopePrincipal), "p1").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs(string(models.ScopeRole), string(models.RoleUser)).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days\s*FROM retention_policies WHERE scope = \$1 AND scope_id = \$2`).
		WithArgs(string(models.ScopeGlobal), "").
		WillReturnRows(sqlmock.NewRows(cols))

	p, err := r.Resolve(context.Background(), "p1", models.RoleUser)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionListAll_ReturnsEveryPolicy(t *testing.T) {
	r, mock, cleanup := newRetentionPolicyDBMock(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days FROM retention_policies`).
		WillReturnRows(sqlmock.NewRows([]string{"scope", "scope_id", "soft_after_days", "hard_after_soft_days"}).
			AddRow(string(models.ScopeGlobal), "", 90, 180).
			AddRow(string(models.ScopeRole), string(models.RoleAdmin), 365, 30))

	policies, err := r.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, policies, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionListPrincipalIDsWithUsage_ReturnsDistinctOwners(t *testing.T) {
	r, mock, cleanup := newRetentionPolicyDBMock(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT DISTINCT principal_id FROM log_files WHERE hard_deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}).AddRow("p1").AddRow("p2"))

	ids, err := r.ListPrincipalIDsWithUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
