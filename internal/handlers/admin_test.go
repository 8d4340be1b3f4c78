package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logship/core/internal/audit"
	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/geo"
	"github.com/logship/core/internal/middleware"
	"github.com/logship/core/internal/models"
	"github.com/logship/core/internal/objectstore"
)

func setupAdminHandlerTest(t *testing.T) (*AdminHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	principalDB := db.NewPrincipalDB(mockDB)
	logFileDB := db.NewLogFileDB(mockDB)
	auditDB := db.NewAuditEventDB(mockDB)
	retentionDB := db.NewRetentionPolicyDB(mockDB)
	recorder := audit.NewRecorder(auditDB)
	geoResolver := geo.NewResolver(geo.NewEmptyOfflineTable(), "", 10)

	store, err := objectstore.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	handler := NewAdminHandler(principalDB, logFileDB, auditDB, retentionDB, recorder, store, geoResolver)
	return handler, mock, func() { mockDB.Close() }
}

func contextWithAdminPrincipal(w *httptest.ResponseRecorder) *gin.Context {
	c, _ := gin.CreateTestContext(w)
	c.Set(middleware.PrincipalKey, &models.Principal{ID: "admin1", Role: models.RoleAdmin, Active: true})
	return c
}

func TestCreateUser_DefaultsRoleAndRecordsAudit(t *testing.T) {
	handler, mock, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO principals`).
		WithArgs(sqlmock.AnyArg(), "bob", "bob", "bob@example.com", string(models.RoleUser), sqlmock.AnyArg(), int64(0), true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "create_user", "principal", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), string(models.OutcomeSuccess), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	body, _ := json.Marshal(map[string]string{"handle": "bob", "email": "bob@example.com", "password": "hunter22222"})
	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/admin/users", bytes.NewReader(body))

	handler.CreateUser(c)

	require.Equal(t, http.StatusOK, w.Code)
	var p models.Principal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, models.RoleUser, p.Role)
}

func TestGetUser_ReturnsNotFoundForMissingPrincipal(t *testing.T) {
	handler, mock, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	mock.ExpectQuery(`FROM principals WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(principalColumns()))

	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Params = []gin.Param{{Key: "id", Value: "ghost"}}
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/admin/users/ghost", nil)

	handler.GetUser(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUser_AppliesPartialQuotaChangeAndRecordsAudit(t *testing.T) {
	handler, mock, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`FROM principals WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(principalColumns()).
			AddRow("p1", "alice", "alice@example.com", string(models.RoleUser), "hash", int64(100), int64(0), false, true, now, nil))
	mock.ExpectExec(`UPDATE principals SET quota_bytes = \$1 WHERE id = \$2`).
		WithArgs(int64(5000), "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM principals WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(principalColumns()).
			AddRow("p1", "alice", "alice@example.com", string(models.RoleUser), "hash", int64(5000), int64(0), false, true, now, nil))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "update_user", "principal", "p1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), string(models.OutcomeSuccess), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	body, _ := json.Marshal(map[string]interface{}{"quota_bytes": 5000})
	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Params = []gin.Param{{Key: "id", Value: "p1"}}
	c.Request = httptest.NewRequest(http.MethodPut, "/api/v1/admin/users/p1", bytes.NewReader(body))

	handler.UpdateUser(c)

	require.Equal(t, http.StatusOK, w.Code)
	var p models.Principal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, int64(5000), p.QuotaBytes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUser_ReturnsNotFoundForMissingTarget(t *testing.T) {
	handler, mock, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	mock.ExpectQuery(`FROM principals WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(principalColumns()))

	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Params = []gin.Param{{Key: "id", Value: "ghost"}}
	c.Request = httptest.NewRequest(http.MethodPut, "/api/v1/admin/users/ghost", bytes.NewReader([]byte(`{}`)))

	handler.UpdateUser(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUser_DeactivatesAndRecordsAudit(t *testing.T) {
	handler, mock, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`FROM principals WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(principalColumns()).
			AddRow("p1", "alice", "alice@example.com", string(models.RoleUser), "hash", int64(100), int64(0), false, true, now, nil))
	mock.ExpectExec(`UPDATE principals SET active = \$1 WHERE id = \$2`).
		WithArgs(false, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "deactivate_user", "principal", "p1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), string(models.OutcomeSuccess), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Params = []gin.Param{{Key: "id", Value: "p1"}}
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/users/p1", nil)

	handler.DeleteUser(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLogs_FiltersByQueryParamsAndRecordsView(t *testing.T) {
	handler, mock, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`SELECT id, principal_id, at, action, entity_kind, entity_id, ip, geo, user_agent, outcome, detail_json, request_id\s*FROM audit_events WHERE principal_id = \$1 AND action = \$2 ORDER BY id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("p1", "login", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "principal_id", "at", "action", "entity_kind", "entity_id", "ip", "geo", "user_agent", "outcome", "detail_json", "request_id"}).
			AddRow(int64(1), "p1", now, "login", "", "", "127.0.0.1", "", "", string(models.OutcomeSuccess), "{}", "req1"))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "view_audit_log", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), string(models.OutcomeSuccess), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit-logs?principal_id=p1&action=login", nil)

	handler.AuditLogs(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRetentionPolicies_ReturnsAllScopes(t *testing.T) {
	handler, mock, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT scope, scope_id, soft_after_days, hard_after_soft_days FROM retention_policies`).
		WillReturnRows(sqlmock.NewRows([]string{"scope", "scope_id", "soft_after_days", "hard_after_soft_days"}).
			AddRow(string(models.ScopeGlobal), "", 30, 60))

	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/admin/retention-policies", nil)

	handler.ListRetentionPolicies(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var policies []models.RetentionPolicy
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &policies))
	require.Len(t, policies, 1)
	assert.Equal(t, 30, policies[0].SoftAfterDays)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRetentionPolicy_RejectsInvalidBody(t *testing.T) {
	handler, _, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Request = httptest.NewRequest(http.MethodPut, "/api/v1/admin/retention-policies", bytes.NewReader([]byte(`not-json`)))

	handler.UpsertRetentionPolicy(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHardDeleteLogFile_DeletesObjectRowAndRecomputesUsage(t *testing.T) {
	handler, mock, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	now := time.Now()
	storedPath := "p1/123_archive.zip"
	mock.ExpectQuery(`FROM log_files WHERE id = \$1`).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "principal_id", "stored_path", "original_name", "size_bytes", "content_sha256", "pinned", "created_at", "soft_deleted_at", "hard_deleted_at"}).
			AddRow("f1", "p1", storedPath, "archive.zip", int64(100), "deadbeef", false, now, nil, nil))
	mock.ExpectExec(`UPDATE log_files SET hard_deleted_at = now\(\), stored_path = NULL`).
		WithArgs("f1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE principals SET used_bytes = COALESCE`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO deletion_log`).
		WithArgs("f1", "hard", "admin1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "hard_delete_log_file", "log_file", "f1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), string(models.OutcomeSuccess), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Params = []gin.Param{{Key: "id", Value: "f1"}}
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/log-files/f1", nil)

	handler.HardDeleteLogFile(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHardDeleteLogFile_RejectsAlreadyHardDeletedFile(t *testing.T) {
	handler, mock, cleanup := setupAdminHandlerTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`FROM log_files WHERE id = \$1`).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "principal_id", "stored_path", "original_name", "size_bytes", "content_sha256", "pinned", "created_at", "soft_deleted_at", "hard_deleted_at"}).
			AddRow("f1", "p1", nil, "archive.zip", int64(100), "deadbeef", false, now, now, now))

	w := httptest.NewRecorder()
	c := contextWithAdminPrincipal(w)
	c.Params = []gin.Param{{Key: "id", Value: "f1"}}
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/log-files/f1", nil)

	handler.HardDeleteLogFile(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
