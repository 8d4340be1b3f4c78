package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logship/core/internal/audit"
	"github.com/logship/core/internal/cache"
	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/geo"
	"github.com/logship/core/internal/jobs"
	"github.com/logship/core/internal/middleware"
	"github.com/logship/core/internal/models"
	"github.com/logship/core/internal/objectstore"
)

func setupUploadHandlerTest(t *testing.T) (*UploadHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	database := db.NewDatabaseForTesting(mockDB)
	principalDB := db.NewPrincipalDB(mockDB)
	logFileDB := db.NewLogFileDB(mockDB)
	analysisDB := db.NewAnalysisDB(mockDB)
	descriptorDB := db.NewParserDescriptorDB(mockDB)
	auditDB := db.NewAuditEventDB(mockDB)
	coordinator := jobs.NewCoordinator(analysisDB, logFileDB, descriptorDB)

	store, err := objectstore.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	progress, err := cache.NewCache(cache.Config{Enabled: false})
	require.NoError(t, err)
	recorder := audit.NewRecorder(auditDB)
	geoResolver := geo.NewResolver(geo.NewEmptyOfflineTable(), "", 10)

	handler := NewUploadHandler(database, principalDB, logFileDB, coordinator, store, progress, recorder, geoResolver)
	return handler, mock, func() { mockDB.Close() }
}

func multipartUploadRequest(t *testing.T, fields map[string]string, fileContent []byte) (*http.Request, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	part, err := w.CreateFormFile("file", "archive.zip")
	require.NoError(t, err)
	_, err = part.Write(fileContent)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, w.Boundary()
}

func TestUpload_RejectsWhenBothFileAndFileURLMissing(t *testing.T) {
	handler, _, cleanup := setupUploadHandlerTest(t)
	defer cleanup()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("modes", "auth"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Set(middleware.PrincipalKey, &models.Principal{ID: "p1", Active: true})
	c.Request = req

	handler.Upload(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_RejectsMissingModes(t *testing.T) {
	handler, _, cleanup := setupUploadHandlerTest(t)
	defer cleanup()

	req, _ := multipartUploadRequest(t, map[string]string{}, []byte{'P', 'K', 0x03, 0x04})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Set(middleware.PrincipalKey, &models.Principal{ID: "p1", Active: true})
	c.Request = req

	handler.Upload(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_PersistsArchiveAndSubmitsAnalysis(t *testing.T) {
	handler, mock, cleanup := setupUploadHandlerTest(t)
	defer cleanup()

	req, _ := multipartUploadRequest(t, map[string]string{"modes": "auth", "timezone": "UTC"}, []byte{'P', 'K', 0x03, 0x04, 'x', 'y', 'z'})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT quota_bytes, used_bytes, quota_override FROM principals WHERE id = \$1 FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"quota_bytes", "used_bytes", "quota_override"}).AddRow(int64(1_000_000), int64(0), false))
	mock.ExpectExec(`UPDATE principals SET used_bytes = used_bytes \+ \$1 WHERE id = \$2`).
		WithArgs(sqlmock.AnyArg(), "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO log_files`).
		WithArgs(sqlmock.AnyArg(), "p1", sqlmock.AnyArg(), "archive.zip", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT mode_key, display_name, description, enabled, visible_to_users, admin_only, output_shape\s*FROM parser_descriptors WHERE mode_key = \$1`).
		WithArgs("auth").
		WillReturnRows(sqlmock.NewRows(descriptorColumns()).
			AddRow("auth", "Auth Log", "", true, true, false, string(models.OutputShapeCSV)))
	mock.ExpectExec(`INSERT INTO analyses`).
		WithArgs(sqlmock.AnyArg(), "p1", sqlmock.AnyArg(), "auth", "UTC", (*time.Time)(nil), (*time.Time)(nil),
			string(models.StatusPending), "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "upload", "log_file", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), string(models.OutcomeSuccess), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Set(middleware.PrincipalKey, &models.Principal{ID: "p1", Active: true})
	c.Request = req

	handler.Upload(c)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AnalysisID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpload_RejectsOverQuotaArchive(t *testing.T) {
	handler, mock, cleanup := setupUploadHandlerTest(t)
	defer cleanup()

	req, _ := multipartUploadRequest(t, map[string]string{"modes": "auth", "timezone": "UTC"}, []byte{'P', 'K', 0x03, 0x04, 'x', 'y', 'z'})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT quota_bytes, used_bytes, quota_override FROM principals WHERE id = \$1 FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"quota_bytes", "used_bytes", "quota_override"}).AddRow(int64(1), int64(1), false))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "upload", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), string(models.OutcomeFailure), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Set(middleware.PrincipalKey, &models.Principal{ID: "p1", Active: true})
	c.Request = req

	handler.Upload(c)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDownloadProgress_ReportsNotDownloadingWhenCacheDisabled(t *testing.T) {
	handler, _, cleanup := setupUploadHandlerTest(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Set(middleware.PrincipalKey, &models.Principal{ID: "p1", Active: true})
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/download-progress", nil)

	handler.DownloadProgress(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var p downloadProgress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.False(t, p.Downloading)
}
