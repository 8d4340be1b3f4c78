// This file implements the admin surface (spec C9): principal
// management, audit log inspection/export, retention policy
// management, and the hard-delete bypass of the normal soft-delete-only
// API path (spec §5, §4.5).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/logship/core/internal/audit"
	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/errors"
	"github.com/logship/core/internal/geo"
	"github.com/logship/core/internal/logger"
	"github.com/logship/core/internal/middleware"
	"github.com/logship/core/internal/models"
	"github.com/logship/core/internal/objectstore"
)

// AdminHandler serves every admin-only route.
type AdminHandler struct {
	principalDB *db.PrincipalDB
	logFileDB   *db.LogFileDB
	auditDB     *db.AuditEventDB
	retentionDB *db.RetentionPolicyDB
	recorder    *audit.Recorder
	store       objectstore.Backend
	geo         *geo.Resolver
}

func NewAdminHandler(principalDB *db.PrincipalDB, logFileDB *db.LogFileDB, auditDB *db.AuditEventDB, retentionDB *db.RetentionPolicyDB, recorder *audit.Recorder, store objectstore.Backend, geoResolver *geo.Resolver) *AdminHandler {
	return &AdminHandler{
		principalDB: principalDB,
		logFileDB:   logFileDB,
		auditDB:     auditDB,
		retentionDB: retentionDB,
		recorder:    recorder,
		store:       store,
		geo:         geoResolver,
	}
}

func (h *AdminHandler) RegisterRoutes(router *gin.RouterGroup) {
	users := router.Group("/users")
	{
		users.POST("", h.CreateUser)
		users.GET("/:id", h.GetUser)
		users.PUT("/:id", h.UpdateUser)
		users.DELETE("/:id", h.DeleteUser)
	}

	router.GET("/audit-logs", h.AuditLogs)
	router.GET("/audit-export", h.AuditExport)

	retention := router.Group("/retention-policies")
	{
		retention.GET("", h.ListRetentionPolicies)
		retention.PUT("", h.UpsertRetentionPolicy)
	}

	router.DELETE("/log-files/:id", h.HardDeleteLogFile)
}

type createUserRequest struct {
	Handle     string      `json:"handle" binding:"required"`
	Email      string      `json:"email" binding:"required"`
	Password   string      `json:"password" binding:"required"`
	Role       models.Role `json:"role"`
	QuotaBytes int64       `json:"quota_bytes"`
}

// CreateUser godoc
// @Summary Create a principal
// @Tags admin
// @Accept json
// @Produce json
// @Param body body createUserRequest true "New principal"
// @Success 200 {object} models.Principal
// @Failure 400 {object} errors.ErrorResponse
// @Router /admin/users [post]
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("handle, email, and password are required"))
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	ctx := c.Request.Context()
	principal, err := h.principalDB.CreatePrincipal(ctx, req.Handle, req.Email, req.Password, req.Role, req.QuotaBytes)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	actor := mustPrincipal(c)
	ev := auditEvent(c, h.geo, &actor.ID, "create_user")
	ev.Outcome = models.OutcomeSuccess
	ev.EntityKind = "principal"
	ev.EntityID = principal.ID
	h.recorder.Record(ctx, ev)

	c.JSON(http.StatusOK, principal)
}

// GetUser godoc
// @Summary Fetch a principal by id
// @Tags admin
// @Produce json
// @Param id path string true "Principal id"
// @Success 200 {object} models.Principal
// @Failure 404 {object} errors.ErrorResponse
// @Router /admin/users/{id} [get]
func (h *AdminHandler) GetUser(c *gin.Context) {
	principal, err := h.principalDB.GetPrincipal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	if principal == nil {
		respondError(c, errors.NotFound("principal"))
		return
	}
	c.JSON(http.StatusOK, principal)
}

type updateUserRequest struct {
	Role          *models.Role `json:"role"`
	Active        *bool        `json:"active"`
	QuotaBytes    *int64       `json:"quota_bytes"`
	QuotaOverride *bool        `json:"quota_override"`
}

// UpdateUser godoc
// @Summary Update a principal's role, active flag, or quota
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Principal id"
// @Param body body updateUserRequest true "Fields to update"
// @Success 200 {object} models.Principal
// @Failure 404 {object} errors.ErrorResponse
// @Router /admin/users/{id} [put]
func (h *AdminHandler) UpdateUser(c *gin.Context) {
	ctx := c.Request.Context()
	target, err := h.principalDB.GetPrincipal(ctx, c.Param("id"))
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	if target == nil {
		respondError(c, errors.NotFound("principal"))
		return
	}

	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body"))
		return
	}
	if err := h.principalDB.UpdateAdminFields(ctx, target.ID, req.Role, req.Active, req.QuotaBytes, req.QuotaOverride); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	updated, err := h.principalDB.GetPrincipal(ctx, target.ID)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	actor := mustPrincipal(c)
	ev := auditEvent(c, h.geo, &actor.ID, "update_user")
	ev.Outcome = models.OutcomeSuccess
	ev.EntityKind = "principal"
	ev.EntityID = target.ID
	h.recorder.Record(ctx, ev)

	c.JSON(http.StatusOK, updated)
}

// DeleteUser godoc
// @Summary Deactivate a principal (soft — the row and its log files are retained)
// @Tags admin
// @Produce json
// @Param id path string true "Principal id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} errors.ErrorResponse
// @Router /admin/users/{id} [delete]
func (h *AdminHandler) DeleteUser(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	target, err := h.principalDB.GetPrincipal(ctx, id)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	if target == nil {
		respondError(c, errors.NotFound("principal"))
		return
	}
	inactive := false
	if err := h.principalDB.UpdateAdminFields(ctx, id, nil, &inactive, nil, nil); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	actor := mustPrincipal(c)
	ev := auditEvent(c, h.geo, &actor.ID, "deactivate_user")
	ev.Outcome = models.OutcomeSuccess
	ev.EntityKind = "principal"
	ev.EntityID = id
	h.recorder.Record(ctx, ev)

	c.JSON(http.StatusOK, gin.H{})
}

// AuditLogs godoc
// @Summary List audit events matching a filter, paged
// @Tags admin
// @Produce json
// @Param principal_id query string false "Filter by principal"
// @Param action query string false "Filter by action"
// @Param entity_kind query string false "Filter by entity kind"
// @Param outcome query string false "Filter by outcome"
// @Param page query int false "1-indexed page number"
// @Success 200 {array} db.AuditEventRow
// @Router /admin/audit-logs [get]
func (h *AdminHandler) AuditLogs(c *gin.Context) {
	filter := auditFilterFromQuery(c)
	_, _, limit, offset := pagination(c)

	ctx := c.Request.Context()
	events, err := h.auditDB.Query(ctx, filter, limit, offset)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	actor := mustPrincipal(c)
	h.recorder.RecordView(ctx, actor.ID, c.ClientIP(), c.Request.UserAgent(), middleware.GetRequestID(c), filter)

	c.JSON(http.StatusOK, events)
}

// AuditExport godoc
// @Summary Stream every audit event matching a filter as CSV
// @Tags admin
// @Produce text/csv
// @Param principal_id query string false "Filter by principal"
// @Param action query string false "Filter by action"
// @Success 200 {file} file
// @Router /admin/audit-export [get]
func (h *AdminHandler) AuditExport(c *gin.Context) {
	filter := auditFilterFromQuery(c)
	ctx := c.Request.Context()

	actor := mustPrincipal(c)
	h.recorder.RecordView(ctx, actor.ID, c.ClientIP(), c.Request.UserAgent(), middleware.GetRequestID(c), filter)

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="audit-export.csv"`)
	if err := h.recorder.ExportCSV(ctx, c.Writer, filter); err != nil {
		logger.GetLogger().Error().Err(err).Msg("audit export stream failed after headers were sent")
	}
}

// ListRetentionPolicies godoc
// @Summary List every retention policy, across all scopes
// @Tags admin
// @Produce json
// @Success 200 {array} models.RetentionPolicy
// @Router /admin/retention-policies [get]
func (h *AdminHandler) ListRetentionPolicies(c *gin.Context) {
	policies, err := h.retentionDB.ListAll(c.Request.Context())
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, policies)
}

// UpsertRetentionPolicy godoc
// @Summary Set a retention policy at the global, role, or principal scope
// @Tags admin
// @Accept json
// @Produce json
// @Param body body models.RetentionPolicy true "Policy"
// @Success 200 {object} map[string]interface{}
// @Router /admin/retention-policies [put]
func (h *AdminHandler) UpsertRetentionPolicy(c *gin.Context) {
	var policy models.RetentionPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		respondError(c, errors.BadRequest("invalid retention policy"))
		return
	}
	if err := h.retentionDB.Upsert(c.Request.Context(), &policy); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// HardDeleteLogFile godoc
// @Summary Permanently remove a log file's stored bytes (bypasses soft-delete); the row is kept and marked hard-deleted
// @Description Admin-only bypass of the normal soft-delete-only API path (spec §5).
// @Tags admin
// @Produce json
// @Param id path string true "Log file id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} errors.ErrorResponse
// @Router /admin/log-files/{id} [delete]
func (h *AdminHandler) HardDeleteLogFile(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	file, err := h.logFileDB.Get(ctx, id)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	if file == nil || file.HardDeletedAt != nil {
		respondError(c, errors.NotFound("log file"))
		return
	}

	if file.StoredPath != nil {
		if err := h.store.Delete(ctx, *file.StoredPath); err != nil {
			respondInternal(c, errors.InternalServer("failed to delete stored object"))
			return
		}
	}
	if err := h.logFileDB.HardDelete(ctx, nil, id); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	if err := h.principalDB.RecomputeUsedBytes(ctx, file.PrincipalID); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	actor := mustPrincipal(c)
	if err := h.auditDB.RecordDeletion(ctx, db.DeletionLogEntry{LogFileID: id, Kind: "hard", Actor: actor.ID}); err != nil {
		logger.GetLogger().Error().Err(err).Msg("failed to record hard-delete in deletion_log")
	}
	ev := auditEvent(c, h.geo, &actor.ID, "hard_delete_log_file")
	ev.Outcome = models.OutcomeSuccess
	ev.EntityKind = "log_file"
	ev.EntityID = id
	h.recorder.Record(ctx, ev)

	c.JSON(http.StatusOK, gin.H{})
}

func auditFilterFromQuery(c *gin.Context) db.Filter {
	filter := db.Filter{
		PrincipalID: c.Query("principal_id"),
		Action:      c.Query("action"),
		EntityKind:  c.Query("entity_kind"),
		Outcome:     c.Query("outcome"),
	}
	if since, err := parseOptionalTime(c.Query("from")); err == nil && since != nil {
		filter.Since = *since
	}
	if until, err := parseOptionalTime(c.Query("to")); err == nil && until != nil {
		filter.Until = *until
	}
	return filter
}
