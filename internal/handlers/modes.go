// This file implements parser-mode listing for ordinary principals and
// mode/permission administration for admins (spec C3, C9).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/errors"
	"github.com/logship/core/internal/models"
)

// ModesHandler serves the visible parser mode list and admin mode
// management.
type ModesHandler struct {
	descriptorDB *db.ParserDescriptorDB
	sanitizer    *bluemonday.Policy
}

func NewModesHandler(descriptorDB *db.ParserDescriptorDB) *ModesHandler {
	return &ModesHandler{descriptorDB: descriptorDB, sanitizer: bluemonday.StrictPolicy()}
}

// RegisterRoutes registers /modes for any authenticated principal.
func (h *ModesHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/modes", h.ListModes)
}

// RegisterAdminRoutes registers the admin-only mode management routes
// under an already-admin-gated group.
func (h *ModesHandler) RegisterAdminRoutes(router *gin.RouterGroup) {
	modes := router.Group("/modes")
	{
		modes.PUT("/:mode_key", h.UpdateMode)
		modes.PUT("/:mode_key/permissions/:principal_id", h.SetPermission)
	}
}

// ListModes godoc
// @Summary List parser modes visible to the caller
// @Tags modes
// @Produce json
// @Success 200 {array} models.ParserDescriptor
// @Router /modes [get]
func (h *ModesHandler) ListModes(c *gin.Context) {
	principal := mustPrincipal(c)
	ctx := c.Request.Context()

	descriptors, err := h.descriptorDB.ListEnabled(ctx)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	visible := make([]*models.ParserDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.AdminOnly && principal.Role != models.RoleAdmin {
			continue
		}
		if d.VisibleToUsers || principal.Role == models.RoleAdmin {
			visible = append(visible, d)
			continue
		}
		allow, ok, err := h.descriptorDB.HasPermission(ctx, principal.ID, d.ModeKey)
		if err == nil && ok && allow {
			visible = append(visible, d)
		}
	}
	c.JSON(http.StatusOK, visible)
}

type updateModeRequest struct {
	Enabled        *bool   `json:"enabled"`
	VisibleToUsers *bool   `json:"visible_to_users"`
	AdminOnly      *bool   `json:"admin_only"`
	DisplayName    *string `json:"display_name"`
	Description    *string `json:"description"`
}

// UpdateMode godoc
// @Summary Toggle a parser mode's availability or visibility, or edit its admin-authored display text
// @Tags modes, admin
// @Accept json
// @Produce json
// @Param mode_key path string true "Mode key"
// @Param body body updateModeRequest true "Fields to update"
// @Success 200 {object} models.ParserDescriptor
// @Failure 404 {object} errors.ErrorResponse
// @Router /admin/modes/{mode_key} [put]
func (h *ModesHandler) UpdateMode(c *gin.Context) {
	modeKey := c.Param("mode_key")
	ctx := c.Request.Context()

	d, err := h.descriptorDB.Get(ctx, modeKey)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	if d == nil {
		respondError(c, errors.NotFound("parser mode"))
		return
	}

	var req updateModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body"))
		return
	}
	if req.Enabled != nil {
		d.Enabled = *req.Enabled
	}
	if req.VisibleToUsers != nil {
		d.VisibleToUsers = *req.VisibleToUsers
	}
	if req.AdminOnly != nil {
		d.AdminOnly = *req.AdminOnly
	}
	// DisplayName/Description are admin-authored free text echoed back
	// verbatim by ListModes to every principal who can see the mode, so
	// they're stripped of markup the same way any other admin-supplied
	// HTML would be.
	if req.DisplayName != nil {
		d.DisplayName = h.sanitizer.Sanitize(*req.DisplayName)
	}
	if req.Description != nil {
		d.Description = h.sanitizer.Sanitize(*req.Description)
	}

	if err := h.descriptorDB.Upsert(ctx, d); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, d)
}

type setPermissionRequest struct {
	Allow bool `json:"allow"`
}

// SetPermission godoc
// @Summary Grant or revoke one principal's access to a restricted mode
// @Tags modes, admin
// @Accept json
// @Produce json
// @Param mode_key path string true "Mode key"
// @Param principal_id path string true "Principal id"
// @Param body body setPermissionRequest true "Allow or deny"
// @Success 200 {object} map[string]interface{}
// @Router /admin/modes/{mode_key}/permissions/{principal_id} [put]
func (h *ModesHandler) SetPermission(c *gin.Context) {
	modeKey := c.Param("mode_key")
	principalID := c.Param("principal_id")

	var req setPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body"))
		return
	}

	if err := h.descriptorDB.SetPermission(c.Request.Context(), principalID, modeKey, req.Allow); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
