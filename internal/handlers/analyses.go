// This file implements analysis listing, lookup, and cancellation
// (spec C4, C9).
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/errors"
	"github.com/logship/core/internal/jobs"
	"github.com/logship/core/internal/models"
)

// AnalysesHandler serves analysis listing/lookup/cancel.
type AnalysesHandler struct {
	analysisDB  *db.AnalysisDB
	resultDB    *db.AnalysisResultDB
	coordinator *jobs.Coordinator
}

func NewAnalysesHandler(analysisDB *db.AnalysisDB, resultDB *db.AnalysisResultDB, coordinator *jobs.Coordinator) *AnalysesHandler {
	return &AnalysesHandler{analysisDB: analysisDB, resultDB: resultDB, coordinator: coordinator}
}

func (h *AnalysesHandler) RegisterRoutes(router *gin.RouterGroup) {
	analyses := router.Group("/analyses")
	{
		analyses.GET("", h.List)
		analyses.GET("/:id", h.Get)
		analyses.POST("/:id/cancel", h.Cancel)
	}
}

type analysisWithResults struct {
	*models.Analysis
	Results []*models.AnalysisResult `json:"results,omitempty"`
}

// List godoc
// @Summary List the caller's analyses, newest first
// @Tags analyses
// @Produce json
// @Param q query string false "Free-text match against session_label/external_ref"
// @Param status query string false "Filter by status"
// @Param from query string false "RFC3339 lower bound on created_at"
// @Param to query string false "RFC3339 upper bound on created_at"
// @Param page query int false "1-indexed page number"
// @Success 200 {array} models.Analysis
// @Router /analyses [get]
func (h *AnalysesHandler) List(c *gin.Context) {
	principal := mustPrincipal(c)
	all, err := h.analysisDB.ListForPrincipal(c.Request.Context(), principal.ID)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	q := strings.ToLower(c.Query("q"))
	status := c.Query("status")
	from, fromErr := parseOptionalTime(c.Query("from"))
	to, toErr := parseOptionalTime(c.Query("to"))
	if fromErr != nil || toErr != nil {
		respondError(c, errors.BadRequest("from/to must be RFC3339 timestamps"))
		return
	}

	filtered := make([]*models.Analysis, 0, len(all))
	for _, a := range all {
		if status != "" && string(a.Status) != status {
			continue
		}
		if from != nil && a.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && a.CreatedAt.After(*to) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(a.SessionLabel), q) && !strings.Contains(strings.ToLower(a.ExternalRef), q) {
			continue
		}
		filtered = append(filtered, a)
	}

	page, _, limit, offset := pagination(c)
	start := offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	c.JSON(http.StatusOK, gin.H{
		"page":  page,
		"total": len(filtered),
		"items": filtered[start:end],
	})
}

// Get godoc
// @Summary Fetch one analysis and its per-mode results
// @Tags analyses
// @Produce json
// @Param id path string true "Analysis id"
// @Success 200 {object} analysisWithResults
// @Failure 404 {object} errors.ErrorResponse
// @Router /analyses/{id} [get]
func (h *AnalysesHandler) Get(c *gin.Context) {
	analysis, ok := h.loadAuthorized(c)
	if !ok {
		return
	}
	results, err := h.resultDB.ListForAnalysis(c.Request.Context(), analysis.ID)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, analysisWithResults{Analysis: analysis, Results: results})
}

// Cancel godoc
// @Summary Request cancellation of a pending or running analysis
// @Tags analyses
// @Produce json
// @Param id path string true "Analysis id"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 404 {object} errors.ErrorResponse
// @Router /analyses/{id}/cancel [post]
func (h *AnalysesHandler) Cancel(c *gin.Context) {
	analysis, ok := h.loadAuthorized(c)
	if !ok {
		return
	}
	if analysis.Status != models.StatusPending && analysis.Status != models.StatusRunning {
		respondError(c, errors.NotCancellable("analysis is no longer in a cancellable state"))
		return
	}
	if err := h.coordinator.RequestCancel(c.Request.Context(), analysis.ID, analysis.Status); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// loadAuthorized fetches the path analysis id and enforces the
// owner-or-admin rule shared by Get and Cancel.
func (h *AnalysesHandler) loadAuthorized(c *gin.Context) (*models.Analysis, bool) {
	principal := mustPrincipal(c)
	analysis, err := h.analysisDB.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return nil, false
	}
	if analysis == nil {
		respondError(c, errors.NotFound("analysis"))
		return nil, false
	}
	if analysis.PrincipalID != principal.ID && principal.Role != models.RoleAdmin {
		respondError(c, errors.NotFound("analysis"))
		return nil, false
	}
	return analysis, true
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
