// This file implements archive ingestion (spec C1, C9): multipart or
// URL-sourced uploads, quota accounting, optional time-window
// pre-filtering, and the download-progress poll endpoint.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logship/core/internal/archive"
	"github.com/logship/core/internal/audit"
	"github.com/logship/core/internal/cache"
	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/errors"
	"github.com/logship/core/internal/geo"
	"github.com/logship/core/internal/jobs"
	"github.com/logship/core/internal/models"
	"github.com/logship/core/internal/objectstore"
)

// maxUploadBytes enforces spec §4.9's 500 MB default while the body is
// being read, not after the fact — a caller cannot exhaust disk by
// streaming an oversized body and waiting for us to notice at EOF.
const maxUploadBytes = 500 * 1024 * 1024

// urlFetchTimeout bounds a file_url ingestion end to end (spec §4.9).
const urlFetchTimeout = 5 * time.Minute

// progressTTL bounds how long a /download-progress entry survives past
// the last write, so a poller never reads a stale download forever.
const progressTTL = 10 * time.Minute

// UploadHandler accepts archives either as multipart bodies or via
// file_url, persists them through objectstore, charges quota, and opens
// the first Analysis against them.
type UploadHandler struct {
	database    *db.Database
	principalDB *db.PrincipalDB
	logFileDB   *db.LogFileDB
	coordinator *jobs.Coordinator
	store       objectstore.Backend
	progress    *cache.Cache
	recorder    *audit.Recorder
	geo         *geo.Resolver
	httpClient  *http.Client
}

func NewUploadHandler(database *db.Database, principalDB *db.PrincipalDB, logFileDB *db.LogFileDB, coordinator *jobs.Coordinator, store objectstore.Backend, progress *cache.Cache, recorder *audit.Recorder, geoResolver *geo.Resolver) *UploadHandler {
	return &UploadHandler{
		database:    database,
		principalDB: principalDB,
		logFileDB:   logFileDB,
		coordinator: coordinator,
		store:       store,
		progress:    progress,
		recorder:    recorder,
		geo:         geoResolver,
		httpClient:  &http.Client{Timeout: urlFetchTimeout},
	}
}

func (h *UploadHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/upload", h.Upload)
	router.GET("/download-progress", h.DownloadProgress)
}

type uploadResponse struct {
	AnalysisID string `json:"analysis_id"`
}

type downloadProgress struct {
	Downloading bool  `json:"downloading"`
	Downloaded  int64 `json:"downloaded,omitempty"`
	Total       int64 `json:"total,omitempty"`
	Pct         int   `json:"pct,omitempty"`
}

// Upload godoc
// @Summary Ingest a log archive from a multipart body or a file_url
// @Tags upload
// @Accept multipart/form-data
// @Produce json
// @Param file formData file false "Archive bytes"
// @Param file_url formData string false "Remote archive URL"
// @Param modes formData []string true "Parser mode keys"
// @Param timezone formData string true "IANA timezone"
// @Success 200 {object} uploadResponse
// @Failure 400 {object} errors.ErrorResponse
// @Failure 413 {object} errors.ErrorResponse
// @Router /upload [post]
func (h *UploadHandler) Upload(c *gin.Context) {
	principal := mustPrincipal(c)
	ctx := c.Request.Context()

	fileHeader, fileErr := c.FormFile("file")
	fileURL := strings.TrimRight(strings.TrimSpace(c.PostForm("file_url")), `\`)

	hasFile := fileErr == nil && fileHeader != nil
	hasURL := fileURL != ""
	if hasFile == hasURL {
		respondError(c, errors.BadRequest("exactly one of file or file_url is required"))
		return
	}

	modeKeys := c.PostFormArray("modes")
	if len(modeKeys) == 0 {
		respondError(c, errors.BadRequest("at least one mode is required"))
		return
	}
	timezone := c.DefaultPostForm("timezone", "UTC")
	windowStart, windowEnd, windowErr := parseWindow(c)
	if windowErr != nil {
		respondError(c, errors.BadRequest(windowErr.Error()))
		return
	}

	var (
		tempPath   string
		origName   string
		sizeBytes  int64
		cleanupErr error
	)
	if hasFile {
		tempPath, origName, sizeBytes, cleanupErr = h.receiveMultipart(fileHeader)
	} else {
		tempPath, origName, sizeBytes, cleanupErr = h.receiveURL(ctx, principal.ID, fileURL)
	}
	if cleanupErr != nil {
		h.respondIngestError(c, cleanupErr)
		return
	}
	defer removeTempFile(tempPath)

	if sizeBytes > maxUploadBytes {
		respondError(c, errors.SizeExceeded("archive exceeds the 500 MB upload limit"))
		return
	}

	if _, err := archive.DetectFormat(tempPath); err != nil {
		respondError(c, errors.UnsupportedArchive())
		return
	}

	sha := sha256OfFile(tempPath)
	storedPath := fmt.Sprintf("%s/%d_%s", principal.ID, time.Now().UTC().Unix(), safeName(origName))

	f, err := openFile(tempPath)
	if err != nil {
		respondInternal(c, errors.InternalServer("failed to reopen uploaded archive"))
		return
	}
	defer f.Close()

	storedRef, err := h.store.Put(ctx, f, storedPath)
	if err != nil {
		respondInternal(c, errors.InternalServer("failed to persist uploaded archive"))
		return
	}

	tx, err := h.database.DB().BeginTx(ctx, nil)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	defer tx.Rollback()

	if err := h.principalDB.ReserveQuota(ctx, tx, principal.ID, sizeBytes); err != nil {
		_ = h.store.Delete(ctx, storedRef)
		if stderrors.Is(err, db.ErrQuotaExceeded) {
			ev := auditEvent(c, h.geo, &principal.ID, "upload")
			ev.Outcome = models.OutcomeFailure
			h.recorder.Record(ctx, ev)
			respondError(c, errors.QuotaExceeded("this upload would exceed your storage quota"))
			return
		}
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	logFile, err := h.logFileDB.CreateLogFile(ctx, tx, principal.ID, storedRef, origName, sha, sizeBytes)
	if err != nil {
		_ = h.store.Delete(ctx, storedRef)
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	analysis, err := h.coordinator.Submit(ctx, principal, logFile, modeKeys, timezone, c.PostForm("session_label"), c.PostForm("external_ref"), windowStart, windowEnd)
	if err != nil {
		_ = h.store.Delete(ctx, storedRef)
		respondError(c, errors.ValidationFailed(err.Error()))
		return
	}

	if err := tx.Commit(); err != nil {
		_ = h.store.Delete(ctx, storedRef)
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	ev := auditEvent(c, h.geo, &principal.ID, "upload")
	ev.Outcome = models.OutcomeSuccess
	ev.EntityKind = "log_file"
	ev.EntityID = logFile.ID
	h.recorder.Record(ctx, ev)

	c.JSON(http.StatusOK, uploadResponse{AnalysisID: analysis.ID})
}

// receiveMultipart copies a multipart file part to a temp file, refusing
// once it has read past maxUploadBytes.
func (h *UploadHandler) receiveMultipart(fh *multipart.FileHeader) (tempPath, name string, size int64, err error) {
	src, err := fh.Open()
	if err != nil {
		return "", "", 0, errors.Wrap(errors.ErrCodeInternalServer, "failed to open uploaded file", err)
	}
	defer src.Close()
	return copyToTemp(src, fh.Filename)
}

// receiveURL streams a file_url source to a temp file while publishing
// progress into the short-TTL KV the /download-progress poll reads.
func (h *UploadHandler) receiveURL(ctx context.Context, principalID, rawURL string) (tempPath, name string, size int64, err error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "", "", 0, errors.BadRequest("file_url must start with http:// or https://")
	}
	parsed, perr := url.Parse(rawURL)
	if perr != nil {
		return "", "", 0, errors.BadRequest("file_url is not a valid URL")
	}

	reqCtx, cancel := context.WithTimeout(ctx, urlFetchTimeout)
	defer cancel()

	req, rerr := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if rerr != nil {
		return "", "", 0, errors.BadRequest("file_url is not a valid URL")
	}

	resp, derr := h.httpClient.Do(req)
	if derr != nil {
		kind := "refused"
		if reqCtx.Err() != nil {
			kind = "timeout"
		}
		return "", "", 0, errors.UrlFetchFailed(kind)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", 0, errors.UrlFetchFailed(classifyHTTPStatus(resp.StatusCode))
	}

	total := resp.ContentLength
	name = filenameFromPath(parsed.Path)
	progressKey := downloadProgressKey(principalID)

	tmp, ferr := newTempFile()
	if ferr != nil {
		return "", "", 0, errors.InternalServer("failed to stage download")
	}
	tmpPath := tmp.Name()

	_ = h.progress.Set(ctx, progressKey, downloadProgress{Downloading: true, Total: total}, progressTTL)

	var downloaded int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			downloaded += int64(n)
			if downloaded > maxUploadBytes {
				tmp.Close()
				removeTempFile(tmpPath)
				_ = h.progress.Delete(ctx, progressKey)
				return "", "", 0, errors.SizeExceeded("archive exceeds the 500 MB upload limit")
			}
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				removeTempFile(tmpPath)
				_ = h.progress.Delete(ctx, progressKey)
				return "", "", 0, errors.InternalServer("failed to stage download")
			}
			pct := 0
			if total > 0 {
				pct = int(downloaded * 100 / total)
			}
			_ = h.progress.Set(ctx, progressKey, downloadProgress{Downloading: true, Downloaded: downloaded, Total: total, Pct: pct}, progressTTL)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmp.Close()
			removeTempFile(tmpPath)
			_ = h.progress.Delete(ctx, progressKey)
			return "", "", 0, errors.UrlFetchFailed("timeout")
		}
	}
	tmp.Close()
	_ = h.progress.Delete(ctx, progressKey)

	if name == "" {
		name = "upload.bin"
	}
	return tmpPath, name, downloaded, nil
}

// DownloadProgress godoc
// @Summary Poll the in-flight file_url download for the caller
// @Tags upload
// @Produce json
// @Success 200 {object} downloadProgress
// @Router /download-progress [get]
func (h *UploadHandler) DownloadProgress(c *gin.Context) {
	principal := mustPrincipal(c)
	var p downloadProgress
	if err := h.progress.Get(c.Request.Context(), downloadProgressKey(principal.ID), &p); err != nil {
		c.JSON(http.StatusOK, downloadProgress{Downloading: false})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *UploadHandler) respondIngestError(c *gin.Context, err error) {
	if appErr, ok := err.(*errors.AppError); ok {
		respondError(c, appErr)
		return
	}
	respondInternal(c, errors.InternalServer("failed to ingest upload"))
}

func downloadProgressKey(principalID string) string {
	return "upload:progress:" + principalID
}

// classifyHTTPStatus maps an upstream status to the UrlFetchFailed
// message family without ever surfacing the status code or body to the
// client (spec §4.9).
func classifyHTTPStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "denied"
	case status == http.StatusNotFound:
		return "not_found"
	default:
		return "default"
	}
}

func filenameFromPath(p string) string {
	p = strings.SplitN(p, "?", 2)[0]
	idx := strings.LastIndex(p, "/")
	if idx >= 0 {
		p = p[idx+1:]
	}
	return p
}

func safeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
		if b.Len() >= 64 {
			break
		}
	}
	if b.Len() == 0 {
		return "archive"
	}
	return b.String()
}

func parseWindow(c *gin.Context) (start, end *time.Time, err error) {
	startStr := c.PostForm("window_start")
	endStr := c.PostForm("window_end")
	if startStr != "" {
		t, perr := time.Parse(time.RFC3339, startStr)
		if perr != nil {
			return nil, nil, fmt.Errorf("window_start is not a valid RFC3339 timestamp")
		}
		start = &t
	}
	if endStr != "" {
		t, perr := time.Parse(time.RFC3339, endStr)
		if perr != nil {
			return nil, nil, fmt.Errorf("window_end is not a valid RFC3339 timestamp")
		}
		end = &t
	}
	return start, end, nil
}

// copyToTemp drains src into a new temp file, refusing once it has read
// past maxUploadBytes so a caller can't exhaust disk via a declared
// Content-Length that undersells the real body.
func copyToTemp(src io.Reader, name string) (tempPath, origName string, size int64, err error) {
	tmp, ferr := newTempFile()
	if ferr != nil {
		return "", "", 0, errors.InternalServer("failed to stage upload")
	}
	tmpPath := tmp.Name()
	n, cerr := io.CopyN(tmp, src, maxUploadBytes+1)
	tmp.Close()
	if cerr != nil && cerr != io.EOF {
		removeTempFile(tmpPath)
		return "", "", 0, errors.InternalServer("failed to stage upload")
	}
	if n > maxUploadBytes {
		removeTempFile(tmpPath)
		return "", "", 0, errors.SizeExceeded("archive exceeds the 500 MB upload limit")
	}
	return tmpPath, name, n, nil
}

func newTempFile() (*os.File, error) {
	return os.CreateTemp("", "upload-*.tmp")
}

func removeTempFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func openFile(path string) (*os.File, error) {
	return os.Open(path)
}

func sha256OfFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
