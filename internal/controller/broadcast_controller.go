// internal/controller/broadcast_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/metrics"
	"github.com/unclebandit/broadcast-pipeline/internal/middleware"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/ratelimit"
	"github.com/unclebandit/broadcast-pipeline/internal/service"
)

const (
	maxJSONBody = 32 << 20
	maxCSVBody  = 64 << 20
)

type BroadcastController struct {
	BroadcastService *service.BroadcastService
	Limiter          ratelimit.Limiter
	Limit            int
	Window           time.Duration
	Log              *zap.Logger
}

func (c *BroadcastController) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors to status codes. Unexpected errors are
// logged and reported without detail.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, appErrors.ErrValidation), errors.Is(err, appErrors.ErrNoValidContacts):
		writeError(w, http.StatusBadRequest, err.Error())
	case appErrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, appErrors.ErrForbidden):
		writeError(w, http.StatusForbidden, "You do not have access to this project.")
	case errors.Is(err, appErrors.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, appErrors.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "An unexpected error occurred.")
	}
}

func principal(w http.ResponseWriter, r *http.Request) (*model.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
	return p, ok
}

// allow applies the creation rate limit. A limiter outage lets the request
// through.
func (c *BroadcastController) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if c.Limiter == nil {
		return true
	}
	d, err := c.Limiter.Allow(r.Context(), ratelimit.BroadcastCreateKey(userID), c.Limit, c.Window)
	if err != nil {
		c.logger().Warn("rate limiter unavailable", zap.String("user_id", userID), zap.Error(err))
		return true
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}
	metrics.RateLimited.WithLabelValues("broadcast_create").Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.ResetIn.Seconds()))))
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
	return false
}

type createBroadcastRequest struct {
	ProjectID        string                  `json:"projectId"`
	PhoneNumberID    string                  `json:"phoneNumberId"`
	TemplateID       string                  `json:"templateId"`
	HeaderImageURL   string                  `json:"headerImageUrl"`
	HeaderMediaID    string                  `json:"headerMediaId"`
	VariableMappings []model.VariableMapping `json:"variableMappings"`
	Contacts         []service.ContactInput  `json:"contacts"`
}

func (req createBroadcastRequest) validate() error {
	var missing []string
	if strings.TrimSpace(req.ProjectID) == "" {
		missing = append(missing, "projectId")
	}
	if strings.TrimSpace(req.PhoneNumberID) == "" {
		missing = append(missing, "phoneNumberId")
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		missing = append(missing, "templateId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if len(req.Contacts) == 0 {
		return fmt.Errorf("contacts must be a non-empty array")
	}
	return nil
}

// CreateBroadcast is the public API entry point: POST /v1/broadcasts.
func (c *BroadcastController) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !c.allow(w, r, p.UserID) {
		return
	}

	var body createBroadcastRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := c.BroadcastService.CreateBroadcast(r.Context(), service.CreateBroadcastInput{
		UserID:           p.UserID,
		ProjectID:        body.ProjectID,
		PhoneNumberID:    body.PhoneNumberID,
		TemplateID:       body.TemplateID,
		HeaderImageURL:   body.HeaderImageURL,
		HeaderMediaID:    body.HeaderMediaID,
		VariableMappings: body.VariableMappings,
		Contacts:         service.NewSliceSource(body.Contacts),
	})
	if err != nil {
		writeServiceError(w, c.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     fmt.Sprintf("Broadcast queued with %d contacts.", res.Valid),
		"broadcastId": res.Broadcast.ID,
		"skipped":     res.Skipped,
	})
}

// UploadCSV creates a broadcast from a dashboard CSV upload:
// POST /projects/{projectID}/broadcasts/csv (multipart, field "file").
func (c *BroadcastController) UploadCSV(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !c.allow(w, r, p.UserID) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCSVBody)
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "A CSV file is required in the \"file\" field.")
		return
	}
	defer file.Close()

	src, err := service.NewCSVSource(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var mappings []model.VariableMapping
	if raw := r.FormValue("variableMappings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
			writeError(w, http.StatusBadRequest, "variableMappings must be a JSON array.")
			return
		}
	}

	res, err := c.BroadcastService.CreateBroadcast(r.Context(), service.CreateBroadcastInput{
		UserID:           p.UserID,
		ProjectID:        chi.URLParam(r, "projectID"),
		PhoneNumberID:    r.FormValue("phoneNumberId"),
		TemplateID:       r.FormValue("templateId"),
		HeaderImageURL:   r.FormValue("headerImageUrl"),
		HeaderMediaID:    r.FormValue("headerMediaId"),
		VariableMappings: mappings,
		Contacts:         src,
	})
	if err != nil {
		writeServiceError(w, c.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     fmt.Sprintf("Broadcast queued with %d contacts.", res.Valid),
		"broadcastId": res.Broadcast.ID,
		"skipped":     res.Skipped,
	})
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return page, pageSize
}

func (c *BroadcastController) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	page, pageSize := pageParams(r)
	items, pagination, err := c.BroadcastService.ListBroadcasts(r.Context(), p.UserID, chi.URLParam(r, "projectID"), page, pageSize)
	if err != nil {
		writeServiceError(w, c.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": pagination,
	})
}

func (c *BroadcastController) GetBroadcastDetails(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	details, err := c.BroadcastService.GetBroadcastDetails(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, c.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *BroadcastController) ListAttempts(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	page, pageSize := pageParams(r)
	items, pagination, err := c.BroadcastService.ListAttempts(r.Context(), p.UserID, chi.URLParam(r, "id"),
		r.URL.Query().Get("status"), page, pageSize)
	if err != nil {
		writeServiceError(w, c.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": pagination,
	})
}

func (c *BroadcastController) ListLogs(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	page, pageSize := pageParams(r)
	items, pagination, err := c.BroadcastService.ListLogs(r.Context(), p.UserID, chi.URLParam(r, "id"), page, pageSize)
	if err != nil {
		writeServiceError(w, c.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": pagination,
	})
}

func (c *BroadcastController) StopBroadcast(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	b, err := c.BroadcastService.StopBroadcast(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, c.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Broadcast stopped.",
		"status":  b.Status,
	})
}

func (c *BroadcastController) RequeueBroadcast(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if body.Scope == "" {
		body.Scope = service.RequeueAll
	}
	res, err := c.BroadcastService.RequeueBroadcast(r.Context(), p.UserID, chi.URLParam(r, "id"), body.Scope)
	if err != nil {
		writeServiceError(w, c.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     fmt.Sprintf("Broadcast requeued with %d contacts.", res.Valid),
		"broadcastId": res.Broadcast.ID,
	})
}
