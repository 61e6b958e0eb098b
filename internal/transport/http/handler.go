// Package httptransport exposes the ingestion service over HTTP.
package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/ocr"
	"github.com/Lllllllleong/proposalingest/internal/pipeline"
	"github.com/Lllllllleong/proposalingest/internal/services"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

type Handler struct {
	svc *services.IngestService
}

func NewHandler(svc *services.IngestService) *Handler {
	return &Handler{svc: svc}
}

type apiError struct {
	Message string `json:"message"`
}

type healthResp struct {
	Status    string            `json:"status"`
	Pipelines []string          `json:"pipelines"`
	Failures  map[string]string `json:"failures,omitempty"`
}

type searchResp struct {
	Results []searchHit `json:"results"`
}

type searchHit struct {
	SubjectID string `json:"subjectId"`
	Pipeline  string `json:"pipeline"`
	Kind      string `json:"kind"`
	Position  int    `json:"position"`
	Text      string `json:"text"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Message: msg})
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, services.ErrUnknownPipeline):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ocr.ErrUnsupportedDocument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrExternalService):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// StartIngest handles POST /runs.
func (h *Handler) StartIngest(w http.ResponseWriter, r *http.Request) {
	var req models.StartIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	resp, err := h.svc.StartIngest(r.Context(), &req)
	if err != nil {
		status := StatusFor(err)
		if resp != nil {
			writeJSON(w, status, resp)
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, StatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleNotification handles POST /notifications, a CloudEvent in binary or
// structured mode. A non-2xx response asks the push subscription to redeliver.
func (h *Handler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	event, err := cloudevents.NewEventFromHTTPRequest(r)
	if err != nil {
		slog.Warn("Dropping request that is not a CloudEvent.", "error", err)
		writeError(w, http.StatusBadRequest, "invalid cloudevent")
		return
	}
	if err := h.svc.HandleNotification(r.Context(), *event); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExpireRuns handles POST /reap.
func (h *Handler) ExpireRuns(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.ExpireRuns(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Search handles GET /search?owner=&q=&limit=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultSearchLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxSearchLimit)
	}

	entries, err := h.svc.Search(r.Context(), q.Get("owner"), q.Get("q"), limit)
	if err != nil {
		writeError(w, StatusFor(err), err.Error())
		return
	}
	resp := searchResp{Results: make([]searchHit, 0, len(entries))}
	for _, e := range entries {
		resp.Results = append(resp.Results, searchHit{
			SubjectID: e.SubjectID,
			Pipeline:  e.Pipeline,
			Kind:      e.Kind,
			Position:  e.Position,
			Text:      e.Text,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResp{Status: "ok", Pipelines: h.svc.Pipelines()}
	if failures := h.svc.Health(r.Context()); len(failures) > 0 {
		resp.Status = "degraded"
		resp.Failures = failures
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
