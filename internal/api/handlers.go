package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"enviroguard-backend/internal/baseline"
	"enviroguard-backend/internal/engine"
	"enviroguard-backend/internal/ingest"
	"enviroguard-backend/internal/rules"
	"enviroguard-backend/internal/telemetry"
)

// AlertService is the lifecycle surface the API exposes to operators.
type AlertService interface {
	ListAlerts(ctx context.Context, filter engine.AlertFilter) ([]engine.Alert, error)
	Acknowledge(ctx context.Context, alertID, by string) (engine.Alert, error)
	Resolve(ctx context.Context, alertID, notes string) (engine.Alert, error)
}

// Submitter accepts telemetry points into the ingestion queue.
type Submitter interface {
	Submit(point telemetry.Point) error
}

// JobLister reports the baseline refresh jobs currently scheduled.
type JobLister interface {
	ListJobs() []baseline.JobInfo
}

type Handler struct {
	Alerts    AlertService
	Pipeline  Submitter
	Baselines *baseline.Cache
	Jobs      JobLister
	// Reload re-reads baseline configurations and reschedules refresh
	// jobs. Optional; the route is registered only when set.
	Reload  func(ctx context.Context) error
	Timeout time.Duration
	// MaxBatch caps the number of points per ingest request.
	MaxBatch int
}

const defaultMaxBatch = 500

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/ingest", h.handleIngest)
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", h.handleAlertsList)
		r.Post("/{id}/ack", h.handleAlertAck)
		r.Post("/{id}/resolve", h.handleAlertResolve)
	})
	r.Get("/baselines/{system}/{metric}", h.handleBaselineGet)
	r.Get("/jobs", h.handleJobsList)
	if h.Reload != nil {
		r.Post("/jobs/reload", h.handleJobsReload)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type ingestResult struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// handleIngest accepts a JSON array of points. Each point is accepted
// or rejected on its own; a full queue surfaces as 429 so producers
// back off and retry the remainder.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var points []telemetry.Point
	if err := decodeJSON(r, &points); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	maxBatch := h.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	if len(points) > maxBatch {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "batch too large"})
		return
	}
	accepted := 0
	rejected := []ingestResult{}
	saturated := false
	for i, point := range points {
		err := h.Pipeline.Submit(point)
		if err == nil {
			accepted++
			continue
		}
		if errors.Is(err, ingest.ErrQueueFull) {
			saturated = true
		}
		rejected = append(rejected, ingestResult{Index: i, Error: err.Error()})
	}
	status := http.StatusOK
	if saturated {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (h *Handler) handleAlertsList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := engine.AlertFilter{
		SystemID: query.Get("system_id"),
		Status:   engine.Status(query.Get("status")),
		Severity: rules.Severity(query.Get("severity")),
	}
	if filter.Status != "" {
		switch filter.Status {
		case engine.StatusActive, engine.StatusAcknowledged, engine.StatusResolved:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "unknown status"})
			return
		}
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "unknown severity"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	alerts, err := h.Alerts.ListAlerts(ctx, filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list alerts"})
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if req.AcknowledgedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "acknowledged_by is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	alert, err := h.Alerts.Acknowledge(ctx, id, req.AcknowledgedBy)
	if err != nil {
		writeAlertError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		ResolutionNotes string `json:"resolution_notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	alert, err := h.Alerts.Resolve(ctx, id, req.ResolutionNotes)
	if err != nil {
		writeAlertError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) handleBaselineGet(w http.ResponseWriter, r *http.Request) {
	key := telemetry.Key{
		SystemID:   chi.URLParam(r, "system"),
		MetricType: chi.URLParam(r, "metric"),
	}
	b, ok := h.Baselines.Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "no baseline for key"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleJobsList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Jobs.ListJobs())
}

func (h *Handler) handleJobsReload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := h.Reload(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeAlertError(w http.ResponseWriter, err error) {
	var terr *engine.InvalidTransitionError
	switch {
	case errors.Is(err, engine.ErrAlertNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "alert not found"})
	case errors.As(err, &terr):
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": terr.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "alert update failed"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
