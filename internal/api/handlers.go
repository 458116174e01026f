package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/star/orrery/internal/bodies"
	"github.com/star/orrery/internal/engine"
	"github.com/star/orrery/internal/frames"
	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/registry"
)

const (
	maxControlBody = 1 << 10
	refreshTimeout = 90 * time.Second
)

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

type bodyView struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	ParentID           string     `json:"parent_id,omitempty"`
	MeanRadius         float64    `json:"mean_radius_km"`
	SemimajorAxis      float64    `json:"semimajor_axis_km"`
	SiderealPeriodDays float64    `json:"sidereal_period_days"`
	InitialPhaseDeg    float64    `json:"initial_phase_deg"`
	Direction          string     `json:"direction"`
	Moons              []bodyView `json:"moons,omitempty"`
}

func newBodyView(b *registry.Body) bodyView {
	v := bodyView{
		ID:                 b.ID,
		Name:               b.DisplayName,
		ParentID:           b.ParentID,
		MeanRadius:         b.MeanRadius,
		SemimajorAxis:      b.SemimajorAxis,
		SiderealPeriodDays: b.SiderealPeriodDays,
		InitialPhaseDeg:    b.InitialPhaseDeg,
		Direction:          b.Direction.String(),
	}
	for _, m := range b.Children {
		v.Moons = append(v.Moons, newBodyView(m))
	}
	return v
}

type datasetView struct {
	Source     string  `json:"source"`
	FetchedAt  string  `json:"fetched_at"`
	AgeSeconds float64 `json:"age_seconds"`
	Checksum   string  `json:"checksum"`
}

func (h *handlers) dataset() *datasetView {
	if h.deps.Store == nil {
		return nil
	}
	ds := h.deps.Store.Get()
	if ds == nil {
		return nil
	}
	return &datasetView{
		Source:     ds.Source,
		FetchedAt:  ds.FetchedAt.UTC().Format(time.RFC3339),
		AgeSeconds: h.deps.Store.AgeSeconds(),
		Checksum:   fmt.Sprintf("%016x", ds.Checksum),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps controller errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotReady), errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// registry returns the loaded registry or writes 503.
func (h *handlers) registry(w http.ResponseWriter) (*registry.Registry, bool) {
	reg := h.deps.Engine.Registry()
	if reg == nil {
		writeError(w, http.StatusServiceUnavailable, engine.ErrNotReady.Error())
		return nil, false
	}
	return reg, true
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "orrery",
		"ready":   h.deps.Engine.Ready(),
		"links": map[string]string{
			"bodies": "/api/v1/bodies",
			"state":  "/api/v1/state",
			"stream": "/api/v1/stream/frames",
			"ws":     "/api/v1/ws",
		},
	})
}

// bodies returns the simulated hierarchy, planets ordered by semimajor axis.
// GET /api/v1/bodies
func (h *handlers) bodies(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w)
	if !ok {
		return
	}
	planets := make([]bodyView, 0, len(reg.Planets()))
	for _, p := range reg.Planets() {
		planets = append(planets, newBodyView(p))
	}
	resp := map[string]any{
		"count":    reg.Len(),
		"filtered": reg.Filtered(),
		"skipped":  len(reg.Issues()),
		"planets":  planets,
		"dataset":  h.dataset(),
	}
	if ref, ok := reg.Reference(); ok {
		resp["reference"] = ref.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/bodies/{id}
func (h *handlers) body(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w)
	if !ok {
		return
	}
	b, ok := reg.Find(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "body not found")
		return
	}

	resp := struct {
		bodyView
		Angle *frames.BodyAngle `json:"angle,omitempty"`
	}{bodyView: newBodyView(b)}
	if f, err := h.deps.Engine.Snapshot(); err == nil {
		if a, ok := f.Angle(b.ID); ok {
			resp.Angle = &a
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/bodies/issues
func (h *handlers) issues(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w)
	if !ok {
		return
	}
	type issue struct {
		BodyID string `json:"body_id"`
		Field  string `json:"field"`
		Reason string `json:"reason"`
	}
	out := make([]issue, 0, len(reg.Issues()))
	for _, e := range reg.Issues() {
		out = append(out, issue{BodyID: e.BodyID, Field: e.Field, Reason: e.Reason})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(out),
		"filtered": reg.Filtered(),
		"issues":   out,
	})
}

// state returns the newest frame with buffer and dataset details.
// GET /api/v1/state
func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	f, err := h.deps.Engine.Snapshot()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]any{
		"frame":   f,
		"dataset": h.dataset(),
	}
	if h.deps.Frames != nil {
		resp["buffer"] = h.deps.Frames.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type rateRequest struct {
	Multiplier *float64 `json:"multiplier"`
}

// POST /api/v1/control/rate {"multiplier": 2}
func (h *handlers) setRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Multiplier == nil {
		writeError(w, http.StatusBadRequest, "multiplier is required")
		return
	}
	err := h.deps.Engine.SetRate(*req.Multiplier)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.logger.Info("rate changed", "multiplier", *req.Multiplier)
	writeJSON(w, http.StatusOK, map[string]float64{"rate": *req.Multiplier})
}

// POST /api/v1/control/toggle
func (h *handlers) toggle(w http.ResponseWriter, r *http.Request) {
	running, err := h.deps.Engine.TogglePause()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

// POST /api/v1/control/play
func (h *handlers) play(w http.ResponseWriter, r *http.Request) {
	h.setRunning(w, "play", true)
}

// POST /api/v1/control/pause
func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	h.setRunning(w, "pause", false)
}

func (h *handlers) setRunning(w http.ResponseWriter, op string, running bool) {
	err := h.deps.Engine.SetRunning(running)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

// reset restarts the run from the registry's initial phases.
// POST /api/v1/control/reset
func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Engine.Reset()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	f, err := h.deps.Engine.Snapshot()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// refresh re-fetches body data and reloads the simulation if it changed.
// POST /api/v1/bodies/refresh
func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	if h.deps.Refresh == nil {
		writeError(w, http.StatusNotImplemented, "refresh disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	err := h.deps.Refresh(ctx)
	metrics.IncControl("refresh", err)
	switch {
	case err == nil:
	case errors.Is(err, bodies.ErrRegistryUnavailable):
		h.logger.Warn("body refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "body data unavailable")
		return
	default:
		h.logger.Warn("body refresh failed", "error", err)
		writeEngineError(w, err)
		return
	}

	resp := map[string]any{"dataset": h.dataset()}
	if reg := h.deps.Engine.Registry(); reg != nil {
		resp["count"] = reg.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}
