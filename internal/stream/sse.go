// Package stream pushes simulation frames to renderers over Server-Sent
// Events (GET /api/v1/stream/frames) and websockets (GET /api/v1/ws).
//
// SSE message format:
//
//	data: {"type":"frame","seq":42,"run_id":"...","date":"March 1, 2024","bodies":[...]}\n\n
//
// First message is always metadata:
//
//	data: {"type":"metadata","run_id":"...","bodies":[...],"dataset_source":"cache"}\n\n
//
// Frames are only sent when a newer one has been published, so a paused
// simulation falls silent apart from keep-alive comments (:\n\n).
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orrery/internal/bodies"
	"github.com/star/orrery/internal/frames"
	"github.com/star/orrery/internal/httputil"
	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/registry"
)

// Source supplies published frames.
type Source interface {
	Latest() *frames.Frame
	Recent(n int) []*frames.Frame
}

// Controls is the part of the run controller reachable from a websocket.
type Controls interface {
	SetRate(multiplier float64) error
	TogglePause() (bool, error)
	SetRunning(running bool) error
	Registry() *registry.Registry
}

// Config holds streaming configuration loaded from environment variables.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxTotal           int           // Max concurrent streams overall (default: 1000).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	DefaultInterval    time.Duration // Frame interval when the client sends none (default: 100ms).
	TrustProxy         bool          // Take the client IP from X-Forwarded-For.
	AllowedOrigins     []string      // Websocket origins; empty allows same-host only.
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentPerIP <= 0 {
		c.MaxConcurrentPerIP = 10
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 1000
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 100 * time.Millisecond
	}
	return c
}

const (
	minIntervalMs = 20
	maxIntervalMs = 5000
	maxTrail      = 60
)

// Handler manages streaming connections.
type Handler struct {
	source   Source
	controls Controls
	store    *bodies.Store
	config   Config
	limiter  *streamLimiter
	logger   *slog.Logger
}

// NewHandler creates a new streaming handler. store may be nil.
func NewHandler(source Source, controls Controls, store *bodies.Store, config Config, logger *slog.Logger) *Handler {
	config = config.withDefaults()
	return &Handler{
		source:   source,
		controls: controls,
		store:    store,
		config:   config,
		limiter:  newStreamLimiter(config.MaxConcurrentPerIP, config.MaxTotal),
		logger:   logger,
	}
}

// streamParams are the query parameters shared by both transports.
type streamParams struct {
	interval time.Duration
	trail    int
}

func (h *Handler) parseParams(r *http.Request) (streamParams, error) {
	p := streamParams{interval: h.config.DefaultInterval}

	if v := r.URL.Query().Get("interval"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minIntervalMs || n > maxIntervalMs {
			return p, fmt.Errorf("invalid interval parameter, must be %d-%d", minIntervalMs, maxIntervalMs)
		}
		p.interval = time.Duration(n) * time.Millisecond
	}
	if v := r.URL.Query().Get("trail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxTrail {
			return p, fmt.Errorf("invalid trail parameter, must be 0-%d", maxTrail)
		}
		p.trail = n
	}
	return p, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// admit enforces the concurrent stream limit. On success the caller must
// call the returned release func.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, transport string) (string, func(), bool) {
	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if !h.limiter.acquire(ip) {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"transport", transport,
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return ip, nil, false
	}

	metrics.IncStreamConnections(transport, "connect")
	metrics.IncStreamsActive(transport)
	start := time.Now()
	h.logger.Info("stream connected",
		"transport", transport,
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
	)

	return ip, func() {
		h.limiter.release(ip)
		metrics.IncStreamConnections(transport, "disconnect")
		metrics.DecStreamsActive(transport)
		h.logger.Info("stream disconnected",
			"transport", transport,
			"remote_ip", ip,
			"duration_seconds", int(time.Since(start).Seconds()),
		)
	}, true
}

// HandleFrames serves the SSE frame stream.
// GET /api/v1/stream/frames?interval=100&trail=10
func (h *Handler) HandleFrames(w http.ResponseWriter, r *http.Request) {
	params, err := h.parseParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Verify flusher support (required for SSE).
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ip, release, ok := h.admit(w, r, "sse")
	if !ok {
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's default WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{
		w:       w,
		flusher: flusher,
		rc:      rc,
		ip:      ip,
		logger:  h.logger,
	}

	// Jittered retry interval (3-7s) spreads reconnects after a restart.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.Intn(4000))
	flusher.Flush()

	if err := c.sendJSON(h.metadata()); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("stream send error (metadata)", "remote_ip", ip, "error", err)
		return
	}

	ticker := time.NewTicker(params.interval)
	defer ticker.Stop()
	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	var lastSeq uint64
	var lastRun string
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			f := h.source.Latest()
			if f == nil || (f.Seq == lastSeq && f.RunID == lastRun) {
				continue
			}
			lastSeq, lastRun = f.Seq, f.RunID

			data, err := json.Marshal(h.buildFrameMessage(f, params.trail))
			if err != nil {
				metrics.IncStreamErrors("marshal_error")
				h.logger.Warn("stream marshal error", "remote_ip", ip, "error", err)
				continue
			}
			if err := c.sendRaw(data); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			keepalive.Reset(h.config.KeepaliveInterval)

		case <-keepalive.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

// metadata describes the current run and dataset.
func (h *Handler) metadata() metadataMessage {
	meta := metadataMessage{Type: "metadata"}
	if f := h.source.Latest(); f != nil {
		meta.RunID = f.RunID
	}
	if reg := h.controls.Registry(); reg != nil {
		for _, b := range reg.Bodies() {
			meta.Bodies = append(meta.Bodies, bodyMeta{
				ID:                 b.ID,
				Name:               b.DisplayName,
				ParentID:           b.ParentID,
				MeanRadius:         b.MeanRadius,
				SemimajorAxis:      b.SemimajorAxis,
				SiderealPeriodDays: b.SiderealPeriodDays,
				Direction:          b.Direction.String(),
			})
		}
	}
	if h.store != nil {
		if ds := h.store.Get(); ds != nil {
			meta.DatasetSource = ds.Source
			meta.DatasetFetchedAt = ds.FetchedAt.UTC().Format(time.RFC3339)
			meta.DatasetAge = int(time.Since(ds.FetchedAt).Seconds())
		}
	}
	return meta
}

// buildFrameMessage wraps f for the wire. With trail > 0 each body carries
// its recent angles from the same run, oldest first.
func (h *Handler) buildFrameMessage(f *frames.Frame, trail int) frameMessage {
	msg := frameMessage{Type: "frame", Frame: f}
	if trail <= 0 {
		return msg
	}

	msg.Trail = make(map[string][]float64, len(f.Bodies))
	for _, past := range h.source.Recent(trail + 1) {
		if past.RunID != f.RunID || past.Seq >= f.Seq {
			continue
		}
		for _, b := range past.Bodies {
			msg.Trail[b.ID] = append(msg.Trail[b.ID], b.Degrees)
		}
	}
	return msg
}

// Message payload types.

type metadataMessage struct {
	Type             string     `json:"type"`
	RunID            string     `json:"run_id,omitempty"`
	Bodies           []bodyMeta `json:"bodies,omitempty"`
	DatasetSource    string     `json:"dataset_source,omitempty"`
	DatasetFetchedAt string     `json:"dataset_fetched_at,omitempty"`
	DatasetAge       int        `json:"dataset_age_seconds"`
}

type bodyMeta struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	ParentID           string  `json:"parent_id,omitempty"`
	MeanRadius         float64 `json:"mean_radius_km"`
	SemimajorAxis      float64 `json:"semimajor_axis_km"`
	SiderealPeriodDays float64 `json:"sidereal_period_days"`
	Direction          string  `json:"direction"`
}

type frameMessage struct {
	Type string `json:"type"`
	*frames.Frame
	Trail map[string][]float64 `json:"trail,omitempty"`
}
