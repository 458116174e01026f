package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orrery/internal/auth"
	"github.com/star/orrery/internal/bodies"
	"github.com/star/orrery/internal/frames"
	"github.com/star/orrery/internal/health"
	"github.com/star/orrery/internal/httputil"
	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/registry"
	"github.com/star/orrery/internal/stream"
)

// Engine is the run controller as seen by the API.
type Engine interface {
	Ready() bool
	Snapshot() (*frames.Frame, error)
	Registry() *registry.Registry
	SetRate(multiplier float64) error
	TogglePause() (bool, error)
	SetRunning(running bool) error
	Reset() error
}

// Deps are the collaborators served by the API.
type Deps struct {
	Engine  Engine
	Frames  *frames.Buffer
	Store   *bodies.Store  // may be nil
	Stream  *stream.Handler // may be nil to disable streaming
	Refresh func(ctx context.Context) error

	Auth           auth.Config
	ControlLimiter *httputil.IPRateLimiter // may be nil
	TrustProxy     bool
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, logger *slog.Logger, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(logger, deps),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed handler with its middleware chain:
// metrics -> logging -> auth -> mux.
func NewHandler(logger *slog.Logger, deps Deps) http.Handler {
	h := &handlers{deps: deps, logger: logger}
	mux := http.NewServeMux()

	control := func(fn http.HandlerFunc) http.Handler {
		if deps.ControlLimiter == nil {
			return fn
		}
		return deps.ControlLimiter.Limit(deps.TrustProxy, fn)
	}

	mux.HandleFunc("GET /{$}", h.index)
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(deps.Engine.Ready))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/bodies", h.bodies)
	mux.HandleFunc("GET /api/v1/bodies/issues", h.issues)
	mux.HandleFunc("GET /api/v1/bodies/{id}", h.body)
	mux.HandleFunc("GET /api/v1/state", h.state)

	mux.Handle("POST /api/v1/control/rate", control(h.setRate))
	mux.Handle("POST /api/v1/control/toggle", control(h.toggle))
	mux.Handle("POST /api/v1/control/play", control(h.play))
	mux.Handle("POST /api/v1/control/pause", control(h.pause))
	mux.Handle("POST /api/v1/control/reset", control(h.reset))
	mux.Handle("POST /api/v1/bodies/refresh", control(h.refresh))

	if deps.Stream != nil {
		mux.HandleFunc("GET /api/v1/stream/frames", deps.Stream.HandleFrames)
		mux.HandleFunc("GET /api/v1/ws", deps.Stream.HandleWebsocket)
	}

	var handler http.Handler = mux
	handler = auth.Middleware(deps.Auth)(handler)
	handler = loggingMiddleware(logger, deps.TrustProxy)(handler)
	handler = metrics.Middleware(handler)
	return handler
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
