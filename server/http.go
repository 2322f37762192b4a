// Package server exposes cache diagnostics and lifecycle operations over
// HTTP for operational tooling.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/engine"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// Sweep starts the background expiry sweeper with the server.
	Sweep bool

	// Logger for the server
	Logger *slog.Logger
}

// Server serves diagnostics for one engine.
type Server struct {
	config     Config
	engine     *engine.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a server for eng.
func New(eng *engine.Engine, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		engine: eng,
		logger: cfg.Logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped route handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return otelhttp.NewHandler(s.loggingMiddleware(s.authMiddleware(mux)), "offline-cache")
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /verify", s.handleVerify)
	mux.HandleFunc("GET /breakers", s.handleBreakers)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /tables/{table}", s.handleTable)

	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("POST /sweep", s.handleSweep)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "state")
	s.writeJSON(w, r, http.StatusOK, s.engine.Status(r.Context()))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "verify")
	ok := s.engine.Verify(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	s.writeJSON(w, r, status, map[string]bool{"verified": ok})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "breakers")
	s.writeJSON(w, r, http.StatusOK, s.engine.Breaker.States())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	s.writeJSON(w, r, http.StatusOK, s.engine.Tracker.Stats())
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "table")
	ctx := telemetry.WithOperation(r.Context(), telemetry.OpRead)
	loaded, err := s.engine.Load(ctx, r.PathValue("table"))
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, offlinecache.ErrNotAuthenticated):
			status = http.StatusUnauthorized
		case errors.Is(err, offlinecache.ErrInvalidInput):
			status = http.StatusNotFound
		case errors.Is(err, backend.ErrNotFound):
			status = http.StatusNotFound
		}
		s.writeError(w, r, status, err)
		return
	}
	w.Header().Set("X-Cache-Source", string(loaded.Source))
	if loaded.Degraded {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	s.writeJSON(w, r, http.StatusOK, loaded.Entry)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := s.engine.Sync(r.Context(), force)
	if err != nil {
		s.writeError(w, r, errorStatus(err), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, res)
}

type loginRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "login")
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decoding login request: %w", err))
		return
	}
	res, err := s.engine.Login(r.Context(), req.Token)
	if err != nil {
		s.writeError(w, r, errorStatus(err), err)
		return
	}
	if len(res.Warnings) > 0 {
		telemetry.SetOutcome(r, "partial")
	}
	s.writeJSON(w, r, http.StatusOK, res)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, offlinecache.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, offlinecache.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "logout")
	res := s.engine.Logout(r.Context())
	if !res.Verified {
		telemetry.SetOutcome(r, "residue")
	}
	s.writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "reset")
	res := s.engine.Reset(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, r, status, res)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sweep")
	s.writeJSON(w, r, http.StatusOK, s.engine.Sweep(r.Context()))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", "path", r.URL.Path, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	telemetry.SetOutcome(r, "error")
	s.writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set endpoint and outcome.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Outcome != "" {
			attrs = append(attrs, "outcome", tags.Outcome)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start starts the server and, if configured, the expiry sweeper.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Sweep {
		s.logger.Info("starting expiry sweeper")
		if err := s.engine.StartSweeper(ctx); err != nil {
			return fmt.Errorf("starting expiry sweeper: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.engine.StopSweeper()
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
