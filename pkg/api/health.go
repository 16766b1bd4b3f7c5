package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/hangar/pkg/log"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// StatusSource returns the current fleet snapshot
type StatusSource interface {
	Status(ctx context.Context) ([]types.WorkerSnapshot, error)
}

// HealthServer provides the read-only HTTP surface: component health,
// prometheus metrics and the worker status snapshot
type HealthServer struct {
	status StatusSource
	router chi.Router
	logger zerolog.Logger

	statusTimeout time.Duration

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewHealthServer creates a new HTTP server. status may be nil, in which
// case /workers responds 503.
func NewHealthServer(status StatusSource) *HealthServer {
	hs := &HealthServer{
		status:        status,
		router:        chi.NewRouter(),
		logger:        log.WithComponent("api"),
		statusTimeout: 5 * time.Second,
	}

	hs.router.Use(instrument)
	hs.router.Get("/health", metrics.HealthHandler())
	hs.router.Get("/ready", metrics.ReadyHandler())
	hs.router.Get("/live", metrics.LivenessHandler())
	hs.router.Method(http.MethodGet, "/metrics", metrics.Handler())
	hs.router.Get("/workers", hs.workersHandler)
	hs.router.Get("/workers/{id}", hs.workerHandler)

	return hs
}

// Handler exposes the router, mostly for tests
func (hs *HealthServer) Handler() http.Handler {
	return hs.router
}

// Start binds addr and serves in the background
func (hs *HealthServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:      hs.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hs.mu.Lock()
	hs.server = server
	hs.listener = ln
	hs.mu.Unlock()

	hs.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (hs *HealthServer) Addr() net.Addr {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.listener == nil {
		return nil
	}
	return hs.listener.Addr()
}

// Shutdown gracefully stops the server
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.Lock()
	server := hs.server
	hs.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// WorkersResponse is the body of GET /workers
type WorkersResponse struct {
	Timestamp time.Time              `json:"timestamp"`
	Count     int                    `json:"count"`
	Workers   []types.WorkerSnapshot `json:"workers"`
}

// ErrorResponse is returned with every non-2xx status from the worker routes
type ErrorResponse struct {
	Error string `json:"error"`
}

func (hs *HealthServer) snapshot(r *http.Request) ([]types.WorkerSnapshot, int, error) {
	if hs.status == nil {
		return nil, http.StatusServiceUnavailable, errors.New("status source not configured")
	}
	ctx, cancel := context.WithTimeout(r.Context(), hs.statusTimeout)
	defer cancel()

	workers, err := hs.status.Status(ctx)
	if err != nil {
		return nil, http.StatusServiceUnavailable, err
	}
	return workers, http.StatusOK, nil
}

func (hs *HealthServer) workersHandler(w http.ResponseWriter, r *http.Request) {
	workers, code, err := hs.snapshot(r)
	if err != nil {
		hs.logger.Warn().Err(err).Msg("Status query failed")
		writeJSON(w, code, ErrorResponse{Error: err.Error()})
		return
	}
	if workers == nil {
		workers = []types.WorkerSnapshot{}
	}
	writeJSON(w, http.StatusOK, WorkersResponse{
		Timestamp: time.Now(),
		Count:     len(workers),
		Workers:   workers,
	})
}

func (hs *HealthServer) workerHandler(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid worker id"})
		return
	}

	workers, code, err := hs.snapshot(r)
	if err != nil {
		writeJSON(w, code, ErrorResponse{Error: err.Error()})
		return
	}
	for _, snap := range workers {
		if snap.ID == types.WorkerID(n) {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown worker"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
