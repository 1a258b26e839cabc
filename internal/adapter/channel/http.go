package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"opsflow/internal/domain"
	"opsflow/internal/infra/config"
	"opsflow/internal/infra/middleware"
	"opsflow/internal/usecase/workflow"
)

// WorkflowService is the surface the HTTP API exposes.
// Satisfied by workflow.Sequencer.
type WorkflowService interface {
	StartAsync(ctx context.Context, workItemID int, opts *workflow.StartOptions) (*domain.WorkflowRun, error)
	Resume(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]domain.WorkflowRun, error)
}

// Pinger reports reachability of the Azure DevOps API for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerStater is implemented by pingers that guard the API behind a
// circuit breaker. Satisfied by devops.BreakerConnector.
type BreakerStater interface {
	BreakerState() string
}

const defaultListLimit = 50

// HTTPChannel serves the workflow REST API. Workflow starts are accepted
// with 202 and executed detached from the request, so clients poll the run
// resource for the outcome.
type HTTPChannel struct {
	service WorkflowService
	pinger  Pinger
	logger  *slog.Logger
	cfg     config.HTTPConfig

	server *http.Server
	extra  map[string]http.Handler

	// Actual bound address (set after Start)
	boundAddr string

	// Lifecycle management for rate limiter cleanup goroutine
	ctx    context.Context
	cancel context.CancelFunc
}

type startRequest struct {
	WorkItemID int               `json:"work_item_id"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Branch     string            `json:"branch,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type listResponse struct {
	Count int                  `json:"count"`
	Runs  []domain.WorkflowRun `json:"runs"`
}

// NewHTTPChannel creates the REST API channel. pinger may be nil, in which
// case the health endpoint reports liveness only.
func NewHTTPChannel(cfg config.HTTPConfig, service WorkflowService, pinger Pinger, logger *slog.Logger) *HTTPChannel {
	return &HTTPChannel{
		service: service,
		pinger:  pinger,
		logger:  logger,
		cfg:     cfg,
		extra:   make(map[string]http.Handler),
	}
}

// Mount registers an extra handler on the API mux. Must be called before
// Start. Used by the event gateway to share the listener.
func (h *HTTPChannel) Mount(pattern string, handler http.Handler) {
	h.extra[pattern] = handler
}

// Start begins the HTTP server. Non-blocking (serves in a goroutine).
func (h *HTTPChannel) Start(ctx context.Context) error {
	// Cancellable context for rate limiter lifecycle management.
	h.ctx, h.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflows", h.handleStart)
	mux.HandleFunc("GET /api/v1/workflows", h.handleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.handleGet)
	mux.HandleFunc("POST /api/v1/workflows/{id}/resume", h.handleResume)
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	for pattern, handler := range h.extra {
		mux.Handle(pattern, handler)
	}

	rpm, burst := h.cfg.Rate.RequestsPerMinute, h.cfg.Rate.Burst
	if rpm <= 0 {
		rpm = 100
	}
	if burst <= 0 {
		burst = 20
	}
	secureHandler := middleware.SecurityHeaders(
		middleware.RateLimit(h.ctx, rpm, burst)(mux),
	)

	h.server = &http.Server{
		Addr:              h.cfg.Addr,
		Handler:           secureHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.cfg.Addr, err)
	}
	h.boundAddr = ln.Addr().String()

	go func() {
		h.logger.Info("http api started", "addr", h.boundAddr)
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (h *HTTPChannel) Stop(ctx context.Context) error {
	// Stop the rate limiter cleanup goroutine.
	if h.cancel != nil {
		h.cancel()
	}

	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// Addr returns the bound listen address. Valid after Start.
func (h *HTTPChannel) Addr() string { return h.boundAddr }

func (h *HTTPChannel) handleStart(w http.ResponseWriter, r *http.Request) {
	// Limit request body to 1MB.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "invalid JSON: " + err.Error()
		if err.Error() == "http: request body too large" {
			msg = "request body too large (max 1MB)"
		}
		h.writeError(w, http.StatusBadRequest, msg)
		return
	}

	if req.WorkItemID <= 0 {
		h.writeError(w, http.StatusBadRequest, "work_item_id is required")
		return
	}

	var opts *workflow.StartOptions
	if len(req.Parameters) > 0 || req.Branch != "" {
		opts = &workflow.StartOptions{Parameters: req.Parameters, Branch: req.Branch}
	}

	run, err := h.service.StartAsync(r.Context(), req.WorkItemID, opts)
	if err != nil {
		if errors.Is(err, domain.ErrLimitReached) {
			h.writeError(w, http.StatusTooManyRequests, "too many runs in flight, retry later")
			return
		}
		h.logger.Error("failed to start workflow", "work_item_id", req.WorkItemID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}

	w.Header().Set("Location", "/api/v1/workflows/"+run.ID)
	h.writeJSON(w, http.StatusAccepted, run)
}

func (h *HTTPChannel) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("failed to load run", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *HTTPChannel) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := h.service.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	h.writeJSON(w, http.StatusOK, listResponse{Count: len(runs), Runs: runs})
}

func (h *HTTPChannel) handleResume(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, domain.ErrLimitReached):
			h.writeError(w, http.StatusTooManyRequests, "too many runs in flight, retry later")
		default:
			h.logger.Error("failed to resume run", "run_id", r.PathValue("id"), "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to resume run")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *HTTPChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}

	if h.pinger != nil {
		if bs, ok := h.pinger.(BreakerStater); ok {
			status["devops_breaker"] = bs.BreakerState()
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["devops"] = err.Error()
			h.writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["devops"] = "ok"
	}

	h.writeJSON(w, http.StatusOK, status)
}

func (h *HTTPChannel) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPChannel) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}
