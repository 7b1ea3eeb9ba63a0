// Package agent contains the daemon orchestrator. It owns the lifecycle of
// the periodic tasks (event sending, phone-home) and exposes the HTTP status
// surface over the queue's read-only snapshot API.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/higginsd/pdagent/internal/config"
	"github.com/higginsd/pdagent/internal/queue"
)

// Runner is a long-running periodic component driven by the agent. Run must
// return when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// StatusSource is the read-only queue API backing /healthz and /status.
type StatusSource interface {
	PendingCounts() (map[string]int, error)
	Status(throttleInfo, aggregated bool) (queue.Snapshot, error)
}

// Agent supervises the daemon's periodic components and serves its HTTP
// status surface.
type Agent struct {
	cfg            *config.Config
	logger         *slog.Logger
	status         StatusSource
	runners        []Runner
	metricsHandler http.Handler // nil when metrics are not exposed

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithStatus registers the queue snapshot source backing the HTTP surface.
func WithStatus(s StatusSource) Option {
	return func(a *Agent) { a.status = s }
}

// WithRunners registers one or more periodic components with the agent.
func WithRunners(rs ...Runner) Option {
	return func(a *Agent) { a.runners = append(a.runners, rs...) }
}

// WithMetricsHandler exposes h at /metrics on the agent router.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *Agent) { a.metricsHandler = h }
}

// New creates an Agent from the provided configuration and logger. Runners
// and the status source are optional; the agent starts with whatever was
// provided, which is useful in tests.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches all registered runners. It returns an error only if the
// agent is already running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errAlreadyRunning
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting agent",
		slog.String("queue_dir", a.cfg.QueueDir),
		slog.String("events_api_url", a.cfg.EventsAPIURL),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("status_addr", a.cfg.StatusAddr),
	)

	for _, r := range a.runners {
		r := r
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			r.Run(ctx)
		}()
	}

	a.logger.Info("agent started")
	return nil
}

// Stop signals all runners to shut down and waits for them to exit. It is
// safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.logger.Info("agent stopped")
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status        string  `json:"status"`
	UptimeS       float64 `json:"uptime_s"`
	PendingEvents int     `json:"pending_events"`
	ServiceKeys   int     `json:"service_keys"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(a.startTime).Seconds(),
	}
	if a.status != nil {
		counts, err := a.status.PendingCounts()
		if err != nil {
			a.logger.Warn("healthz: cannot read pending counts", slog.Any("error", err))
			h.Status = "degraded"
			return h
		}
		for _, n := range counts {
			h.PendingEvents += n
		}
		h.ServiceKeys = len(counts)
	}
	return h
}

// Router builds the agent's HTTP surface: /healthz, /status, and, when a
// metrics handler was provided, /metrics.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/status", a.statusHandler)
	if a.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", a.metricsHandler)
	}
	return r
}

// healthzHandler responds with the agent's health status as JSON.
func (a *Agent) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.logger, http.StatusOK, a.Health())
}

// statusHandler responds with the full queue snapshot, including the
// per-service-key breakdown and throttle state.
func (a *Agent) statusHandler(w http.ResponseWriter, _ *http.Request) {
	if a.status == nil {
		http.Error(w, "status source not configured", http.StatusServiceUnavailable)
		return
	}
	snap, err := a.status.Status(true, false)
	if err != nil {
		a.logger.Warn("status: cannot read queue snapshot", slog.Any("error", err))
		http.Error(w, "cannot read queue snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, a.logger, http.StatusOK, snap)
}

// writeJSON encodes v as the JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("http: failed to encode response", slog.Any("error", err))
	}
}
