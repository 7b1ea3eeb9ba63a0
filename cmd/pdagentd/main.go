// Command pdagentd is the event spool agent daemon. It loads a YAML
// configuration file, opens the directory-backed event queue, starts the
// periodic send and phone-home tasks, exposes /healthz, /status, and
// /metrics, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/higginsd/pdagent/internal/agent"
	"github.com/higginsd/pdagent/internal/config"
	"github.com/higginsd/pdagent/internal/phonehome"
	"github.com/higginsd/pdagent/internal/queue"
	"github.com/higginsd/pdagent/internal/sendevent"
)

func main() {
	configPath := flag.String("config", "/etc/pdagent/pdagent.yaml", "path to the agent YAML configuration file")
	flag.Parse()

	// Load and validate configuration.
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdagentd: %v\n", err)
		os.Exit(1)
	}

	// Initialise structured slog logger from config log level.
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("queue_dir", cfg.QueueDir),
		slog.String("state_dir", cfg.StateDir),
		slog.String("events_api_url", cfg.EventsAPIURL),
		slog.String("log_level", cfg.LogLevel),
	)

	// Prometheus registry for the queue and send pipeline.
	registry := prometheus.NewRegistry()

	// Open the spool. This verifies the queue and state directories are
	// readable and writable before anything else starts.
	q, err := queue.New(queue.Config{
		QueueDir:               cfg.QueueDir,
		StateDir:               cfg.StateDir,
		BackoffInitialDelaySec: cfg.Backoff.InitialDelaySec,
		BackoffFactor:          cfg.Backoff.Factor,
		BackoffMaxAttempts:     cfg.Backoff.MaxAttempts,
	}, logger, queue.WithMetrics(queue.NewMetrics(registry)))
	if err != nil {
		logger.Error("failed to open event queue", slog.Any("error", err))
		os.Exit(1)
	}

	pending, err := q.PendingCounts()
	if err != nil {
		logger.Error("failed to read event queue", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("event queue opened",
		slog.String("queue_dir", cfg.QueueDir),
		slog.Int("service_keys", len(pending)))

	// Persistent agent identity for API auth and phone-home.
	agentID, err := agent.LoadOrCreateID(cfg.StateDir)
	if err != nil {
		logger.Error("failed to load agent id", slog.Any("error", err))
		os.Exit(1)
	}

	// The send task flushes the queue through the HTTP sender and sweeps
	// aged quarantined/temp files.
	sender := sendevent.NewSender(cfg.EventsAPIURL, cfg.AuthSecret, agentID, logger)
	sendTask := sendevent.NewTask(q, sender,
		time.Duration(cfg.SendIntervalSec)*time.Second,
		time.Duration(cfg.CleanupIntervalSec)*time.Second,
		time.Duration(cfg.CleanupThresholdSec)*time.Second,
		logger,
	)

	runners := []agent.Runner{sendTask}
	if cfg.PhoneHomeURL != "" {
		runners = append(runners, phonehome.NewReporter(
			cfg.PhoneHomeURL, agentID, cfg.AgentVersion,
			time.Duration(cfg.HeartbeatIntervalSec)*time.Second,
			q, logger,
		))
	}

	ag := agent.New(cfg, logger,
		agent.WithStatus(q),
		agent.WithRunners(runners...),
		agent.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	// Serve the status surface.
	statusServer := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      ag.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("status server listening", slog.String("addr", cfg.StatusAddr))
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown: stop the agent first, then the HTTP server.
	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown error", slog.Any("error", err))
	}

	logger.Info("agent exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
