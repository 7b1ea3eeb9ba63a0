package agent_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/higginsd/pdagent/internal/agent"
	"github.com/higginsd/pdagent/internal/config"
	"github.com/higginsd/pdagent/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		QueueDir:     "/spool/queue",
		StateDir:     "/spool/state",
		EventsAPIURL: "https://events.example.com",
		LogLevel:     "info",
		StatusAddr:   "127.0.0.1:9100",
	}
}

// fakeStatus implements agent.StatusSource over fixed data.
type fakeStatus struct {
	counts map[string]int
	snap   queue.Snapshot
}

func (s *fakeStatus) PendingCounts() (map[string]int, error) { return s.counts, nil }

func (s *fakeStatus) Status(throttleInfo, aggregated bool) (queue.Snapshot, error) {
	return s.snap, nil
}

// blockingRunner runs until its context is cancelled and records both edges.
type blockingRunner struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (r *blockingRunner) Run(ctx context.Context) {
	r.started.Store(true)
	<-ctx.Done()
	r.stopped.Store(true)
}

func TestStartStop_RunnerLifecycle(t *testing.T) {
	runner := &blockingRunner{}
	ag := agent.New(testConfig(), testLogger(), agent.WithRunners(runner))

	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !runner.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("runner never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := ag.Start(context.Background()); err == nil {
		t.Error("second Start succeeded, want error")
	}

	ag.Stop()
	if !runner.stopped.Load() {
		t.Error("runner not stopped after Stop")
	}

	// Stop is idempotent.
	ag.Stop()
}

func TestHealth_SumsPendingEvents(t *testing.T) {
	status := &fakeStatus{counts: map[string]int{"keyA": 2, "keyB": 3}}
	ag := agent.New(testConfig(), testLogger(), agent.WithStatus(status))

	h := ag.Health()
	if h.Status != "ok" {
		t.Errorf("status = %q, want ok", h.Status)
	}
	if h.PendingEvents != 5 {
		t.Errorf("pending_events = %d, want 5", h.PendingEvents)
	}
	if h.ServiceKeys != 2 {
		t.Errorf("service_keys = %d, want 2", h.ServiceKeys)
	}
}

func TestRouter_Healthz(t *testing.T) {
	status := &fakeStatus{counts: map[string]int{"keyA": 1}}
	ag := agent.New(testConfig(), testLogger(), agent.WithStatus(status))

	srv := httptest.NewServer(ag.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", resp.StatusCode)
	}

	var h agent.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode /healthz body: %v", err)
	}
	if h.PendingEvents != 1 {
		t.Errorf("pending_events = %d, want 1", h.PendingEvents)
	}
}

func TestRouter_StatusReturnsSnapshot(t *testing.T) {
	status := &fakeStatus{
		snap: queue.Snapshot{
			Aggregate:    map[string]int{"pdq": 2},
			ByServiceKey: map[string]map[string]int{"keyA": {"pdq": 2}},
		},
	}
	ag := agent.New(testConfig(), testLogger(), agent.WithStatus(status))

	srv := httptest.NewServer(ag.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status status = %d, want 200", resp.StatusCode)
	}

	var snap queue.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode /status body: %v", err)
	}
	if snap.Aggregate["pdq"] != 2 || snap.ByServiceKey["keyA"]["pdq"] != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRouter_StatusWithoutSourceIsUnavailable(t *testing.T) {
	ag := agent.New(testConfig(), testLogger())

	srv := httptest.NewServer(ag.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/status status = %d, want 503", resp.StatusCode)
	}
}

func TestRouter_MetricsOnlyWhenConfigured(t *testing.T) {
	ag := agent.New(testConfig(), testLogger())
	srv := httptest.NewServer(ag.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("/metrics served without a metrics handler")
	}

	ag2 := agent.New(testConfig(), testLogger(), agent.WithMetricsHandler(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("# metrics")) },
	)))
	srv2 := httptest.NewServer(ag2.Router())
	defer srv2.Close()

	resp2, err := http.Get(srv2.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", resp2.StatusCode)
	}
}

func TestLoadOrCreateID_PersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	id1, err := agent.LoadOrCreateID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateID: %v", err)
	}
	if id1 == "" {
		t.Fatal("empty agent id")
	}

	id2, err := agent.LoadOrCreateID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateID (second): %v", err)
	}
	if id2 != id1 {
		t.Errorf("agent id changed across calls: %q != %q", id2, id1)
	}
}

func TestLoadOrCreateID_RegeneratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/agent_id", []byte("not-a-uuid\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := agent.LoadOrCreateID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateID: %v", err)
	}
	if id == "not-a-uuid" {
		t.Error("corrupt agent id was not regenerated")
	}
}
