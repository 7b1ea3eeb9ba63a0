// Package phonehome implements the periodic heartbeat reporter. Each tick it
// reads an aggregated queue snapshot (without taking the dequeue lock) and
// POSTs it to the phone-home endpoint together with the agent's identity.
// System information is included only in the first successful report.
package phonehome

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/higginsd/pdagent/internal/queue"
)

// maxPostRetries bounds the per-tick retry loop for the heartbeat POST.
const maxPostRetries = 3

// StatusSource is the read-only slice of the queue API the reporter uses.
type StatusSource interface {
	Status(throttleInfo, aggregated bool) (queue.Snapshot, error)
}

// Reporter periodically phones home with aggregated queue status. Create one
// with NewReporter and drive it with Run.
type Reporter struct {
	url        string
	agentID    string
	version    string
	authSecret string
	interval   time.Duration
	source     StatusSource
	client     *http.Client
	logger     *slog.Logger

	systemInfo map[string]string
}

// report is the heartbeat request body.
type report struct {
	AgentID    string            `json:"agent_id"`
	Version    string            `json:"agent_version"`
	AgentStats queue.Snapshot    `json:"agent_stats"`
	SystemInfo map[string]string `json:"system_info,omitempty"`
}

// reply is the subset of the heartbeat response the reporter inspects.
type reply struct {
	HeartbeatFrequencySec int `json:"heartbeat_frequency_sec"`
}

// NewReporter builds a Reporter posting to url every interval.
func NewReporter(url, agentID, version string, interval time.Duration, source StatusSource, logger *slog.Logger) *Reporter {
	return &Reporter{
		url:      url,
		agentID:  agentID,
		version:  version,
		interval: interval,
		source:   source,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		systemInfo: map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
	}
}

// Run phones home every interval until ctx is cancelled. The server may
// adjust the interval through the heartbeat_frequency_sec response field.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := r.tick(ctx); next > 0 && next != r.interval {
				r.logger.Info("phonehome: heartbeat frequency adjusted by server",
					slog.Duration("interval", next))
				r.interval = next
				ticker.Reset(next)
			}
		}
	}
}

// tick sends one heartbeat and returns a server-requested interval override,
// or zero. All failures are logged and absorbed.
func (r *Reporter) tick(ctx context.Context) time.Duration {
	r.logger.Debug("phonehome: phoning home")

	stats, err := r.source.Status(true, true)
	if err != nil {
		r.logger.Error("phonehome: unable to read queue status", slog.Any("error", err))
		return 0
	}

	body, err := json.Marshal(report{
		AgentID:    r.agentID,
		Version:    r.version,
		AgentStats: stats,
		SystemInfo: r.systemInfo,
	})
	if err != nil {
		r.logger.Error("phonehome: cannot marshal report", slog.Any("error", err))
		return 0
	}

	respBody, err := r.post(ctx, body)
	if err != nil {
		r.logger.Error("phonehome: error while phoning home", slog.Any("error", err))
		return 0
	}

	// System info is sent only until a report goes through.
	r.systemInfo = nil

	var rep reply
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &rep); err != nil {
			r.logger.Warn("phonehome: error reading response data", slog.Any("error", err))
			return 0
		}
	}
	if rep.HeartbeatFrequencySec > 0 {
		return time.Duration(rep.HeartbeatFrequencySec) * time.Second
	}
	return 0
}

// post delivers one heartbeat body, retrying transient failures with
// exponential backoff.
func (r *Reporter) post(ctx context.Context, body []byte) ([]byte, error) {
	var respBody []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("phonehome: server returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client-side problem; retrying the same body will not help.
			return backoff.Permanent(fmt.Errorf("phonehome: server rejected report: %d", resp.StatusCode))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxPostRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return respBody, nil
}
