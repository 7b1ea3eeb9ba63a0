// Package sendevent forwards queued events to the remote events API. It
// provides the consume callback the flush engine dispatches each payload to,
// and the periodic task that drives flushes and cleanup sweeps.
//
// # Outcome mapping
//
// The Sender translates each HTTP exchange into a queue.ConsumeCode:
//
//	status < 300          → Consumed
//	status == 403         → BackoffSvcKeyNotConsumed (we are being throttled)
//	400 ≤ status < 500    → BadEntry (the event itself is rejected)
//	500 ≤ status < 600    → BackoffSvcKeyBadEntry (server trouble, or poison)
//	anything else         → NotConsumed
//
// Transport-level failures map to: certificate verification error → StopAll
// (no request will succeed until the trust store is fixed), timeout →
// BackoffSvcKeyBadEntry, any other connection error → NotConsumed.
package sendevent

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/higginsd/pdagent/internal/queue"
)

// Sender POSTs event payloads to the events API and implements
// queue.Consumer. It is called serially by the flush engine while the
// dequeue lock is held.
type Sender struct {
	apiURL     string
	authSecret string
	agentID    string
	client     *http.Client
	logger     *slog.Logger
}

// apiResponse is the subset of the events API response body the sender
// inspects.
type apiResponse struct {
	Status      string `json:"status"`
	IncidentKey string `json:"incident_key"`
}

// NewSender returns a Sender posting to apiURL. When authSecret is non-empty
// every request carries an HS256 bearer token identifying agentID.
func NewSender(apiURL, authSecret, agentID string, logger *slog.Logger) *Sender {
	return &Sender{
		apiURL:     apiURL,
		authSecret: authSecret,
		agentID:    agentID,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Consume POSTs payload to the events API and maps the result to a
// queue.ConsumeCode. It implements queue.Consumer.
func (s *Sender) Consume(payload []byte, eventID string) queue.ConsumeCode {
	req, err := http.NewRequest(http.MethodPost, s.apiURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Error("sendevent: cannot build request",
			slog.String("event_id", eventID), slog.Any("error", err))
		return queue.NotConsumed
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authSecret != "" {
		token, err := s.bearerToken()
		if err != nil {
			s.logger.Error("sendevent: cannot sign auth token", slog.Any("error", err))
			return queue.NotConsumed
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.mapTransportError(err, eventID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn("sendevent: error reading response body",
			slog.String("event_id", eventID), slog.Any("error", err))
		body = nil
	}

	var result apiResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			s.logger.Warn("sendevent: error parsing response body",
				slog.String("event_id", eventID), slog.Any("error", err))
		}
	}

	if result.Status == "success" {
		s.logger.Info("sendevent: event accepted",
			slog.String("event_id", eventID),
			slog.String("incident_key", result.IncidentKey))
	} else {
		s.logger.Error("sendevent: error sending event",
			slog.String("event_id", eventID),
			slog.Int("status_code", resp.StatusCode),
			slog.String("body", string(body)))
	}

	return mapStatusCode(resp.StatusCode)
}

// mapTransportError classifies a connection-level failure.
func (s *Sender) mapTransportError(err error, eventID string) queue.ConsumeCode {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		s.logger.Error("sendevent: server certificate validation error",
			slog.String("event_id", eventID), slog.Any("error", err))
		return queue.StopAll
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Could be a real server problem, or an anomaly in processing
		// this service key or event. Retry the key a few times, then
		// decide the event is possibly a bad entry.
		s.logger.Error("sendevent: timeout while sending event",
			slog.String("event_id", eventID), slog.Any("error", err))
		return queue.BackoffSvcKeyBadEntry
	}

	s.logger.Error("sendevent: error establishing connection",
		slog.String("event_id", eventID), slog.Any("error", err))
	return queue.NotConsumed
}

// mapStatusCode applies the HTTP-status → ConsumeCode table.
func mapStatusCode(code int) queue.ConsumeCode {
	switch {
	case code < 300:
		return queue.Consumed
	case code == http.StatusForbidden:
		// We are being throttled. Retry the key later but never treat
		// the event as erroneous.
		return queue.BackoffSvcKeyNotConsumed
	case code >= 400 && code < 500:
		return queue.BadEntry
	case code >= 500 && code < 600:
		return queue.BackoffSvcKeyBadEntry
	default:
		return queue.NotConsumed
	}
}

// bearerToken signs a short-lived HS256 token identifying this agent.
func (s *Sender) bearerToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   s.agentID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
	})
	signed, err := token.SignedString([]byte(s.authSecret))
	if err != nil {
		return "", fmt.Errorf("sendevent: sign token: %w", err)
	}
	return signed, nil
}
