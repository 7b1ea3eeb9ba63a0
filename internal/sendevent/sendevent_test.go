package sendevent

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/higginsd/pdagent/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ---------------------------------------------------------------------------
// Status-code mapping
// ---------------------------------------------------------------------------

func TestMapStatusCode(t *testing.T) {
	cases := []struct {
		code int
		want queue.ConsumeCode
	}{
		{200, queue.Consumed},
		{202, queue.Consumed},
		{301, queue.NotConsumed},
		{400, queue.BadEntry},
		{403, queue.BackoffSvcKeyNotConsumed},
		{404, queue.BadEntry},
		{429, queue.BadEntry},
		{500, queue.BackoffSvcKeyBadEntry},
		{503, queue.BackoffSvcKeyBadEntry},
		{600, queue.NotConsumed},
	}
	for _, c := range cases {
		if got := mapStatusCode(c.code); got != c.want {
			t.Errorf("mapStatusCode(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Consume
// ---------------------------------------------------------------------------

func TestConsume_SuccessDeliversPayload(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"status":"success","incident_key":"ik-1"}`))
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "", "agent-1", testLogger())
	code := s.Consume([]byte(`{"service_key":"keyX"}`), "pdq_1000_keyX.txt")
	if code != queue.Consumed {
		t.Fatalf("Consume = %v, want Consumed", code)
	}
	if string(gotBody) != `{"service_key":"keyX"}` {
		t.Errorf("posted body = %q", gotBody)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
}

func TestConsume_StatusCodeDrivesOutcome(t *testing.T) {
	cases := []struct {
		status int
		want   queue.ConsumeCode
	}{
		{http.StatusForbidden, queue.BackoffSvcKeyNotConsumed},
		{http.StatusBadRequest, queue.BadEntry},
		{http.StatusInternalServerError, queue.BackoffSvcKeyBadEntry},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(c.status)
		}))
		s := NewSender(srv.URL, "", "agent-1", testLogger())
		if got := s.Consume([]byte("{}"), "pdq_1_k.txt"); got != c.want {
			t.Errorf("Consume with status %d = %v, want %v", c.status, got, c.want)
		}
		srv.Close()
	}
}

func TestConsume_BearerTokenWhenSecretConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "sekrit", "agent-1", testLogger())
	if code := s.Consume([]byte("{}"), "pdq_1_k.txt"); code != queue.Consumed {
		t.Fatalf("Consume = %v, want Consumed", code)
	}

	const prefix = "Bearer "
	if len(gotAuth) <= len(prefix) || gotAuth[:len(prefix)] != prefix {
		t.Fatalf("Authorization = %q, want a bearer token", gotAuth)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(gotAuth[len(prefix):], claims, func(*jwt.Token) (any, error) {
		return []byte("sekrit"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		t.Fatalf("bearer token did not verify: %v", err)
	}
	if claims.Subject != "agent-1" {
		t.Errorf("token subject = %q, want agent-1", claims.Subject)
	}
}

func TestConsume_NoAuthHeaderWithoutSecret(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "", "agent-1", testLogger())
	s.Consume([]byte("{}"), "pdq_1_k.txt")
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want empty", gotAuth)
	}
}

func TestConsume_TimeoutBacksOffServiceKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "", "agent-1", testLogger())
	s.client.Timeout = 20 * time.Millisecond

	if got := s.Consume([]byte("{}"), "pdq_1_k.txt"); got != queue.BackoffSvcKeyBadEntry {
		t.Errorf("Consume on timeout = %v, want BackoffSvcKeyBadEntry", got)
	}
}

func TestConsume_ConnectionRefusedIsTransient(t *testing.T) {
	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewSender(url, "", "agent-1", testLogger())
	if got := s.Consume([]byte("{}"), "pdq_1_k.txt"); got != queue.NotConsumed {
		t.Errorf("Consume on refused connection = %v, want NotConsumed", got)
	}
}

func TestConsume_MalformedResponseBodyStillMapsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "", "agent-1", testLogger())
	if got := s.Consume([]byte("{}"), "pdq_1_k.txt"); got != queue.Consumed {
		t.Errorf("Consume with unparseable 200 body = %v, want Consumed", got)
	}
}
