package openclaw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/levigw/internal/protocol"
)

type captureServer struct {
	mu       sync.Mutex
	statuses []int
	bodies   []Envelope
	keys     []string
	srv      *httptest.Server
}

// newCaptureServer replies with the queued statuses in order, then 200.
func newCaptureServer(t *testing.T, statuses ...int) *captureServer {
	t.Helper()
	c := &captureServer{statuses: statuses}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()

		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		c.bodies = append(c.bodies, env)
		c.keys = append(c.keys, r.Header.Get("idempotency-key"))

		status := http.StatusOK
		if len(c.statuses) > 0 {
			status = c.statuses[0]
			c.statuses = c.statuses[1:]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *captureServer) snapshot() ([]Envelope, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bodies := make([]Envelope, len(c.bodies))
	copy(bodies, c.bodies)
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	return bodies, keys
}

func (c *captureServer) waitForRequests(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.bodies)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d requests", n)
}

func newTestBridge(url string) *Bridge {
	return NewBridge(Options{
		BaseURL:     url,
		Timeout:     time.Second,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
}

func sampleEvent() protocol.SessionEvent {
	return protocol.SessionEvent{
		Type:      protocol.EventTranscript,
		SessionID: "sess-1",
		AtMs:      1234,
		Payload:   map[string]any{"text": "hola", "isFinal": true},
	}
}

func TestBridgeDeliversSessionEvent(t *testing.T) {
	srv := newCaptureServer(t)
	b := newTestBridge(srv.srv.URL)
	defer b.Close()

	event := sampleEvent()
	b.PublishSessionEvent(event)
	srv.waitForRequests(t, 1)

	bodies, keys := srv.snapshot()
	if bodies[0].Type != EnvelopeSessionEvent {
		t.Fatalf("envelope type = %s", bodies[0].Type)
	}
	if bodies[0].SessionEvent == nil || bodies[0].SessionEvent.SessionID != "sess-1" {
		t.Fatalf("sessionEvent = %+v", bodies[0].SessionEvent)
	}
	if keys[0] == "" || keys[0] != bodies[0].IdempotencyKey {
		t.Fatalf("idempotency-key header %q must match envelope key %q", keys[0], bodies[0].IdempotencyKey)
	}
}

func TestBridgeRetriesTransientFailures(t *testing.T) {
	srv := newCaptureServer(t, 500, 500)
	b := newTestBridge(srv.srv.URL)
	defer b.Close()

	b.PublishSessionEvent(sampleEvent())
	srv.waitForRequests(t, 3)

	_, keys := srv.snapshot()
	if len(keys) != 3 {
		t.Fatalf("requests = %d, want 3", len(keys))
	}
	if keys[0] != keys[1] || keys[1] != keys[2] {
		t.Fatalf("idempotency key changed across retries: %v", keys)
	}
}

func TestBridgeDropsAfterMaxAttempts(t *testing.T) {
	srv := newCaptureServer(t, 503, 503, 503, 503, 503)
	b := newTestBridge(srv.srv.URL)
	defer b.Close()

	b.PublishSessionEvent(sampleEvent())
	// A second event proves the drainer moved on after dropping the first.
	second := sampleEvent()
	second.AtMs = 9999
	b.PublishSessionEvent(second)
	srv.waitForRequests(t, 5)

	bodies, _ := srv.snapshot()
	firstKey := bodies[0].IdempotencyKey
	attempts := 0
	for _, env := range bodies {
		if env.IdempotencyKey == firstKey {
			attempts++
		}
	}
	if attempts != 4 {
		t.Fatalf("attempts for first envelope = %d, want 4", attempts)
	}
}

func TestBridgeStopsOnNonRetryableStatus(t *testing.T) {
	srv := newCaptureServer(t, 400)
	b := newTestBridge(srv.srv.URL)
	defer b.Close()

	b.PublishSessionEvent(sampleEvent())
	srv.waitForRequests(t, 1)
	time.Sleep(20 * time.Millisecond)

	bodies, _ := srv.snapshot()
	if len(bodies) != 1 {
		t.Fatalf("requests = %d, want 1 (400 must not be retried)", len(bodies))
	}
}

func TestEventIdempotencyKeyDeterministic(t *testing.T) {
	a := EventIdempotencyKey(sampleEvent())
	b := EventIdempotencyKey(sampleEvent())
	if a != b {
		t.Fatalf("same event hashed to different keys: %s vs %s", a, b)
	}

	changed := sampleEvent()
	changed.AtMs = 5678
	if EventIdempotencyKey(changed) == a {
		t.Fatal("different events hashed to the same key")
	}
}

func TestCommandKeysAreUnique(t *testing.T) {
	srv := newCaptureServer(t)
	b := newTestBridge(srv.srv.URL)
	defer b.Close()

	cmd := Command{Text: "hang up the current call", Context: map[string]any{"sessionId": "sess-1"}}
	b.PublishCommand(cmd)
	b.PublishCommand(cmd)
	srv.waitForRequests(t, 2)

	bodies, _ := srv.snapshot()
	if bodies[0].IdempotencyKey == bodies[1].IdempotencyKey {
		t.Fatal("repeated commands must carry distinct idempotency keys")
	}
	if bodies[0].Command == nil || bodies[0].Command.Text == "" {
		t.Fatalf("command = %+v", bodies[0].Command)
	}
}

func TestBridgeDisabledWithoutURL(t *testing.T) {
	b := NewBridge(Options{})
	defer b.Close()

	if b.Enabled() {
		t.Fatal("bridge with empty URL must be disabled")
	}
	// Must not panic or block.
	b.PublishSessionEvent(sampleEvent())
	if b.Healthy(context.Background()) {
		t.Fatal("disabled bridge cannot be healthy")
	}
}

func TestBridgeHealthy(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := newTestBridge(srv.URL + "/api/events")
	defer b.Close()

	if !b.Healthy(context.Background()) {
		t.Fatal("Healthy() = false against a 200 server")
	}
	if path != "/health" {
		t.Fatalf("probe path = %s, want /health", path)
	}
}
