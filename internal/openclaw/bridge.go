package openclaw

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/levigw/internal/observability"
	"github.com/antoniostano/levigw/internal/protocol"
	"github.com/antoniostano/levigw/internal/reliability"
)

const (
	EnvelopeSessionEvent = "session_event"
	EnvelopeCommand      = "command"

	defaultQueueDepth = 256
	maxAttempts       = 4
)

// Envelope is the wire format posted to the orchestrator endpoint. Exactly
// one of SessionEvent or Command is set, matching Type.
type Envelope struct {
	Type           string                 `json:"type"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	AtMs           int64                  `json:"atMs"`
	SessionEvent   *protocol.SessionEvent `json:"sessionEvent,omitempty"`
	Command        *Command               `json:"command,omitempty"`
}

// Command is a free-form operator instruction relayed to the orchestrator.
type Command struct {
	Text    string         `json:"text"`
	Context map[string]any `json:"context,omitempty"`
}

// Options configures a Bridge. Zero backoff fields fall back to the
// production values; tests shrink them.
type Options struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	QueueDepth  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Bridge delivers envelopes to an OpenClaw-compatible orchestrator over
// HTTP. Deliveries are serialized through a single drainer goroutine so the
// orchestrator observes events in emission order; retries use capped
// exponential backoff and an idempotency key so the receiver can
// de-duplicate replays.
type Bridge struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	log         *slog.Logger
	obs         *observability.Metrics
	baseBackoff time.Duration
	maxBackoff  time.Duration

	queue chan Envelope
	once  sync.Once
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewBridge(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Second
	}

	b := &Bridge{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:      strings.TrimSpace(opts.APIKey),
		client:      &http.Client{Timeout: timeout},
		log:         logger.With("component", "openclaw-bridge"),
		obs:         opts.Metrics,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		queue:       make(chan Envelope, depth),
		done:        make(chan struct{}),
	}

	b.wg.Add(1)
	go b.drain()
	return b
}

// Enabled reports whether a destination is configured. A bridge without a
// URL accepts and discards everything.
func (b *Bridge) Enabled() bool { return b.baseURL != "" }

// PublishSessionEvent enqueues an event for delivery. The idempotency key
// is derived from the event content, so re-publishing the same event yields
// the same key and the receiver can discard the duplicate.
func (b *Bridge) PublishSessionEvent(event protocol.SessionEvent) {
	b.enqueue(Envelope{
		Type:           EnvelopeSessionEvent,
		IdempotencyKey: EventIdempotencyKey(event),
		AtMs:           event.AtMs,
		SessionEvent:   &event,
	})
}

// PublishCommand enqueues a command. Commands are imperative rather than
// descriptive, so each publish gets a fresh random key.
func (b *Bridge) PublishCommand(cmd Command) {
	b.enqueue(Envelope{
		Type:           EnvelopeCommand,
		IdempotencyKey: uuid.NewString(),
		AtMs:           time.Now().UnixMilli(),
		Command:        &cmd,
	})
}

func (b *Bridge) enqueue(env Envelope) {
	if !b.Enabled() {
		return
	}
	select {
	case b.queue <- env:
	default:
		b.log.Warn("bridge queue full, dropping envelope",
			"type", env.Type, "idempotencyKey", env.IdempotencyKey)
		if b.obs != nil {
			b.obs.BridgeDeliveries.WithLabelValues("queue_full").Inc()
		}
	}
}

// Healthy probes the orchestrator's health endpoint.
func (b *Bridge) Healthy(ctx context.Context) bool {
	if !b.Enabled() {
		return false
	}
	probe, err := healthURL(b.baseURL)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe, nil)
	if err != nil {
		return false
	}
	res, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 1<<10))
	return res.StatusCode >= 200 && res.StatusCode < 300
}

// Close stops accepting envelopes and waits for the drainer to finish the
// in-flight delivery. Queued envelopes are dropped.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Bridge) drain() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case env := <-b.queue:
			b.deliver(env)
		}
	}
}

// deliver posts one envelope, retrying transient failures with capped
// exponential backoff. After maxAttempts the envelope is dropped with a
// warning; the gateway never blocks the media path on the bridge.
func (b *Bridge) deliver(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		b.log.Warn("marshal envelope failed", "type", env.Type, "err", err)
		return
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt-1, b.baseBackoff, b.maxBackoff)
			select {
			case <-b.done:
				return
			case <-time.After(backoff):
			}
		}

		retryable, err := b.post(payload, env.IdempotencyKey)
		if err == nil {
			if b.obs != nil {
				b.obs.BridgeDeliveries.WithLabelValues("delivered").Inc()
			}
			return
		}
		if !retryable {
			b.log.Warn("bridge delivery rejected",
				"type", env.Type, "idempotencyKey", env.IdempotencyKey, "err", err)
			if b.obs != nil {
				b.obs.BridgeDeliveries.WithLabelValues("rejected").Inc()
			}
			return
		}
		b.log.Debug("bridge delivery attempt failed",
			"type", env.Type, "attempt", attempt+1, "err", err)
	}

	b.log.Warn("bridge delivery exhausted retries, dropping envelope",
		"type", env.Type, "idempotencyKey", env.IdempotencyKey)
	if b.obs != nil {
		b.obs.BridgeDeliveries.WithLabelValues("dropped").Inc()
	}
}

func (b *Bridge) post(payload []byte, idempotencyKey string) (retryable bool, err error) {
	req, err := http.NewRequest(http.MethodPost, b.baseURL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("idempotency-key", idempotencyKey)
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	res, err := b.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return false, nil
	}
	return reliability.IsRetryableHTTPStatus(res.StatusCode),
		fmt.Errorf("bridge http status %d", res.StatusCode)
}

// EventIdempotencyKey derives a stable key from event content. json.Marshal
// emits map keys in sorted order, so equal payloads hash identically.
func EventIdempotencyKey(event protocol.SessionEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", event.Type, event.SessionID, event.AtMs)
	if event.Payload != nil {
		raw, err := json.Marshal(event.Payload)
		if err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func healthURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/health"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
