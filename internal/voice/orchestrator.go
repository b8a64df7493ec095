package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/levigw/internal/calllog"
	"github.com/antoniostano/levigw/internal/observability"
	"github.com/antoniostano/levigw/internal/protocol"
	"github.com/antoniostano/levigw/internal/providers"
	"github.com/antoniostano/levigw/internal/session"
)

const archiveTimeout = 2 * time.Second

// TtsChunkHandler receives each synthesized chunk; the boundary layer uses
// it to enqueue into the egress store and report queue stats back.
type TtsChunkHandler func(chunk protocol.TtsChunk)

// SessionEventHandler receives lifecycle and pipeline events for the
// external event bridge. Handlers must not block.
type SessionEventHandler func(event protocol.SessionEvent)

// Params carries orchestrator dependencies.
type Params struct {
	Logger           *slog.Logger
	Sessions         *session.Store
	STT              providers.STTProvider
	Translator       providers.TranslationProvider
	TTS              providers.TTSProvider
	OutboundTarget   string
	MinFrameInterval time.Duration
	OnTtsChunk       TtsChunkHandler
	OnSessionEvent   SessionEventHandler
	Metrics          *observability.Metrics
	CallLog          calllog.Store
}

// Orchestrator is the single pipeline owner: it resolves sessions, drives
// the STT -> MT -> TTS stages per frame, accounts metrics, and emits
// session events. It absorbs all pipeline errors; nothing propagates to
// the boundary layer.
type Orchestrator struct {
	log              *slog.Logger
	sessions         *session.Store
	stt              providers.STTProvider
	translator       providers.TranslationProvider
	tts              providers.TTSProvider
	outboundTarget   string
	minFrameInterval time.Duration
	onTtsChunk       TtsChunkHandler
	onSessionEvent   SessionEventHandler
	obs              *observability.Metrics
	archive          calllog.Store

	mu          sync.Mutex
	lastFrameTs map[string]int64
	metrics     map[string]*SessionMetrics
}

func NewOrchestrator(p Params) *Orchestrator {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := p.Metrics
	if obs == nil {
		obs = observability.NewUnregisteredMetrics()
	}
	return &Orchestrator{
		log:              logger.With("component", "orchestrator"),
		sessions:         p.Sessions,
		stt:              p.STT,
		translator:       p.Translator,
		tts:              p.TTS,
		outboundTarget:   p.OutboundTarget,
		minFrameInterval: p.MinFrameInterval,
		onTtsChunk:       p.OnTtsChunk,
		onSessionEvent:   p.OnSessionEvent,
		obs:              obs,
		archive:          p.CallLog,
		lastFrameTs:      make(map[string]int64),
		metrics:          make(map[string]*SessionMetrics),
	}
}

// OnIncomingCall resolves or creates the session for a handshake. Repeated
// handshakes for the same (source, externalCallId) are idempotent: the
// ingress may retry. The session.started event is emitted only after the
// pending -> active transition so no subscriber learns of a session a
// concurrent lookup cannot already see as active.
func (o *Orchestrator) OnIncomingCall(event protocol.IncomingCallEvent) *session.CallSession {
	if existing, err := o.sessions.GetByExternal(event.Source, event.ExternalCallID); err == nil {
		o.log.Info("duplicate incoming call handshake",
			"source", event.Source, "externalCallId", event.ExternalCallID, "sessionId", existing.ID)
		o.obs.SessionEvents.WithLabelValues("duplicate_handshake").Inc()
		return existing
	}

	sess := o.sessions.CreateFromIncoming(event, o.outboundTarget)
	activated, err := o.sessions.UpdateState(sess.ID, protocol.StateActive)
	if err != nil {
		// Creation and activation are local, lock-ordered operations; a
		// failure here means the session raced to a terminal state.
		o.log.Warn("session activation failed", "sessionId", sess.ID, "err", err)
		return sess
	}

	o.obs.SessionEvents.WithLabelValues("created").Inc()
	o.obs.ActiveSessions.Inc()
	o.log.Info("session started",
		"sessionId", activated.ID, "source", activated.Source,
		"from", activated.InboundCaller, "to", activated.OutboundTarget)

	o.emit(protocol.SessionEvent{
		Type:      protocol.EventSessionStarted,
		SessionID: activated.ID,
		AtMs:      activated.StartedAtMs,
		Payload: map[string]any{
			"source":         activated.Source,
			"externalCallId": activated.ExternalCallID,
			"inboundCaller":  activated.InboundCaller,
			"outboundTarget": activated.OutboundTarget,
			"sourceLanguage": activated.SourceLanguage,
			"targetLanguage": activated.TargetLanguage,
		},
	})
	return activated
}

// OnAudioFrame runs the per-frame pipeline. Provider failures surface as
// skipped frames, never as errors to the caller.
func (o *Orchestrator) OnAudioFrame(ctx context.Context, frame protocol.AudioFrame) {
	sess, err := o.sessions.Get(frame.SessionID)
	if err != nil {
		o.log.Warn("audio frame for unknown session", "sessionId", frame.SessionID)
		o.obs.Frames.WithLabelValues("unknown_session").Inc()
		return
	}
	if sess.State.IsTerminal() {
		o.log.Warn("audio frame for closed session", "sessionId", frame.SessionID, "state", sess.State)
		o.obs.Frames.WithLabelValues("closed_session").Inc()
		return
	}

	if sess.Mode == protocol.ModePassthrough {
		o.updateMetrics(sess.ID, func(m *SessionMetrics) { m.PassthroughFrames++ })
		o.obs.Frames.WithLabelValues("passthrough").Inc()
		return
	}

	if o.rateLimited(sess.ID, frame.TimestampMs) {
		o.updateMetrics(sess.ID, func(m *SessionMetrics) { m.DroppedFrames++ })
		o.obs.Frames.WithLabelValues("rate_limited").Inc()
		return
	}

	sttStart := time.Now()
	transcript, err := o.stt.Transcribe(ctx, frame)
	sttLatency := time.Since(sttStart)
	if err != nil {
		o.log.Warn("stt failed", "sessionId", sess.ID, "provider", o.stt.Name(), "err", err)
		o.obs.ProviderErrors.WithLabelValues(o.stt.Name(), "stt").Inc()
		transcript = nil
	}
	o.updateMetrics(sess.ID, func(m *SessionMetrics) { m.SttLatencyMs = sttLatency.Milliseconds() })
	if transcript == nil || strings.TrimSpace(transcript.Text) == "" {
		o.obs.Frames.WithLabelValues("silent").Inc()
		return
	}

	o.emit(protocol.SessionEvent{
		Type:      protocol.EventTranscript,
		SessionID: sess.ID,
		AtMs:      transcript.TimestampMs,
		Payload: map[string]any{
			"text":     transcript.Text,
			"isFinal":  transcript.IsFinal,
			"language": transcript.Language,
		},
	})
	o.archiveEntry(calllog.Entry{
		SessionID: sess.ID,
		Kind:      calllog.KindTranscript,
		Text:      transcript.Text,
		Language:  string(transcript.Language),
		AtMs:      transcript.TimestampMs,
	})

	mtStart := time.Now()
	translation, err := o.translator.Translate(ctx, *transcript)
	mtLatency := time.Since(mtStart)
	if err != nil {
		o.log.Warn("translation failed", "sessionId", sess.ID, "provider", o.translator.Name(), "err", err)
		o.obs.ProviderErrors.WithLabelValues(o.translator.Name(), "mt").Inc()
		translation = nil
	}
	o.updateMetrics(sess.ID, func(m *SessionMetrics) { m.TranslationLatencyMs = mtLatency.Milliseconds() })
	if translation == nil {
		o.obs.Frames.WithLabelValues("untranslated").Inc()
		return
	}

	o.emit(protocol.SessionEvent{
		Type:      protocol.EventTranslation,
		SessionID: sess.ID,
		AtMs:      translation.TimestampMs,
		Payload: map[string]any{
			"text":           translation.Text,
			"sourceLanguage": translation.SourceLanguage,
			"targetLanguage": translation.TargetLanguage,
		},
	})
	o.archiveEntry(calllog.Entry{
		SessionID: sess.ID,
		Kind:      calllog.KindTranslation,
		Text:      translation.Text,
		Language:  string(translation.TargetLanguage),
		AtMs:      translation.TimestampMs,
	})

	ttsStart := time.Now()
	ttsChunk, err := o.tts.Synthesize(ctx, *translation)
	ttsLatency := time.Since(ttsStart)
	if err != nil {
		o.log.Warn("tts failed", "sessionId", sess.ID, "provider", o.tts.Name(), "err", err)
		o.obs.ProviderErrors.WithLabelValues(o.tts.Name(), "tts").Inc()
		ttsChunk = nil
	}
	if ttsChunk != nil && o.onTtsChunk != nil {
		o.onTtsChunk(*ttsChunk)
	}

	pipeline := sttLatency + mtLatency + ttsLatency
	o.updateMetrics(sess.ID, func(m *SessionMetrics) {
		m.TtsLatencyMs = ttsLatency.Milliseconds()
		m.PipelineLatencyMs = pipeline.Milliseconds()
		m.TranslatedChunks++
	})
	o.obs.Frames.WithLabelValues("translated").Inc()
	o.obs.ObservePipelineLatency(pipeline)
}

// UpdateSessionControl applies a validated control patch and emits
// session.control.updated. Patching an ended session is a no-op that
// returns the session unchanged.
func (o *Orchestrator) UpdateSessionControl(id string, patch session.ControlPatch) (*session.CallSession, error) {
	updated, err := o.sessions.UpdateControl(id, patch)
	if err != nil {
		if err == session.ErrSessionClosed {
			return o.sessions.Get(id)
		}
		return nil, err
	}

	o.obs.SessionEvents.WithLabelValues("control_updated").Inc()
	o.emit(protocol.SessionEvent{
		Type:      protocol.EventControlUpdated,
		SessionID: updated.ID,
		AtMs:      time.Now().UnixMilli(),
		Payload: map[string]any{
			"mode":           updated.Mode,
			"sourceLanguage": updated.SourceLanguage,
			"targetLanguage": updated.TargetLanguage,
		},
	})
	return updated, nil
}

// EndSession transitions to ended idempotently and emits session.ended with
// a final metrics snapshot. Repeat calls return the ended session without
// re-emitting.
func (o *Orchestrator) EndSession(id string) (*session.CallSession, error) {
	sess, err := o.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return sess, nil
	}

	ended, err := o.sessions.UpdateState(id, protocol.StateEnded)
	if err != nil {
		// Lost a race against another terminal transition.
		return o.sessions.Get(id)
	}

	o.mu.Lock()
	delete(o.lastFrameTs, id)
	var final SessionMetrics
	if m, ok := o.metrics[id]; ok {
		final = *m
	}
	o.mu.Unlock()

	o.obs.SessionEvents.WithLabelValues("ended").Inc()
	o.obs.ActiveSessions.Dec()
	o.log.Info("session ended", "sessionId", id, "translatedChunks", final.TranslatedChunks)

	o.emit(protocol.SessionEvent{
		Type:      protocol.EventSessionEnded,
		SessionID: id,
		AtMs:      time.Now().UnixMilli(),
		Payload:   map[string]any{"metrics": final},
	})
	return ended, nil
}

// ReportEgressStats records queue depth and overflow drops observed by the
// boundary layer after each enqueue.
func (o *Orchestrator) ReportEgressStats(sessionID string, queueSize int, droppedOldest bool) {
	o.updateMetrics(sessionID, func(m *SessionMetrics) {
		if queueSize > m.EgressQueuePeak {
			m.EgressQueuePeak = queueSize
		}
		if droppedOldest {
			m.EgressDropCount++
		}
	})
	if droppedOldest {
		o.obs.EgressDrops.Inc()
	}
}

// MetricsSnapshot copies all per-session metrics for the /metrics route.
func (o *Orchestrator) MetricsSnapshot() map[string]SessionMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]SessionMetrics, len(o.metrics))
	for id, m := range o.metrics {
		out[id] = *m
	}
	return out
}

// rateLimited enforces the per-session minimum frame interval using the
// frame's own timestamp (client-side pacing, not wall clock). Frames that
// pass advance the window; dropped frames do not.
func (o *Orchestrator) rateLimited(sessionID string, timestampMs int64) bool {
	if o.minFrameInterval <= 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	last, ok := o.lastFrameTs[sessionID]
	if ok && timestampMs-last < o.minFrameInterval.Milliseconds() {
		return true
	}
	o.lastFrameTs[sessionID] = timestampMs
	return false
}

func (o *Orchestrator) updateMetrics(sessionID string, fn func(*SessionMetrics)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.metrics[sessionID]
	if !ok {
		m = &SessionMetrics{}
		o.metrics[sessionID] = m
	}
	fn(m)
}

func (o *Orchestrator) emit(event protocol.SessionEvent) {
	if o.onSessionEvent == nil {
		return
	}
	o.onSessionEvent(event)
}

func (o *Orchestrator) archiveEntry(entry calllog.Entry) {
	if o.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := o.archive.Append(ctx, entry); err != nil {
			o.log.Warn("call log append failed", "sessionId", entry.SessionID, "err", err)
		}
	}()
}
