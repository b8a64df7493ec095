package voice

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/antoniostano/levigw/internal/observability"
	"github.com/antoniostano/levigw/internal/protocol"
	"github.com/antoniostano/levigw/internal/session"
)

type countingSTT struct {
	calls int
	text  string
}

func (s *countingSTT) Name() string { return "counting-stt" }

func (s *countingSTT) Transcribe(_ context.Context, frame protocol.AudioFrame) (*protocol.TranscriptionChunk, error) {
	s.calls++
	if s.text == "" {
		return nil, nil
	}
	return &protocol.TranscriptionChunk{
		SessionID:   frame.SessionID,
		Text:        s.text,
		IsFinal:     true,
		Language:    protocol.LangSpanish,
		TimestampMs: frame.TimestampMs,
	}, nil
}

type echoTranslator struct{ calls int }

func (t *echoTranslator) Name() string { return "echo-mt" }

func (t *echoTranslator) Translate(_ context.Context, tr protocol.TranscriptionChunk) (*protocol.TranslationChunk, error) {
	t.calls++
	return &protocol.TranslationChunk{
		SessionID:      tr.SessionID,
		Text:           tr.Text,
		SourceLanguage: tr.Language,
		TargetLanguage: tr.Language.TargetFor(),
		TimestampMs:    tr.TimestampMs,
	}, nil
}

type fakeTTS struct{ calls int }

func (t *fakeTTS) Name() string { return "fake-tts" }

func (t *fakeTTS) Synthesize(_ context.Context, tr protocol.TranslationChunk) (*protocol.TtsChunk, error) {
	t.calls++
	return &protocol.TtsChunk{
		SessionID:    tr.SessionID,
		Encoding:     protocol.EncodingPCM16,
		SampleRateHz: 16000,
		Payload:      []byte{0, 0},
		TimestampMs:  tr.TimestampMs,
	}, nil
}

type harness struct {
	orch   *Orchestrator
	stt    *countingSTT
	mt     *echoTranslator
	tts    *fakeTTS
	events []protocol.SessionEvent
	chunks []protocol.TtsChunk
}

func newHarness(t *testing.T, minInterval time.Duration) *harness {
	t.Helper()
	h := &harness{
		stt: &countingSTT{text: "hola"},
		mt:  &echoTranslator{},
		tts: &fakeTTS{},
	}
	h.orch = NewOrchestrator(Params{
		Sessions:         session.NewStore(),
		STT:              h.stt,
		Translator:       h.mt,
		TTS:              h.tts,
		OutboundTarget:   "+15551230000",
		MinFrameInterval: minInterval,
		OnTtsChunk:       func(c protocol.TtsChunk) { h.chunks = append(h.chunks, c) },
		OnSessionEvent:   func(e protocol.SessionEvent) { h.events = append(h.events, e) },
		Metrics:          observability.NewMetrics(fmt.Sprintf("t%d", time.Now().UnixNano())),
	})
	return h
}

func (h *harness) start(t *testing.T) *session.CallSession {
	t.Helper()
	sess := h.orch.OnIncomingCall(protocol.IncomingCallEvent{
		Source:         protocol.SourceSIPBridge,
		ExternalCallID: "ast-001",
		From:           "+15557654321",
		ReceivedAtMs:   1000,
	})
	if sess == nil {
		t.Fatal("OnIncomingCall returned nil session")
	}
	return sess
}

func (h *harness) frame(sessionID string, ts int64) protocol.AudioFrame {
	return protocol.AudioFrame{
		SessionID:    sessionID,
		Source:       protocol.SourceSIPBridge,
		SampleRateHz: 16000,
		Encoding:     protocol.EncodingPCM16,
		TimestampMs:  ts,
		Payload:      []byte{1, 2, 3, 4},
	}
}

func TestIncomingCallIdempotent(t *testing.T) {
	h := newHarness(t, 0)

	first := h.start(t)
	if first.State != protocol.StateActive {
		t.Fatalf("state = %s, want active", first.State)
	}
	if len(h.events) != 1 || h.events[0].Type != protocol.EventSessionStarted {
		t.Fatalf("events = %v, want one session.started", h.events)
	}

	second := h.orch.OnIncomingCall(protocol.IncomingCallEvent{
		Source:         protocol.SourceSIPBridge,
		ExternalCallID: "ast-001",
		From:           "+15557654321",
	})
	if second.ID != first.ID {
		t.Fatalf("duplicate handshake minted a new session: %s vs %s", second.ID, first.ID)
	}
	if h.orch.sessions.Count() != 1 {
		t.Fatalf("session count = %d, want 1", h.orch.sessions.Count())
	}
	if len(h.events) != 1 {
		t.Fatalf("duplicate handshake re-emitted session.started, events = %d", len(h.events))
	}
}

func TestExternalIDsNamespacedBySource(t *testing.T) {
	h := newHarness(t, 0)

	a := h.orch.OnIncomingCall(protocol.IncomingCallEvent{
		Source: protocol.SourceSIPBridge, ExternalCallID: "shared-id",
	})
	b := h.orch.OnIncomingCall(protocol.IncomingCallEvent{
		Source: protocol.SourceWebhookStream, ExternalCallID: "shared-id",
	})
	if a.ID == b.ID {
		t.Fatal("sessions from different sources with the same external id must be distinct")
	}
}

func TestPipelineProducesOrderedEventsAndChunk(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t)

	h.orch.OnAudioFrame(context.Background(), h.frame(sess.ID, 10))

	if h.stt.calls != 1 || h.mt.calls != 1 || h.tts.calls != 1 {
		t.Fatalf("provider calls = stt %d mt %d tts %d, want 1/1/1", h.stt.calls, h.mt.calls, h.tts.calls)
	}
	if len(h.chunks) != 1 {
		t.Fatalf("tts chunks = %d, want 1", len(h.chunks))
	}
	if h.chunks[0].SessionID != sess.ID {
		t.Fatalf("chunk session = %s, want %s", h.chunks[0].SessionID, sess.ID)
	}

	// started, transcript, translation
	if len(h.events) != 3 {
		t.Fatalf("events = %d, want 3", len(h.events))
	}
	if h.events[1].Type != protocol.EventTranscript || h.events[2].Type != protocol.EventTranslation {
		t.Fatalf("event order = %s, %s", h.events[1].Type, h.events[2].Type)
	}

	m := h.orch.MetricsSnapshot()[sess.ID]
	if m.TranslatedChunks != 1 {
		t.Fatalf("translatedChunks = %d, want 1", m.TranslatedChunks)
	}
}

func TestPassthroughSkipsProviders(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t)

	mode := protocol.ModePassthrough
	if _, err := h.orch.UpdateSessionControl(sess.ID, session.ControlPatch{Mode: &mode}); err != nil {
		t.Fatalf("UpdateSessionControl() error = %v", err)
	}

	for ts := int64(0); ts < 5; ts++ {
		h.orch.OnAudioFrame(context.Background(), h.frame(sess.ID, ts*20))
	}

	if h.stt.calls != 0 {
		t.Fatalf("stt calls = %d, want 0 in passthrough", h.stt.calls)
	}
	m := h.orch.MetricsSnapshot()[sess.ID]
	if m.PassthroughFrames != 5 {
		t.Fatalf("passthroughFrames = %d, want 5", m.PassthroughFrames)
	}
	if len(h.chunks) != 0 {
		t.Fatalf("passthrough synthesized %d chunks", len(h.chunks))
	}
}

func TestFrameRateLimit(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	sess := h.start(t)

	// 0 passes, 50 is inside the window, 150 is 150ms past the last
	// accepted frame and passes.
	for _, ts := range []int64{0, 50, 150} {
		h.orch.OnAudioFrame(context.Background(), h.frame(sess.ID, ts))
	}

	if h.stt.calls != 2 {
		t.Fatalf("stt calls = %d, want 2", h.stt.calls)
	}
	m := h.orch.MetricsSnapshot()[sess.ID]
	if m.DroppedFrames != 1 {
		t.Fatalf("droppedFrames = %d, want 1", m.DroppedFrames)
	}
}

func TestSilentFrameStopsPipeline(t *testing.T) {
	h := newHarness(t, 0)
	h.stt.text = ""
	sess := h.start(t)

	h.orch.OnAudioFrame(context.Background(), h.frame(sess.ID, 10))

	if h.mt.calls != 0 || h.tts.calls != 0 {
		t.Fatalf("silent frame reached mt=%d tts=%d", h.mt.calls, h.tts.calls)
	}
	if len(h.events) != 1 {
		t.Fatalf("silent frame emitted pipeline events: %d", len(h.events))
	}
}

func TestUnknownSessionFrameDropped(t *testing.T) {
	h := newHarness(t, 0)

	h.orch.OnAudioFrame(context.Background(), h.frame("no-such-session", 0))

	if h.stt.calls != 0 {
		t.Fatalf("stt calls = %d, want 0", h.stt.calls)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t)
	h.orch.OnAudioFrame(context.Background(), h.frame(sess.ID, 10))

	ended, err := h.orch.EndSession(sess.ID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ended.State != protocol.StateEnded {
		t.Fatalf("state = %s, want ended", ended.State)
	}

	endedEvents := 0
	for _, e := range h.events {
		if e.Type == protocol.EventSessionEnded {
			endedEvents++
			if _, ok := e.Payload["metrics"]; !ok {
				t.Fatal("session.ended payload missing metrics snapshot")
			}
		}
	}
	if endedEvents != 1 {
		t.Fatalf("session.ended events = %d, want 1", endedEvents)
	}

	again, err := h.orch.EndSession(sess.ID)
	if err != nil {
		t.Fatalf("repeat EndSession() error = %v", err)
	}
	if again.State != protocol.StateEnded {
		t.Fatalf("repeat state = %s, want ended", again.State)
	}
	for _, e := range h.events {
		if e.Type == protocol.EventSessionEnded {
			endedEvents--
		}
	}
	if endedEvents != 0 {
		t.Fatal("repeat EndSession re-emitted session.ended")
	}

	// Frames after end are dropped without provider calls.
	before := h.stt.calls
	h.orch.OnAudioFrame(context.Background(), h.frame(sess.ID, 500))
	if h.stt.calls != before {
		t.Fatal("frame after end reached the pipeline")
	}
}

func TestControlPatchOnEndedSessionIsNoop(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t)
	if _, err := h.orch.EndSession(sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	events := len(h.events)
	mode := protocol.ModePassthrough
	got, err := h.orch.UpdateSessionControl(sess.ID, session.ControlPatch{Mode: &mode})
	if err != nil {
		t.Fatalf("UpdateSessionControl() error = %v", err)
	}
	if got.Mode != protocol.ModePrivateTranslation {
		t.Fatalf("mode = %s, want unchanged private-translation", got.Mode)
	}
	if len(h.events) != events {
		t.Fatal("control patch on ended session emitted an event")
	}
}

func TestNilMetricsDoesNotPanic(t *testing.T) {
	stt := &countingSTT{text: "hola"}
	orch := NewOrchestrator(Params{
		Sessions:       session.NewStore(),
		STT:            stt,
		Translator:     &echoTranslator{},
		TTS:            &fakeTTS{},
		OutboundTarget: "+15551230000",
	})

	sess := orch.OnIncomingCall(protocol.IncomingCallEvent{
		Source:         protocol.SourceSIPBridge,
		ExternalCallID: "ast-nil-metrics",
	})
	orch.OnAudioFrame(context.Background(), protocol.AudioFrame{
		SessionID:    sess.ID,
		Source:       protocol.SourceSIPBridge,
		SampleRateHz: 16000,
		Encoding:     protocol.EncodingPCM16,
		Payload:      []byte{1, 2},
	})
	if _, err := orch.EndSession(sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if stt.calls != 1 {
		t.Fatalf("stt calls = %d, want 1", stt.calls)
	}
}

func TestReportEgressStats(t *testing.T) {
	h := newHarness(t, 0)
	sess := h.start(t)

	h.orch.ReportEgressStats(sess.ID, 3, false)
	h.orch.ReportEgressStats(sess.ID, 5, true)
	h.orch.ReportEgressStats(sess.ID, 2, true)

	m := h.orch.MetricsSnapshot()[sess.ID]
	if m.EgressQueuePeak != 5 {
		t.Fatalf("egressQueuePeak = %d, want 5", m.EgressQueuePeak)
	}
	if m.EgressDropCount != 2 {
		t.Fatalf("egressDropCount = %d, want 2", m.EgressDropCount)
	}
}
