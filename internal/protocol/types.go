package protocol

// IngressSource identifies which telephony front door a call arrived on.
// External call IDs are namespaced by source to avoid collisions.
type IngressSource string

const (
	SourceSIPBridge     IngressSource = "sip-bridge"
	SourceWebhookStream IngressSource = "webhook-stream"
)

func (s IngressSource) IsValid() bool {
	switch s {
	case SourceSIPBridge, SourceWebhookStream:
		return true
	default:
		return false
	}
}

// LanguageCode is a closed set; the gateway only handles the en/es pair.
type LanguageCode string

const (
	LangEnglish LanguageCode = "en"
	LangSpanish LanguageCode = "es"
)

func (l LanguageCode) IsValid() bool {
	switch l {
	case LangEnglish, LangSpanish:
		return true
	default:
		return false
	}
}

// TargetFor returns the counterpart language for a source language.
func (l LanguageCode) TargetFor() LanguageCode {
	if l == LangSpanish {
		return LangEnglish
	}
	return LangSpanish
}

type SessionMode string

const (
	ModePrivateTranslation SessionMode = "private-translation"
	ModePassthrough        SessionMode = "passthrough"
)

func (m SessionMode) IsValid() bool {
	switch m {
	case ModePrivateTranslation, ModePassthrough:
		return true
	default:
		return false
	}
}

// SessionState transitions are monotonic: pending -> active -> (ended | failed).
type SessionState string

const (
	StatePending SessionState = "pending"
	StateActive  SessionState = "active"
	StateEnded   SessionState = "ended"
	StateFailed  SessionState = "failed"
)

func (s SessionState) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// CanTransition reports whether the state machine allows from -> to.
// Terminal states never transition (no resurrection).
func CanTransition(from, to SessionState) bool {
	switch from {
	case StatePending:
		return to == StateActive || to == StateEnded || to == StateFailed
	case StateActive:
		return to == StateEnded || to == StateFailed
	default:
		return false
	}
}

type AudioEncoding string

const (
	EncodingPCM16 AudioEncoding = "pcm_s16le"
	EncodingMulaw AudioEncoding = "mulaw"
)

func (e AudioEncoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingMulaw:
		return true
	default:
		return false
	}
}

// IncomingCallEvent is the canonical handshake produced by both ingress dialects.
type IncomingCallEvent struct {
	Source         IngressSource `json:"source"`
	ExternalCallID string        `json:"externalCallId"`
	From           string        `json:"from"`
	To             string        `json:"to"`
	ReceivedAtMs   int64         `json:"receivedAtMs"`
}

// AudioFrame is the inbound media unit consumed by the orchestrator.
type AudioFrame struct {
	SessionID    string        `json:"sessionId"`
	Source       IngressSource `json:"source"`
	SampleRateHz int           `json:"sampleRateHz"`
	Encoding     AudioEncoding `json:"encoding"`
	TimestampMs  int64         `json:"timestampMs"`
	Payload      []byte        `json:"payload"`
}

type TranscriptionChunk struct {
	SessionID   string       `json:"sessionId"`
	Text        string       `json:"text"`
	IsFinal     bool         `json:"isFinal"`
	Language    LanguageCode `json:"language"`
	TimestampMs int64        `json:"timestampMs"`
}

type TranslationChunk struct {
	SessionID      string       `json:"sessionId"`
	Text           string       `json:"text"`
	SourceLanguage LanguageCode `json:"sourceLanguage"`
	TargetLanguage LanguageCode `json:"targetLanguage"`
	TimestampMs    int64        `json:"timestampMs"`
}

// TtsChunk is the outbound media unit queued in the egress store.
type TtsChunk struct {
	SessionID    string        `json:"sessionId"`
	Encoding     AudioEncoding `json:"encoding"`
	SampleRateHz int           `json:"sampleRateHz"`
	Payload      []byte        `json:"payload"`
	TimestampMs  int64         `json:"timestampMs"`
}

type SessionEventType string

const (
	EventSessionStarted SessionEventType = "session.started"
	EventSessionEnded   SessionEventType = "session.ended"
	EventControlUpdated SessionEventType = "session.control.updated"
	EventTranscript     SessionEventType = "session.transcript"
	EventTranslation    SessionEventType = "session.translation"
)

// SessionEvent is the envelope handed to the external event bridge.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	SessionID string           `json:"sessionId"`
	AtMs      int64            `json:"atMs"`
	Payload   map[string]any   `json:"payload,omitempty"`
}
