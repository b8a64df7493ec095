package ingress

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/antoniostano/levigw/internal/protocol"
)

// ErrInvalidPayload marks ingress payloads that fail structural validation.
// The boundary layer maps it to HTTP 400 {error: "invalid_payload"}.
var ErrInvalidPayload = errors.New("invalid_payload")

var (
	inboundSchema = jsonschema.MustCompileString("asterisk/inbound.json", `{
		"type": "object",
		"required": ["callId", "from", "to"],
		"properties": {
			"callId": {"type": "string", "minLength": 1},
			"from":   {"type": "string", "minLength": 1},
			"to":     {"type": "string", "minLength": 1}
		}
	}`)

	mediaSchema = jsonschema.MustCompileString("asterisk/media.json", `{
		"type": "object",
		"required": ["callId", "sampleRateHz", "encoding", "payloadBase64"],
		"properties": {
			"callId":        {"type": "string", "minLength": 1},
			"sampleRateHz":  {"type": "integer", "minimum": 1},
			"encoding":      {"type": "string", "enum": ["pcm_s16le", "mulaw"]},
			"payloadBase64": {"type": "string", "minLength": 1},
			"timestampMs":   {"type": "integer", "minimum": 0}
		}
	}`)

	endSchema = jsonschema.MustCompileString("asterisk/end.json", `{
		"type": "object",
		"anyOf": [
			{"required": ["callId"]},
			{"required": ["sessionId"]}
		],
		"properties": {
			"callId":    {"type": "string", "minLength": 1},
			"sessionId": {"type": "string", "minLength": 1},
			"source":    {"type": "string", "enum": ["sip-bridge", "webhook-stream"]}
		}
	}`)
)

// AsteriskMedia is a validated SIP-bridge media frame with the audio
// payload already base64-decoded. The session is still unresolved; the
// boundary layer maps CallID to a session before building an AudioFrame.
type AsteriskMedia struct {
	CallID       string
	SampleRateHz int
	Encoding     protocol.AudioEncoding
	TimestampMs  int64
	Payload      []byte
}

// AsteriskEnd identifies the session to terminate, by either external call
// id or gateway session id.
type AsteriskEnd struct {
	CallID    string
	SessionID string
	Source    protocol.IngressSource
}

// ParseAsteriskInbound validates a SIP-bridge handshake and maps it to the
// canonical incoming-call event.
func ParseAsteriskInbound(raw []byte) (protocol.IncomingCallEvent, error) {
	if err := validate(inboundSchema, raw); err != nil {
		return protocol.IncomingCallEvent{}, err
	}

	var body struct {
		CallID string `json:"callId"`
		From   string `json:"from"`
		To     string `json:"to"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return protocol.IncomingCallEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return protocol.IncomingCallEvent{
		Source:         protocol.SourceSIPBridge,
		ExternalCallID: body.CallID,
		From:           body.From,
		To:             body.To,
		ReceivedAtMs:   time.Now().UnixMilli(),
	}, nil
}

// ParseAsteriskMedia validates a SIP-bridge media frame and decodes its
// payload.
func ParseAsteriskMedia(raw []byte) (AsteriskMedia, error) {
	if err := validate(mediaSchema, raw); err != nil {
		return AsteriskMedia{}, err
	}

	var body struct {
		CallID        string `json:"callId"`
		SampleRateHz  int    `json:"sampleRateHz"`
		Encoding      string `json:"encoding"`
		PayloadBase64 string `json:"payloadBase64"`
		TimestampMs   *int64 `json:"timestampMs"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return AsteriskMedia{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	payload, err := base64.StdEncoding.DecodeString(body.PayloadBase64)
	if err != nil {
		return AsteriskMedia{}, fmt.Errorf("%w: payloadBase64 is not valid base64", ErrInvalidPayload)
	}

	// A client-paced timestamp of 0 is a legitimate stream origin; only an
	// absent field falls back to wall clock.
	var ts int64
	if body.TimestampMs != nil {
		ts = *body.TimestampMs
	} else {
		ts = time.Now().UnixMilli()
	}

	return AsteriskMedia{
		CallID:       body.CallID,
		SampleRateHz: body.SampleRateHz,
		Encoding:     protocol.AudioEncoding(body.Encoding),
		TimestampMs:  ts,
		Payload:      payload,
	}, nil
}

// ParseAsteriskEnd validates a SIP-bridge end request. When source is
// omitted it defaults to sip-bridge.
func ParseAsteriskEnd(raw []byte) (AsteriskEnd, error) {
	if err := validate(endSchema, raw); err != nil {
		return AsteriskEnd{}, err
	}

	var body struct {
		CallID    string `json:"callId"`
		SessionID string `json:"sessionId"`
		Source    string `json:"source"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return AsteriskEnd{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	source := protocol.IngressSource(body.Source)
	if body.Source == "" {
		source = protocol.SourceSIPBridge
	}

	return AsteriskEnd{
		CallID:    body.CallID,
		SessionID: body.SessionID,
		Source:    source,
	}, nil
}

func validate(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: malformed JSON", ErrInvalidPayload)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
