package ingress

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/url"
	"time"

	"github.com/antoniostano/levigw/internal/protocol"
)

const (
	twilioSampleRateHz = 8000
)

// ParseTwilioVoiceWebhook maps the form-encoded voice webhook to the
// canonical incoming-call event. CallSid is required; From and To may be
// withheld by the provider for anonymous callers.
func ParseTwilioVoiceWebhook(form url.Values) (protocol.IncomingCallEvent, error) {
	callSid := form.Get("CallSid")
	if callSid == "" {
		return protocol.IncomingCallEvent{}, fmt.Errorf("%w: missing CallSid", ErrInvalidPayload)
	}
	return protocol.IncomingCallEvent{
		Source:         protocol.SourceWebhookStream,
		ExternalCallID: callSid,
		From:           form.Get("From"),
		To:             form.Get("To"),
		ReceivedAtMs:   time.Now().UnixMilli(),
	}, nil
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     string   `xml:"Say,omitempty"`
	Dial    string   `xml:"Dial"`
}

// DialTwiML renders the XML instruction that bridges the caller to the
// outbound target.
func DialTwiML(target string) []byte {
	doc, err := xml.Marshal(twimlResponse{
		Say:  "Connecting your call.",
		Dial: target,
	})
	if err != nil {
		// Marshalling a flat struct of strings cannot fail.
		return []byte("<Response></Response>")
	}
	return append([]byte(xml.Header), doc...)
}

// MediaFrameFromStream converts a media stream message into an AudioFrame
// for an already-resolved session. The stream dialect is fixed at
// mulaw/8000; the payload arrives base64-encoded.
func MediaFrameFromStream(sessionID string, msg protocol.TwilioMedia) (protocol.AudioFrame, error) {
	payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		return protocol.AudioFrame{}, fmt.Errorf("%w: media payload is not valid base64", ErrInvalidPayload)
	}

	ts := msg.TimestampMs()
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	return protocol.AudioFrame{
		SessionID:    sessionID,
		Source:       protocol.SourceWebhookStream,
		SampleRateHz: twilioSampleRateHz,
		Encoding:     protocol.EncodingMulaw,
		TimestampMs:  ts,
		Payload:      payload,
	}, nil
}
