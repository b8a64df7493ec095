package ingress

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/antoniostano/levigw/internal/protocol"
)

func TestParseTwilioVoiceWebhook(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA_TEST")
	form.Set("From", "+15551234567")
	form.Set("To", "+18005550199")

	event, err := ParseTwilioVoiceWebhook(form)
	if err != nil {
		t.Fatalf("ParseTwilioVoiceWebhook() error = %v", err)
	}
	if event.Source != protocol.SourceWebhookStream {
		t.Fatalf("source = %s", event.Source)
	}
	if event.ExternalCallID != "CA_TEST" || event.From != "+15551234567" {
		t.Fatalf("event = %+v", event)
	}
}

func TestParseTwilioVoiceWebhookRequiresCallSid(t *testing.T) {
	if _, err := ParseTwilioVoiceWebhook(url.Values{}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("error = %v, want ErrInvalidPayload", err)
	}
}

func TestDialTwiML(t *testing.T) {
	doc := string(DialTwiML("+15555550100"))
	if !strings.Contains(doc, "<Dial>+15555550100</Dial>") {
		t.Fatalf("TwiML missing dial instruction: %s", doc)
	}
	if !strings.HasPrefix(doc, "<?xml") {
		t.Fatalf("TwiML missing XML header: %s", doc)
	}
}

func TestMediaFrameFromStream(t *testing.T) {
	var msg protocol.TwilioMedia
	msg.Media.Payload = "AQID"
	msg.Media.Timestamp = json.Number("1534")

	frame, err := MediaFrameFromStream("sess-1", msg)
	if err != nil {
		t.Fatalf("MediaFrameFromStream() error = %v", err)
	}
	if frame.SessionID != "sess-1" || frame.Source != protocol.SourceWebhookStream {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Encoding != protocol.EncodingMulaw || frame.SampleRateHz != 8000 {
		t.Fatalf("stream dialect must be mulaw/8000, got %s/%d", frame.Encoding, frame.SampleRateHz)
	}
	if frame.TimestampMs != 1534 {
		t.Fatalf("timestampMs = %d, want 1534", frame.TimestampMs)
	}
	if len(frame.Payload) != 3 {
		t.Fatalf("payload = %v", frame.Payload)
	}
}

func TestMediaFrameFromStreamRejectsBadBase64(t *testing.T) {
	var msg protocol.TwilioMedia
	msg.Media.Payload = "%%%"
	if _, err := MediaFrameFromStream("sess-1", msg); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("error = %v, want ErrInvalidPayload", err)
	}
}
