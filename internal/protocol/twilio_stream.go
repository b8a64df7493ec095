package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TwilioStreamEvent identifies media stream websocket payload variants.
type TwilioStreamEvent string

const (
	TwilioEventConnected TwilioStreamEvent = "connected"
	TwilioEventStart     TwilioStreamEvent = "start"
	TwilioEventMedia     TwilioStreamEvent = "media"
	TwilioEventStop      TwilioStreamEvent = "stop"
)

var ErrUnsupportedStreamEvent = errors.New("unsupported stream event")

type twilioStreamEnvelope struct {
	Event TwilioStreamEvent `json:"event"`
}

type TwilioConnected struct {
	Event    TwilioStreamEvent `json:"event"`
	Protocol string            `json:"protocol"`
	Version  string            `json:"version"`
}

type TwilioStart struct {
	Event     TwilioStreamEvent `json:"event"`
	StreamSid string            `json:"streamSid"`
	Start     struct {
		CallSid   string `json:"callSid"`
		StreamSid string `json:"streamSid"`
	} `json:"start"`
}

type TwilioMedia struct {
	Event     TwilioStreamEvent `json:"event"`
	StreamSid string            `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
		// Twilio serializes the stream-relative timestamp as a string.
		Timestamp json.Number `json:"timestamp"`
	} `json:"media"`
}

// TimestampMs returns the media timestamp in milliseconds, 0 when absent.
func (m TwilioMedia) TimestampMs() int64 {
	v := strings.TrimSpace(m.Media.Timestamp.String())
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type TwilioStop struct {
	Event     TwilioStreamEvent `json:"event"`
	StreamSid string            `json:"streamSid"`
	Stop      struct {
		CallSid string `json:"callSid"`
	} `json:"stop"`
}

// ParseTwilioStreamMessage decodes one websocket text frame into its typed variant.
func ParseTwilioStreamMessage(raw []byte) (any, error) {
	var env twilioStreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid stream envelope: %w", err)
	}

	switch env.Event {
	case TwilioEventConnected:
		var msg TwilioConnected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TwilioEventStart:
		var msg TwilioStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Start.CallSid == "" {
			return nil, errors.New("start message missing callSid")
		}
		return msg, nil
	case TwilioEventMedia:
		var msg TwilioMedia
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("media message missing payload")
		}
		return msg, nil
	case TwilioEventStop:
		var msg TwilioStop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedStreamEvent
	}
}
