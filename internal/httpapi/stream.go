package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/levigw/internal/ingress"
	"github.com/antoniostano/levigw/internal/protocol"
)

const (
	streamReadLimit    = 2 << 20
	streamReadTimeout  = 120 * time.Second
	streamWriteTimeout = 10 * time.Second
	egressPollInterval = 100 * time.Millisecond
)

// outboundMedia is the frame shape the provider expects back on the stream.
type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// handleTwilioStream owns one media-stream connection. The read loop maps
// stream messages to canonical frames; a writer goroutine polls the egress
// store and pushes synthesized audio back over the same socket.
func (s *Server) handleTwilioStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(streamReadLimit)
	conn.SetReadDeadline(time.Now().Add(s.streamIdleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.streamIdleTimeout))
		return nil
	})

	var (
		sessionID  string
		streamSid  string
		writerDone chan struct{}
	)
	defer func() {
		cancel()
		if writerDone != nil {
			<-writerDone
		}
		if sessionID != "" {
			if _, err := s.orch.EndSession(sessionID); err == nil {
				s.egress.Clear(sessionID)
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// The provider streams media continuously and never pings, so every
		// inbound message counts as liveness.
		conn.SetReadDeadline(time.Now().Add(s.streamIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseTwilioStreamMessage(data)
		if err != nil {
			s.log.Warn("unparseable stream message", "err", err)
			continue
		}

		switch msg := parsed.(type) {
		case protocol.TwilioConnected:
			// Informational only.

		case protocol.TwilioStart:
			sess, err := s.sessions.GetByExternal(protocol.SourceWebhookStream, msg.Start.CallSid)
			if err != nil {
				// The voice webhook normally precedes the stream; tolerate a
				// stream-first provider by creating the session here.
				sess = s.orch.OnIncomingCall(protocol.IncomingCallEvent{
					Source:         protocol.SourceWebhookStream,
					ExternalCallID: msg.Start.CallSid,
					ReceivedAtMs:   time.Now().UnixMilli(),
				})
			}
			sessionID = sess.ID
			streamSid = msg.StreamSid
			if streamSid == "" {
				streamSid = msg.Start.StreamSid
			}
			writerDone = make(chan struct{})
			go s.streamEgressWriter(ctx, conn, sessionID, streamSid, writerDone)
			s.log.Info("media stream started", "sessionId", sessionID, "streamSid", streamSid)

		case protocol.TwilioMedia:
			if sessionID == "" {
				continue
			}
			frame, err := ingress.MediaFrameFromStream(sessionID, msg)
			if err != nil {
				s.log.Warn("invalid media payload", "sessionId", sessionID, "err", err)
				continue
			}
			s.orch.OnAudioFrame(ctx, frame)

		case protocol.TwilioStop:
			if sessionID != "" {
				if _, err := s.orch.EndSession(sessionID); err == nil {
					s.egress.Clear(sessionID)
				}
				s.log.Info("media stream stopped", "sessionId", sessionID)
				sessionID = ""
			}
			return
		}
	}
}

// streamEgressWriter drains the session's egress queue onto the websocket.
// Writes are single-threaded on this goroutine; the read loop never writes.
func (s *Server) streamEgressWriter(ctx context.Context, conn *websocket.Conn, sessionID, streamSid string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(egressPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				chunk := s.egress.Dequeue(sessionID)
				if chunk == nil {
					break
				}
				out := outboundMedia{Event: "media", StreamSid: streamSid}
				out.Media.Payload = base64.StdEncoding.EncodeToString(chunk.Payload)
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			}
		}
	}
}
