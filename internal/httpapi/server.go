package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/levigw/internal/calllog"
	"github.com/antoniostano/levigw/internal/config"
	"github.com/antoniostano/levigw/internal/egress"
	"github.com/antoniostano/levigw/internal/ingress"
	"github.com/antoniostano/levigw/internal/observability"
	"github.com/antoniostano/levigw/internal/openclaw"
	"github.com/antoniostano/levigw/internal/protocol"
	"github.com/antoniostano/levigw/internal/session"
	"github.com/antoniostano/levigw/internal/voice"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP and WebSocket boundary of the gateway.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	sessions *session.Store
	orch     *voice.Orchestrator
	egress   *egress.Store
	bridge   *openclaw.Bridge
	metrics  *observability.Metrics
	archive  calllog.Store
	upgrader websocket.Upgrader

	// streamIdleTimeout closes a media stream that has gone silent. Media
	// arrives every 20ms on a live call, so idle means the leg is gone.
	streamIdleTimeout time.Duration
}

func New(cfg config.Config, logger *slog.Logger, sessions *session.Store, orch *voice.Orchestrator, egressStore *egress.Store, bridge *openclaw.Bridge, metrics *observability.Metrics, archive calllog.Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:               cfg,
		log:               logger.With("component", "httpapi"),
		sessions:          sessions,
		orch:              orch,
		egress:            egressStore,
		bridge:            bridge,
		metrics:           metrics,
		archive:           archive,
		streamIdleTimeout: streamReadTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The media stream peer is a telephony provider, not a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.rejectStrayUpgrades)

	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/metrics", s.handleMetricsSnapshot)
	r.Get("/metrics/prom", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/twilio/voice", s.handleTwilioVoice)
	r.Get("/twilio/stream", s.handleTwilioStream)

	r.Group(func(r chi.Router) {
		r.Use(requireSecret(headerAsteriskSecret, s.cfg.AsteriskSharedSecret))
		r.Post("/asterisk/inbound", s.handleAsteriskInbound)
		r.Post("/asterisk/media", s.handleAsteriskMedia)
		r.Post("/asterisk/end", s.handleAsteriskEnd)
		r.Get("/asterisk/egress/next", s.handleEgressNext)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireSecret(headerControlSecret, s.cfg.ControlAPISecret))
		r.Post("/sessions/control", s.handleSessionControl)
		r.Post("/openclaw/command", s.handleOpenClawCommand)
		r.Get("/sessions/{id}/calllog", s.handleSessionCallLog)
	})

	return r
}

// rejectStrayUpgrades closes websocket upgrade attempts on any path other
// than the media stream endpoint.
func (s *Server) rejectStrayUpgrades(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) && r.URL.Path != "/twilio/stream" {
			respondError(w, http.StatusBadRequest, "websocket not supported on this path")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"sessions":      s.sessions.Count(),
		"bridgeEnabled": s.bridge != nil && s.bridge.Enabled(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.All()})
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.orch.MetricsSnapshot()})
}

func (s *Server) handleAsteriskInbound(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	event, err := ingress.ParseAsteriskInbound(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	sess := s.orch.OnIncomingCall(event)
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId":  sess.ID,
		"dialTarget": sess.OutboundTarget,
		"state":      sess.State,
	})
}

func (s *Server) handleAsteriskMedia(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	media, err := ingress.ParseAsteriskMedia(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	sess, err := s.sessions.GetByExternal(protocol.SourceSIPBridge, media.CallID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found")
		return
	}

	s.orch.OnAudioFrame(r.Context(), protocol.AudioFrame{
		SessionID:    sess.ID,
		Source:       protocol.SourceSIPBridge,
		SampleRateHz: media.SampleRateHz,
		Encoding:     media.Encoding,
		TimestampMs:  media.TimestampMs,
		Payload:      media.Payload,
	})
	respondJSON(w, http.StatusAccepted, map[string]any{
		"accepted":  true,
		"sessionId": sess.ID,
	})
}

func (s *Server) handleAsteriskEnd(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	end, err := ingress.ParseAsteriskEnd(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	sessionID := end.SessionID
	if sessionID == "" {
		sess, err := s.sessions.GetByExternal(end.Source, end.CallID)
		if err != nil {
			respondError(w, http.StatusNotFound, "session_not_found")
			return
		}
		sessionID = sess.ID
	}

	sess, err := s.orch.EndSession(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found")
		return
	}
	s.egress.Clear(sess.ID)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEgressNext(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("callId"))
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	source := protocol.IngressSource(r.URL.Query().Get("source"))
	if source == "" {
		source = protocol.SourceSIPBridge
	}

	if sessionID == "" {
		if callID == "" {
			respondError(w, http.StatusBadRequest, "invalid_payload")
			return
		}
		sess, err := s.sessions.GetByExternal(source, callID)
		if err != nil {
			respondError(w, http.StatusNotFound, "session_not_found")
			return
		}
		sessionID = sess.ID
	}

	chunk := s.egress.Dequeue(sessionID)
	if chunk == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId":      chunk.SessionID,
		"encoding":       chunk.Encoding,
		"sampleRateHz":   chunk.SampleRateHz,
		"timestampMs":    chunk.TimestampMs,
		"payloadBase64":  base64.StdEncoding.EncodeToString(chunk.Payload),
		"remainingQueue": s.egress.Size(sessionID),
	})
}

func (s *Server) handleTwilioVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	if !s.verifyTwilioSignature(r, r.PostForm) {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	event, err := ingress.ParseTwilioVoiceWebhook(r.PostForm)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	sess := s.orch.OnIncomingCall(event)
	s.log.Info("webhook dial", "sessionId", sess.ID, "dialTarget", sess.OutboundTarget)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(ingress.DialTwiML(sess.OutboundTarget))
}

type controlRequest struct {
	SessionID      string `json:"sessionId"`
	Mode           string `json:"mode"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
}

func (s *Server) handleSessionControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	var patch session.ControlPatch
	if req.Mode != "" {
		m := protocol.SessionMode(req.Mode)
		patch.Mode = &m
	}
	if req.SourceLanguage != "" {
		l := protocol.LanguageCode(req.SourceLanguage)
		patch.SourceLanguage = &l
	}
	if req.TargetLanguage != "" {
		l := protocol.LanguageCode(req.TargetLanguage)
		patch.TargetLanguage = &l
	}

	sess, err := s.orch.UpdateSessionControl(req.SessionID, patch)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, sess)
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, session.ErrInvalidControl):
		respondError(w, http.StatusBadRequest, "invalid_payload")
	default:
		s.log.Error("control update failed", "sessionId", req.SessionID, "err", err)
		respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

// handleSessionCallLog serves the archived transcript/translation tail for
// operator debugging.
func (s *Server) handleSessionCallLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found")
		return
	}
	if s.archive == nil {
		respondJSON(w, http.StatusOK, map[string]any{"entries": []calllog.Entry{}})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid_payload")
			return
		}
		limit = n
	}

	entries, err := s.archive.Recent(r.Context(), id, limit)
	if err != nil {
		s.log.Error("call log read failed", "sessionId", id, "err", err)
		respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if entries == nil {
		entries = []calllog.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type commandRequest struct {
	Text    string         `json:"text"`
	Context map[string]any `json:"context"`
}

func (s *Server) handleOpenClawCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	if s.bridge == nil || !s.bridge.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "bridge_disabled")
		return
	}

	s.bridge.PublishCommand(openclaw.Command{Text: req.Text, Context: req.Context})
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
