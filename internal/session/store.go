package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/levigw/internal/protocol"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrSessionClosed     = errors.New("session is closed")
	ErrInvalidControl    = errors.New("invalid control patch")
)

// CallSession is a single logical telephone call handled by the gateway.
type CallSession struct {
	ID             string                 `json:"id"`
	Source         protocol.IngressSource `json:"source"`
	ExternalCallID string                 `json:"externalCallId"`
	InboundCaller  string                 `json:"inboundCaller"`
	OutboundTarget string                 `json:"outboundTarget"`
	StartedAtMs    int64                  `json:"startedAtMs"`
	Mode           protocol.SessionMode   `json:"mode"`
	SourceLanguage protocol.LanguageCode  `json:"sourceLanguage"`
	TargetLanguage protocol.LanguageCode  `json:"targetLanguage"`
	State          protocol.SessionState  `json:"state"`
}

// ControlPatch updates mutable session fields; nil fields are left untouched.
type ControlPatch struct {
	Mode           *protocol.SessionMode
	SourceLanguage *protocol.LanguageCode
	TargetLanguage *protocol.LanguageCode
}

// Store owns CallSession records and the (source, externalCallId) index.
// Writes go through the orchestrator; lookups may be concurrent.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*CallSession
	byExternal map[string]string
}

func NewStore() *Store {
	return &Store{
		byID:       make(map[string]*CallSession),
		byExternal: make(map[string]string),
	}
}

func externalKey(source protocol.IngressSource, externalID string) string {
	return string(source) + ":" + externalID
}

// CreateFromIncoming mints a session for a handshake. It is not idempotent;
// de-duplication of repeated handshakes is the orchestrator's job.
func (s *Store) CreateFromIncoming(event protocol.IncomingCallEvent, outboundTarget string) *CallSession {
	startedAt := event.ReceivedAtMs
	if startedAt <= 0 {
		startedAt = time.Now().UnixMilli()
	}
	sess := &CallSession{
		ID:             uuid.NewString(),
		Source:         event.Source,
		ExternalCallID: event.ExternalCallID,
		InboundCaller:  event.From,
		OutboundTarget: outboundTarget,
		StartedAtMs:    startedAt,
		Mode:           protocol.ModePrivateTranslation,
		SourceLanguage: protocol.LangSpanish,
		TargetLanguage: protocol.LangEnglish,
		State:          protocol.StatePending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID] = sess
	s.byExternal[externalKey(event.Source, event.ExternalCallID)] = sess.ID
	return clone(sess)
}

func (s *Store) Get(id string) (*CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

func (s *Store) GetByExternal(source protocol.IngressSource, externalID string) (*CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalKey(source, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

// UpdateState applies a monotonic transition. Re-asserting a terminal state
// the session is already in is an idempotent no-op.
func (s *Store) UpdateState(id string, state protocol.SessionState) (*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.State == state && state.IsTerminal() {
		return clone(sess), nil
	}
	if !protocol.CanTransition(sess.State, state) {
		return nil, ErrInvalidTransition
	}
	sess.State = state
	return clone(sess), nil
}

// UpdateControl patches mode and language fields while the session is still
// pending or active.
func (s *Store) UpdateControl(id string, patch ControlPatch) (*CallSession, error) {
	if patch.Mode != nil && !patch.Mode.IsValid() {
		return nil, ErrInvalidControl
	}
	if patch.SourceLanguage != nil && !patch.SourceLanguage.IsValid() {
		return nil, ErrInvalidControl
	}
	if patch.TargetLanguage != nil && !patch.TargetLanguage.IsValid() {
		return nil, ErrInvalidControl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.State.IsTerminal() {
		return nil, ErrSessionClosed
	}
	if patch.Mode != nil {
		sess.Mode = *patch.Mode
	}
	if patch.SourceLanguage != nil {
		sess.SourceLanguage = *patch.SourceLanguage
	}
	if patch.TargetLanguage != nil {
		sess.TargetLanguage = *patch.TargetLanguage
	}
	return clone(sess), nil
}

// All returns a snapshot of every session, oldest first.
func (s *Store) All() []*CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CallSession, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, clone(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAtMs == out[j].StartedAtMs {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAtMs < out[j].StartedAtMs
	})
	return out
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func clone(sess *CallSession) *CallSession {
	c := *sess
	return &c
}
