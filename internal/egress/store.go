package egress

import (
	"sync"

	"github.com/antoniostano/levigw/internal/protocol"
)

const DefaultMaxPerSession = 64

// Store holds per-session FIFO queues of synthesized audio awaiting pickup
// by the telephony bridge. Overflow drops the oldest chunk: the most recent
// translated audio is the most valuable, and the leg must never stall.
type Store struct {
	mu            sync.Mutex
	queues        map[string]*queue
	maxPerSession int
}

type queue struct {
	mu     sync.Mutex
	chunks []protocol.TtsChunk
}

func NewStore(maxPerSession int) *Store {
	if maxPerSession < 1 {
		maxPerSession = DefaultMaxPerSession
	}
	return &Store{
		queues:        make(map[string]*queue),
		maxPerSession: maxPerSession,
	}
}

// Enqueue appends a chunk and reports the resulting queue size and whether
// the oldest chunk was dropped to make room.
func (s *Store) Enqueue(chunk protocol.TtsChunk) (int, bool) {
	s.mu.Lock()
	q, ok := s.queues[chunk.SessionID]
	if !ok {
		q = &queue{}
		s.queues[chunk.SessionID] = q
	}
	q.mu.Lock()
	s.mu.Unlock()
	defer q.mu.Unlock()

	dropped := false
	if len(q.chunks) >= s.maxPerSession {
		q.chunks = q.chunks[1:]
		dropped = true
	}
	q.chunks = append(q.chunks, chunk)
	return len(q.chunks), dropped
}

// Dequeue pops the oldest chunk, or returns nil when nothing is queued.
// Emptied queues are removed from the map so ended sessions do not leak.
func (s *Store) Dequeue(sessionID string) *protocol.TtsChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[sessionID]
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		delete(s.queues, sessionID)
		return nil
	}
	chunk := q.chunks[0]
	q.chunks = q.chunks[1:]
	if len(q.chunks) == 0 {
		delete(s.queues, sessionID)
	}
	return &chunk
}

func (s *Store) Size(sessionID string) int {
	s.mu.Lock()
	q, ok := s.queues[sessionID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	q.mu.Lock()
	s.mu.Unlock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, sessionID)
}
