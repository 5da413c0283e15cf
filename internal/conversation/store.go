package conversation

import (
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type thread struct {
	mu    sync.Mutex
	turns []Turn
}

// Store keeps conversation histories in memory, keyed by conversation id.
// Appends to one id are serialized; different ids do not contend beyond
// the brief map lookup. When maxTurns is positive only the most recent
// maxTurns turns of each conversation are kept.
type Store struct {
	mu       sync.Mutex
	threads  map[string]*thread
	maxTurns int
}

// NewStore creates an empty Store. maxTurns <= 0 keeps every turn.
func NewStore(maxTurns int) *Store {
	return &Store{threads: make(map[string]*thread), maxTurns: maxTurns}
}

func (s *Store) thread(id string, create bool) *thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok && create {
		t = &thread{}
		s.threads[id] = t
	}
	return t
}

// Append adds turns to the conversation, creating it if absent. The turns
// are appended together, so a user/assistant pair is never interleaved
// with another request's pair. Zero timestamps are set to now.
func (s *Store) Append(id string, turns ...Turn) {
	if len(turns) == 0 {
		return
	}
	t := s.thread(id, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	for _, turn := range turns {
		if turn.Timestamp.IsZero() {
			turn.Timestamp = now
		}
		t.turns = append(t.turns, turn)
	}
	if s.maxTurns > 0 && len(t.turns) > s.maxTurns {
		kept := make([]Turn, s.maxTurns)
		copy(kept, t.turns[len(t.turns)-s.maxTurns:])
		t.turns = kept
	}
}

// Get returns a copy of the ordered history, or nil for an unknown id.
func (s *Store) Get(id string) []Turn {
	t := s.thread(id, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Clear removes one conversation and reports whether it existed.
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.threads[id]
	delete(s.threads, id)
	return ok
}

// ClearAll removes every conversation.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]*thread)
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}
