package api

import (
	"context"
	"sync"

	"github.com/lexiqai/voice-agent/internal/llm"
)

// ChatStore keeps one bounded conversation history per chat session id.
// Histories live for the life of the process.
type ChatStore struct {
	mu       sync.Mutex
	budget   int
	sessions map[string]*chatSession
}

// chatSession is one history plus a single-slot turn lock. Turns for the same
// id run one at a time so each sees the previous turn's messages.
type chatSession struct {
	turn    chan struct{}
	history *llm.History
}

// NewChatStore creates an empty store whose histories hold budget characters
func NewChatStore(budget int) *ChatStore {
	return &ChatStore{budget: budget, sessions: make(map[string]*chatSession)}
}

func (s *ChatStore) session(id string) *chatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		cs = &chatSession{turn: make(chan struct{}, 1), history: llm.NewHistory(s.budget)}
		s.sessions[id] = cs
	}
	return cs
}

// Update runs fn against the history for id while holding that id's turn.
// It returns ctx.Err() if ctx ends while waiting for an earlier turn.
func (s *ChatStore) Update(ctx context.Context, id string, fn func(*llm.History)) error {
	cs := s.session(id)
	select {
	case cs.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-cs.turn }()

	fn(cs.history)
	return nil
}

// Len returns the number of known sessions
func (s *ChatStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
