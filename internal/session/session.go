// Package session stores per-client conversation state between requests.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stupiduntilnot/promptrelay/internal/conversation"
)

// Session is one client's conversation. Callers hold Lock while reading
// or replacing the conversation so requests on one session run in order.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	messages []conversation.Message
	userID   int64
	ready    bool
	lastUsed time.Time
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Initialized reports whether the conversation has been bootstrapped.
// Requires Lock.
func (s *Session) Initialized() bool {
	return s.ready
}

// Messages returns a copy of the conversation. Requires Lock.
func (s *Session) Messages() []conversation.Message {
	return conversation.Clone(s.messages)
}

// UserID returns the user the conversation was bootstrapped for.
// Requires Lock.
func (s *Session) UserID() int64 {
	return s.userID
}

// Commit replaces the conversation and marks the session initialized.
// Requires Lock.
func (s *Session) Commit(userID int64, msgs []conversation.Message) {
	s.messages = conversation.Clone(msgs)
	s.userID = userID
	s.ready = true
}

// Len returns the number of turns held. Requires Lock.
func (s *Session) Len() int {
	return len(s.messages)
}

// Store keeps sessions by id.
type Store interface {
	Create() *Session
	Get(id string) (*Session, bool)
	Delete(id string) bool
	Sweep(idle time.Duration) int
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*Session{}, now: time.Now}
}

// Create starts an empty session with a fresh random id.
func (m *MemoryStore) Create() *Session {
	now := m.now()
	s := &Session{ID: uuid.NewString(), CreatedAt: now, lastUsed: now}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns the session and refreshes its idle timer.
func (m *MemoryStore) Get(id string) (*Session, bool) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		s.lastUsed = m.now()
	}
	return s, ok
}

// Delete discards the session. It reports whether it existed.
func (m *MemoryStore) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// Sweep deletes sessions not used for at least idle and returns how many
// were removed.
func (m *MemoryStore) Sweep(idle time.Duration) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.lastUsed) >= idle {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
