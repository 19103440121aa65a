// ABOUTME: In-memory mapping from chat user to the context tools need mid-turn.
// ABOUTME: Resolves the "current" context from the request context or the last registration.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotInitialized indicates a capability or context was used before being registered.
var ErrNotInitialized = errors.New("not initialized")

// ErrNoActiveContext indicates no session context was ever registered.
var ErrNoActiveContext = fmt.Errorf("no active session context: %w", ErrNotInitialized)

// ErrUnknownUser indicates no context is registered for the requested user.
var ErrUnknownUser = errors.New("no session context for user")

// Sink delivers opaque file payloads to a chat destination.
type Sink interface {
	SendDocument(ctx context.Context, destination, filename string, data []byte) error
}

// Context is the per-user metadata tools need to act on behalf of a turn.
type Context struct {
	UserID      string
	Destination string
	Sink        Sink
	UpdatedAt   time.Time
}

// Store owns all session contexts. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Context
	current  string
	hasCurr  bool
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Context),
	}
}

// Register records where deliveries for userID should go and marks the
// user as the current one.
func (s *Store) Register(userID, destination string, sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[userID] = &Context{
		UserID:      userID,
		Destination: destination,
		Sink:        sink,
		UpdatedAt:   time.Now(),
	}
	s.current = userID
	s.hasCurr = true
}

// Get returns a copy of the context registered for userID.
func (s *Store) Get(userID string) (Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.sessions[userID]
	if !ok {
		return Context{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return *sc, nil
}

// Current returns the context for the user carried by ctx. Only when ctx
// carries no user does it fall back to the most recently registered user.
func (s *Store) Current(ctx context.Context) (Context, error) {
	if userID, ok := UserFromContext(ctx); ok {
		return s.Get(userID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasCurr {
		return Context{}, ErrNoActiveContext
	}
	sc, ok := s.sessions[s.current]
	if !ok {
		return Context{}, ErrNoActiveContext
	}
	return *sc, nil
}

// Forget drops the context of userID. The current pointer is cleared when
// it referred to that user, so it never points at a missing entry.
func (s *Store) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, userID)
	if s.hasCurr && s.current == userID {
		s.current = ""
		s.hasCurr = false
	}
}

// Len returns the number of registered users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
