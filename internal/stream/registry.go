package stream

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// UnknownValue is used for correlation parameters missing from the connection query
const UnknownValue = "unknown"

// ErrSessionExists is returned when a connection id is registered twice
var ErrSessionExists = errors.New("session already exists")

// Metadata holds the caller-supplied correlation values of a connection
type Metadata struct {
	ExternalSessionID string
	CallReferenceID   string
}

// Registry tracks every open media-stream connection
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	clock    clock.Clock
}

// NewRegistry creates an empty registry using the wall clock
func NewRegistry() *Registry {
	return NewRegistryWithClock(clock.New())
}

// NewRegistryWithClock creates an empty registry that timestamps sessions with c
func NewRegistryWithClock(c clock.Clock) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		clock:    c,
	}
}

// NewConnectionID derives a connection id from the request path plus a unique token
func NewConnectionID(path string) string {
	base := strings.ReplaceAll(strings.Trim(path, "/"), "/", "-")
	if base == "" {
		base = "stream"
	}
	return base + "-" + uuid.NewString()
}

// Create registers a new session for the connection
func (r *Registry) Create(id string, meta Metadata) (*Session, error) {
	if meta.ExternalSessionID == "" {
		meta.ExternalSessionID = UnknownValue
	}
	if meta.CallReferenceID == "" {
		meta.CallReferenceID = UnknownValue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	now := r.clock.Now()
	session := &Session{
		ID:                id,
		ExternalSessionID: meta.ExternalSessionID,
		CallReferenceID:   meta.CallReferenceID,
		ConnectedAt:       now,
		lastActivity:      now,
		clock:             r.clock,
	}
	r.sessions[id] = session

	return session, nil
}

// Get looks up a session; absence is a normal outcome
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	return session, exists
}

// Remove deletes a session and returns it. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, false
	}
	delete(r.sessions, id)
	return session, true
}

// Count returns the number of open sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the state of every open session, oldest first
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	sessions := lo.Values(r.sessions)
	r.mu.RUnlock()

	infos := lo.Map(sessions, func(s *Session, _ int) SessionInfo {
		return s.Info()
	})
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ConnectionID, b.ConnectionID)
	})
	return infos
}
