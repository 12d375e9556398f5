// Package meta caches the server-side call records this client is looking at.
// The backend owns the truth; the cache exists so overlay reads during a call
// don't hammer the API, and it is invalidated by every successful mutation.
package meta

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/session"
	"github.com/petervdpas/huddle/internal/storage"
)

// Backend is the slice of the REST client the store needs.
type Backend interface {
	GetCall(ctx context.Context, id string) (*call.Call, error)
	ListCalls(ctx context.Context) ([]*call.Call, error)
	IssueSession(ctx context.Context, id string) (map[string]any, error)
}

// DefaultTTL is how long a cached call record is served without a refetch.
const DefaultTTL = 15 * time.Second

type entry struct {
	call      *call.Call
	fetchedAt time.Time
}

// Store fetches and caches call records and issues session credentials.
type Store struct {
	backend Backend
	ttl     time.Duration

	mu    sync.RWMutex
	calls map[string]entry

	listMu        sync.RWMutex
	list          []*call.Call
	listFetchedAt time.Time

	history *storage.DB // optional
}

// New creates a store. history may be nil to disable persistence.
func New(backend Backend, history *storage.DB) *Store {
	return &Store{
		backend: backend,
		ttl:     DefaultTTL,
		calls:   make(map[string]entry),
		history: history,
	}
}

// SetTTL overrides the cache freshness window. Zero restores the default.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Get returns the call record for id, from cache when fresh.
func (s *Store) Get(ctx context.Context, id string) (*call.Call, error) {
	s.mu.RLock()
	e, ok := s.calls[id]
	ttl := s.ttl
	s.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < ttl {
		return e.call, nil
	}
	return s.Refresh(ctx, id)
}

// Refresh fetches the record for id, bypassing the cache.
func (s *Store) Refresh(ctx context.Context, id string) (*call.Call, error) {
	c, err := s.backend.GetCall(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch call %s: %w", id, err)
	}

	// Reject regressions: a stale read must not move a call backwards.
	s.mu.Lock()
	if prev, ok := s.calls[id]; ok && !call.CanTransition(prev.call.Status, c.Status) {
		log.Printf("META [%s]: ignoring stale status %s (have %s)", id, c.Status, prev.call.Status)
		c = prev.call
	}
	s.calls[id] = entry{call: c, fetchedAt: time.Now()}
	s.mu.Unlock()

	if c.Status.Terminal() {
		s.recordHistory(c)
	}
	return c, nil
}

// Cached returns the cached record for id without any network traffic.
func (s *Store) Cached(id string) (*call.Call, bool) {
	s.mu.RLock()
	e, ok := s.calls[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.call, true
}

// Invalidate drops the cached record for id. The next Get refetches.
func (s *Store) Invalidate(id string) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}

// InvalidateList drops the aggregate call-list cache.
func (s *Store) InvalidateList() {
	s.listMu.Lock()
	s.list = nil
	s.listFetchedAt = time.Time{}
	s.listMu.Unlock()
}

// List returns the caller's calls, from cache when fresh.
func (s *Store) List(ctx context.Context) ([]*call.Call, error) {
	s.mu.RLock()
	ttl := s.ttl
	s.mu.RUnlock()

	s.listMu.RLock()
	if s.list != nil && time.Since(s.listFetchedAt) < ttl {
		out := s.list
		s.listMu.RUnlock()
		return out, nil
	}
	s.listMu.RUnlock()

	list, err := s.backend.ListCalls(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch call list: %w", err)
	}
	s.listMu.Lock()
	s.list = list
	s.listFetchedAt = time.Now()
	s.listMu.Unlock()
	return list, nil
}

// Credentials requests and parses session credentials for id.
// Credentials are never cached: one fetch per attendance.
func (s *Store) Credentials(ctx context.Context, id string) (*session.Credentials, error) {
	env, err := s.backend.IssueSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("issue session for %s: %w", id, err)
	}
	creds, err := session.ParseEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("parse session for %s: %w", id, err)
	}
	return creds, nil
}

func (s *Store) recordHistory(c *call.Call) {
	if s.history == nil {
		return
	}
	startedAt := c.CreatedAt
	if c.ScheduledAt != nil {
		startedAt = *c.ScheduledAt
	}
	row := storage.HistoryRow{
		CallID:       c.ID,
		CallType:     string(c.Type),
		Status:       string(c.Status),
		InitiatorID:  c.InitiatorID,
		Title:        c.Title,
		Participants: len(c.Participants),
		StartedAt:    startedAt,
		EndedAt:      c.EndedAt,
	}
	if err := s.history.RecordCall(row); err != nil {
		log.Printf("META [%s]: record history: %v", c.ID, err)
	}
}
