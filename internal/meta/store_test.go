package meta

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/call"
)

// fakeBackend serves scripted call records and session envelopes.
type fakeBackend struct {
	mu        sync.Mutex
	calls     map[string]*call.Call
	envelope  map[string]any
	getErr    error
	issueErr  error
	getCount  int
	listCount int
}

func (f *fakeBackend) GetCall(_ context.Context, id string) (*call.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCount++
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.calls[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *c
	return &cp, nil
}

func (f *fakeBackend) ListCalls(_ context.Context) ([]*call.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCount++
	out := make([]*call.Call, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeBackend) IssueSession(_ context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	return f.envelope, nil
}

func TestGetServesFromCacheUntilInvalidated(t *testing.T) {
	fb := &fakeBackend{calls: map[string]*call.Call{
		"c1": {ID: "c1", Status: call.StatusActive},
	}}
	s := New(fb, nil)

	ctx := context.Background()
	_, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	_, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, fb.getCount, "second read served from cache")

	s.Invalidate("c1")
	_, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, fb.getCount, "invalidate forces refetch")
}

func TestRefreshRejectsStatusRegression(t *testing.T) {
	fb := &fakeBackend{calls: map[string]*call.Call{
		"c1": {ID: "c1", Status: call.StatusEnded},
	}}
	s := New(fb, nil)
	ctx := context.Background()

	_, err := s.Refresh(ctx, "c1")
	require.NoError(t, err)

	// A stale replica answers with the pre-end state; the cache must not
	// resurrect the call.
	fb.mu.Lock()
	fb.calls["c1"] = &call.Call{ID: "c1", Status: call.StatusActive}
	fb.mu.Unlock()

	got, err := s.Refresh(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, call.StatusEnded, got.Status)
}

func TestCredentialsParsesEnvelope(t *testing.T) {
	fb := &fakeBackend{envelope: map[string]any{
		"accessToken": "tok",
		"wsUrl":       "wss://media",
		"roomName":    "r1",
		"identity":    "alice",
	}}
	s := New(fb, nil)

	creds, err := s.Credentials(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "r1", creds.RoomName)
	assert.True(t, creds.Valid())
}

func TestCredentialsMalformedEnvelope(t *testing.T) {
	fb := &fakeBackend{envelope: map[string]any{"token": "tok"}}
	s := New(fb, nil)

	_, err := s.Credentials(context.Background(), "c1")
	assert.Error(t, err)
}
