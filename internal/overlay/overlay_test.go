package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/backend"
	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/notify"
	"github.com/petervdpas/huddle/internal/room"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/session"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeMetadata struct {
	mu       sync.Mutex
	calls    map[string]*call.Call
	getErr   error
	credsErr error
	creds    *session.Credentials
	getCount int
}

func (f *fakeMetadata) Get(_ context.Context, id string) (*call.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCount++
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.calls[id]
	if !ok {
		return nil, fmt.Errorf("no such call %s", id)
	}
	return c, nil
}

func (f *fakeMetadata) Credentials(_ context.Context, id string) (*session.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credsErr != nil {
		return nil, fmt.Errorf("issue session for %s: %w", id, f.credsErr)
	}
	return f.creds, nil
}

type fakeGateway struct {
	mu   sync.Mutex
	left []string
	err  error
}

func (f *fakeGateway) Leave(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
	return f.err
}

func (f *fakeGateway) leaves() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.left...)
}

type fakeSession struct {
	mu          sync.Mutex
	prefs       *room.JoinPreferences
	connectOpts rtc.JoinOptions
	connectErr  error
	connected   bool
	disconnects int
	onClosed    func(error)
	// connectGate, when set, blocks Connect until closed.
	connectGate chan struct{}
}

func (f *fakeSession) SetPendingPreferences(p *room.JoinPreferences) {
	f.mu.Lock()
	f.prefs = p
	f.mu.Unlock()
}

func (f *fakeSession) Connect(_ context.Context, _ *session.Credentials, opts rtc.JoinOptions) error {
	f.mu.Lock()
	gate := f.connectGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectOpts = opts
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeSession) OnClosed(fn func(error)) {
	f.mu.Lock()
	f.onClosed = fn
	f.mu.Unlock()
}

func (f *fakeSession) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeSession) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	overlay  *Overlay
	metadata *fakeMetadata
	gateway  *fakeGateway
	session  *fakeSession
	recorder *notify.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		metadata: &fakeMetadata{
			calls: map[string]*call.Call{
				"call-1": {ID: "call-1", Title: "Standup", Status: call.StatusActive},
				"call-2": {ID: "call-2", Title: "Retro", Status: call.StatusActive},
			},
			creds: &session.Credentials{
				Token: "tok", URL: "wss://media.example", RoomName: "room-1", Identity: "alice",
			},
		},
		gateway:  &fakeGateway{},
		session:  &fakeSession{},
		recorder: &notify.Recorder{},
	}
	h.overlay = New(Options{
		Metadata:   h.metadata,
		Gateway:    h.gateway,
		Notifier:   h.recorder,
		NewSession: func(string) Session { return h.session },
	})
	t.Cleanup(h.overlay.Dispose)
	return h
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestStartsIdle(t *testing.T) {
	h := newHarness(t)

	snap := h.overlay.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, ModeFull, snap.Mode)
	assert.False(t, snap.SessionEnabled)
}

func TestSetActiveCallLoadsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overlay.SetActiveCall(ctx, "call-1")

	snap := h.overlay.Snapshot()
	assert.Equal(t, PhaseMetadataLoading, snap.Phase)
	assert.Equal(t, "call-1", snap.ActiveCallID)

	record, ok := h.overlay.Call()
	require.True(t, ok)
	assert.Equal(t, "Standup", record.Title)
}

func TestSessionEnableRefusedWithoutActiveCall(t *testing.T) {
	h := newHarness(t)

	h.overlay.SetSessionEnabled(context.Background(), true)

	snap := h.overlay.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.False(t, snap.SessionEnabled, "session state must never exist without an active call")
}

func TestEnableSessionJoinsRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetSessionEnabled(ctx, true)

	snap := h.overlay.Snapshot()
	assert.Equal(t, PhaseInCall, snap.Phase)
	assert.True(t, snap.SessionEnabled)

	_, ok := h.overlay.Controller()
	assert.True(t, ok)
	assert.True(t, h.session.connected)
	assert.Equal(t, rtc.JoinOptions{Audio: true, Video: true}, h.session.connectOpts,
		"no stored preferences means default-enabled devices")
}

func TestPendingPreferencesShapeJoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetPendingPreferences(&room.JoinPreferences{Mic: false, Video: true})
	h.overlay.SetSessionEnabled(ctx, true)

	assert.Equal(t, rtc.JoinOptions{Audio: false, Video: true}, h.session.connectOpts)
	require.NotNil(t, h.session.prefs)
	assert.False(t, h.session.prefs.Mic)
	assert.True(t, h.session.prefs.Video)
}

func TestCredentialFetchFailureResetsToIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.metadata.credsErr = &backend.APIError{Status: 500, Message: "token mint down"}

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetSessionEnabled(ctx, true)

	snap := h.overlay.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Empty(t, snap.ActiveCallID)
	assert.False(t, snap.SessionEnabled)
	assert.NotEmpty(t, h.recorder.Errors)
}

func TestMalformedCredentialsParkOverlay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.metadata.credsErr = &session.ParseError{Missing: []string{"token"}}

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetSessionEnabled(ctx, true)

	snap := h.overlay.Snapshot()
	assert.Equal(t, PhaseMediaUnavailable, snap.Phase)
	assert.Equal(t, "call-1", snap.ActiveCallID, "the call record stays visible")
	assert.NotEmpty(t, h.recorder.Errors)

	_, ok := h.overlay.Controller()
	assert.False(t, ok)
}

func TestRecordFetchFailureResets(t *testing.T) {
	h := newHarness(t)
	h.metadata.getErr = errors.New("backend unreachable")

	h.overlay.SetActiveCall(context.Background(), "call-1")

	assert.Equal(t, PhaseIdle, h.overlay.Snapshot().Phase)
	assert.NotEmpty(t, h.recorder.Errors)
}

func TestResetIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetSessionEnabled(ctx, true)
	h.overlay.Dock()

	h.overlay.Reset()
	first := h.overlay.Snapshot()
	h.overlay.Reset()
	second := h.overlay.Snapshot()

	assert.Equal(t, first, second)
	assert.Equal(t, PhaseIdle, first.Phase)
	assert.Equal(t, ModeFull, first.Mode)

	assert.Eventually(t, func() bool { return h.session.disconnectCount() == 1 },
		time.Second, 5*time.Millisecond, "the live session is torn down exactly once")
}

func TestResetDuringConnectMakesJoinStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gate := make(chan struct{})
	h.session.connectGate = gate

	h.overlay.SetActiveCall(ctx, "call-1")

	done := make(chan struct{})
	go func() {
		h.overlay.SetSessionEnabled(ctx, true)
		close(done)
	}()

	// Let the join reach the transport, then yank the overlay out from
	// under it.
	assert.Eventually(t, func() bool {
		return h.overlay.Snapshot().Phase == PhaseSessionConnecting
	}, time.Second, 5*time.Millisecond)
	h.overlay.Reset()
	close(gate)
	<-done

	snap := h.overlay.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	_, ok := h.overlay.Controller()
	assert.False(t, ok, "a stale join must not resurrect session state")
	assert.Eventually(t, func() bool { return h.session.disconnectCount() >= 1 },
		time.Second, 5*time.Millisecond)
}

func TestDisableDuringConnectDisconnectsFreshRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gate := make(chan struct{})
	h.session.connectGate = gate

	h.overlay.SetActiveCall(ctx, "call-1")

	done := make(chan struct{})
	go func() {
		h.overlay.SetSessionEnabled(ctx, true)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return h.overlay.Snapshot().Phase == PhaseSessionConnecting
	}, time.Second, 5*time.Millisecond)

	// Flip the gate off while the join is suspended in the transport, and
	// wait for the early disconnect of the not-yet-connected session before
	// letting the join resolve.
	h.overlay.SetSessionEnabled(ctx, false)
	require.Eventually(t, func() bool { return h.session.disconnectCount() == 1 },
		time.Second, 5*time.Millisecond)
	close(gate)
	<-done

	snap := h.overlay.Snapshot()
	assert.False(t, snap.SessionEnabled)
	assert.Equal(t, "call-1", snap.ActiveCallID, "disabling the session keeps the call focused")
	_, ok := h.overlay.Controller()
	assert.False(t, ok)

	// The late join connected a room the overlay no longer owns; it must be
	// torn down, not stranded.
	assert.Eventually(t, func() bool {
		return h.session.disconnectCount() == 2 && !h.session.isConnected()
	}, time.Second, 5*time.Millisecond)
}

func TestCloseLeavesBackendWhenSessionEnabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetSessionEnabled(ctx, true)
	h.overlay.Close(ctx)

	assert.Equal(t, []string{"call-1"}, h.gateway.leaves())
	assert.Equal(t, PhaseIdle, h.overlay.Snapshot().Phase)
}

func TestCloseWithoutSessionSkipsLeave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.Close(ctx)

	assert.Empty(t, h.gateway.leaves())
	assert.Equal(t, PhaseIdle, h.overlay.Snapshot().Phase)
}

func TestLeaveFailureStillResets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.err = errors.New("network down")

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetSessionEnabled(ctx, true)
	h.overlay.Close(ctx)

	assert.Equal(t, PhaseIdle, h.overlay.Snapshot().Phase,
		"local state must reset even when the backend is unreachable")
}

func TestDockTouchesModeOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetSessionEnabled(ctx, true)

	h.overlay.Dock()
	snap := h.overlay.Snapshot()
	assert.Equal(t, ModeDocked, snap.Mode)
	assert.Equal(t, PhaseInCall, snap.Phase)
	assert.True(t, snap.SessionEnabled)

	h.overlay.Undock()
	snap = h.overlay.Snapshot()
	assert.Equal(t, ModeFull, snap.Mode)
	assert.Equal(t, PhaseInCall, snap.Phase)
}

func TestTransportDisconnectClosesOverlay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetSessionEnabled(ctx, true)

	require.NotNil(t, h.session.onClosed)
	h.session.onClosed(errors.New("ice failed"))

	assert.Equal(t, PhaseIdle, h.overlay.Snapshot().Phase)
	assert.Equal(t, []string{"call-1"}, h.gateway.leaves())
}

func TestSwitchingCallsLeavesPriorFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overlay.SetActiveCall(ctx, "call-1")
	h.overlay.SetSessionEnabled(ctx, true)
	h.overlay.SetActiveCall(ctx, "call-2")

	assert.Equal(t, []string{"call-1"}, h.gateway.leaves())
	snap := h.overlay.Snapshot()
	assert.Equal(t, "call-2", snap.ActiveCallID)
	assert.Equal(t, PhaseMetadataLoading, snap.Phase,
		"the session gate does not carry over to the next call")
}

func TestSubscribeSeesTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ch, cancel := h.overlay.Subscribe()
	defer cancel()

	h.overlay.SetActiveCall(ctx, "call-1")

	select {
	case snap := <-ch:
		assert.Equal(t, "call-1", snap.ActiveCallID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after state change")
	}
}
