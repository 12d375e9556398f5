package incoming

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/room"
)

type fakeJoiner struct {
	mu    sync.Mutex
	joins []string
	audio bool
	video bool
	err   error
}

func (f *fakeJoiner) Join(_ context.Context, id string, withAudio, withVideo bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, id)
	f.audio, f.video = withAudio, withVideo
	return f.err
}

type fakeShell struct {
	prefs          *room.JoinPreferences
	prefsSet       bool
	activeCallID   string
	sessionEnabled bool
	resets         int
	order          []string
}

func (f *fakeShell) SetPendingPreferences(p *room.JoinPreferences) {
	f.prefs = p
	f.prefsSet = true
	f.order = append(f.order, "prefs")
}

func (f *fakeShell) SetActiveCall(_ context.Context, id string) {
	f.activeCallID = id
	f.order = append(f.order, "active")
}

func (f *fakeShell) SetSessionEnabled(_ context.Context, enabled bool) {
	f.sessionEnabled = enabled
	f.order = append(f.order, "session")
}

func (f *fakeShell) Reset() {
	f.activeCallID = ""
	f.sessionEnabled = false
	f.prefs = nil
	f.resets++
	f.order = append(f.order, "reset")
}

func ring(t *testing.T, h *Handler) Invite {
	t.Helper()
	inv := Invite{CallID: "call-7", CallType: call.TypeVideo, InitiatorName: "Bob"}
	h.Present(inv)
	require.True(t, h.Ringing())
	return inv
}

func TestPresentRings(t *testing.T) {
	h := New(&fakeJoiner{}, &fakeShell{})

	ring(t, h)

	inv, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, "call-7", inv.CallID)
	assert.Equal(t, "Bob", inv.InitiatorName)
	assert.False(t, inv.ReceivedAt.IsZero())
}

func TestDuplicateInviteIgnored(t *testing.T) {
	h := New(&fakeJoiner{}, &fakeShell{})
	first := ring(t, h)

	h.Present(Invite{CallID: first.CallID, InitiatorName: "Someone Else"})

	inv, _ := h.Current()
	assert.Equal(t, "Bob", inv.InitiatorName)
}

func TestAcceptDrivesJoinSequence(t *testing.T) {
	joiner := &fakeJoiner{}
	shell := &fakeShell{}
	h := New(joiner, shell)
	ring(t, h)

	prefs := &room.JoinPreferences{Mic: false, Video: true}
	err := h.Accept(context.Background(), prefs)
	require.NoError(t, err)

	assert.False(t, h.Ringing())
	assert.Equal(t, []string{"prefs", "active", "session"}, shell.order,
		"preferences park first, attendance registers before the session opens")
	assert.Equal(t, "call-7", shell.activeCallID)
	assert.True(t, shell.sessionEnabled)
	assert.Equal(t, prefs, shell.prefs)
	assert.Equal(t, []string{"call-7"}, joiner.joins)
	assert.False(t, joiner.audio)
	assert.True(t, joiner.video)
}

func TestAcceptWithoutPreferencesJoinsWithDefaults(t *testing.T) {
	joiner := &fakeJoiner{}
	shell := &fakeShell{}
	h := New(joiner, shell)
	ring(t, h)

	require.NoError(t, h.Accept(context.Background(), nil))

	assert.True(t, joiner.audio)
	assert.True(t, joiner.video)
	assert.True(t, shell.prefsSet, "a nil preference still clears any stale parked value")
	assert.Nil(t, shell.prefs)
}

func TestAcceptFailureRollsBackAndStaysDismissed(t *testing.T) {
	joiner := &fakeJoiner{err: errors.New("call already ended")}
	shell := &fakeShell{}
	h := New(joiner, shell)
	ring(t, h)

	err := h.Accept(context.Background(), nil)
	require.Error(t, err)

	assert.False(t, h.Ringing(), "a failed accept does not resume ringing")
	assert.Equal(t, 1, shell.resets)
	assert.Empty(t, shell.activeCallID)
	assert.False(t, shell.sessionEnabled)
}

func TestDeclineIsLocalOnly(t *testing.T) {
	joiner := &fakeJoiner{}
	shell := &fakeShell{}
	h := New(joiner, shell)
	ring(t, h)

	h.Decline()

	assert.False(t, h.Ringing())
	assert.Empty(t, joiner.joins, "decline never reaches the backend")
	assert.Empty(t, shell.order, "decline never touches the overlay")
}

func TestAcceptWithNothingRingingIsNoop(t *testing.T) {
	joiner := &fakeJoiner{}
	shell := &fakeShell{}
	h := New(joiner, shell)

	require.NoError(t, h.Accept(context.Background(), nil))

	assert.Empty(t, joiner.joins)
	assert.Empty(t, shell.order)
}

func TestDismissOnlyMatchesRingingCall(t *testing.T) {
	h := New(&fakeJoiner{}, &fakeShell{})
	ring(t, h)

	h.Dismiss("other-call")
	assert.True(t, h.Ringing())

	h.Dismiss("call-7")
	assert.False(t, h.Ringing())
}

func TestSubscribeSeesRingAndDismiss(t *testing.T) {
	h := New(&fakeJoiner{}, &fakeShell{})
	ch, cancel := h.Subscribe()
	defer cancel()

	ring(t, h)
	got := <-ch
	require.NotNil(t, got)
	assert.Equal(t, "call-7", got.CallID)

	h.Decline()
	assert.Nil(t, <-ch)
}
