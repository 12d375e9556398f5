package rtc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, msgType string, payload any) *signalMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &signalMessage{Type: msgType, Payload: raw}
}

func TestJoinedBuildsRoster(t *testing.T) {
	r := newRoom(nil, nil, nil)

	var readyCount int
	r.OnLocalReady(func(LocalParticipant) { readyCount++ })

	r.handleSignal(frame(t, sigJoined, &joinedPayload{
		RoomName: "room-1",
		Identity: "alice",
		Participants: []participantInfo{
			{Identity: "bob", Tracks: []string{"audio", "screen"}, Quality: "good"},
		},
	}))

	assert.Equal(t, "room-1", r.Name())
	local, ok := r.Local()
	require.True(t, ok)
	assert.Equal(t, "alice", local.Identity())
	assert.Equal(t, 1, readyCount)

	remotes := r.RemoteParticipants()
	require.Len(t, remotes, 1)
	assert.True(t, remotes[0].HasTrack(TrackScreen))
	assert.False(t, remotes[0].HasTrack(TrackVideo))
	assert.Equal(t, "good", remotes[0].ConnectionQuality())

	// A handle that already exists fires the callback at registration time.
	r.OnLocalReady(func(LocalParticipant) { readyCount++ })
	assert.Equal(t, 2, readyCount)
}

func TestTrackEventsUpdateRoster(t *testing.T) {
	r := newRoom(nil, nil, nil)

	var rosterChanges int
	r.OnRosterChange(func() { rosterChanges++ })

	r.handleSignal(frame(t, sigTrackPublished, &trackEvent{Identity: "bob", Kind: "screen"}))
	remotes := r.RemoteParticipants()
	require.Len(t, remotes, 1, "unknown participant is registered on first track event")
	assert.True(t, remotes[0].HasTrack(TrackScreen))

	r.handleSignal(frame(t, sigTrackUnpublished, &trackEvent{Identity: "bob", Kind: "screen"}))
	assert.False(t, r.RemoteParticipants()[0].HasTrack(TrackScreen))

	r.handleSignal(frame(t, sigParticipantGone, &trackEvent{Identity: "bob"}))
	assert.Empty(t, r.RemoteParticipants())

	assert.Equal(t, 3, rosterChanges)
}

func TestRejoinReplacesRoster(t *testing.T) {
	r := newRoom(nil, nil, nil)

	r.handleSignal(frame(t, sigJoined, &joinedPayload{
		RoomName: "room-1",
		Identity: "alice",
		Participants: []participantInfo{
			{Identity: "bob", Tracks: []string{"audio"}},
			{Identity: "carol", Tracks: []string{"screen"}},
		},
	}))
	require.Len(t, r.RemoteParticipants(), 2)

	// Carol left while the socket was down. The reconnect roster is
	// authoritative, so her screen share must not survive the rejoin.
	r.handleSignal(frame(t, sigJoined, &joinedPayload{
		RoomName: "room-1",
		Identity: "alice",
		Participants: []participantInfo{
			{Identity: "bob", Tracks: []string{"audio"}},
		},
	}))

	remotes := r.RemoteParticipants()
	require.Len(t, remotes, 1)
	assert.Equal(t, "bob", remotes[0].Identity())
	assert.False(t, remotes[0].HasTrack(TrackScreen))
}

func TestMalformedSignalIsIgnored(t *testing.T) {
	r := newRoom(nil, nil, nil)
	r.handleSignal(&signalMessage{Type: sigTrackPublished, Payload: json.RawMessage(`{`)})
	assert.Empty(t, r.RemoteParticipants())
}
