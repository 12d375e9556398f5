package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusActive, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusActive, StatusEnded, true},
		{StatusActive, StatusScheduled, false},
		{StatusEnded, StatusActive, false},
		{StatusEnded, StatusCancelled, false},
		{StatusCancelled, StatusEnded, false},
		{StatusActive, StatusActive, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s → %s", c.from, c.to)
	}
}

func TestNormalizeZeroesFlagsForNonJoined(t *testing.T) {
	c := &Call{
		ID:     "c1",
		Status: StatusActive,
		Participants: []Participant{
			{UserID: "u1", Status: ParticipantJoined, MediaState: MediaState{IsMuted: true, IsScreenSharing: true}},
			{UserID: "u2", Status: ParticipantLeft, MediaState: MediaState{IsVideoEnabled: true, IsScreenSharing: true}, ConnectionQuality: "good"},
			{UserID: "u3", Status: ParticipantInvited, MediaState: MediaState{IsHandRaised: true}},
		},
	}
	c.Normalize()

	p1, _ := c.FindParticipant("u1")
	assert.True(t, p1.IsMuted, "joined participant keeps flags")
	assert.True(t, p1.IsScreenSharing)

	p2, _ := c.FindParticipant("u2")
	assert.Equal(t, MediaState{}, p2.MediaState, "left participant flags zeroed")
	assert.Empty(t, p2.ConnectionQuality)

	p3, _ := c.FindParticipant("u3")
	assert.Equal(t, MediaState{}, p3.MediaState, "invited participant flags zeroed")
}

func TestJoinedCount(t *testing.T) {
	c := &Call{Participants: []Participant{
		{UserID: "a", Status: ParticipantJoined},
		{UserID: "b", Status: ParticipantInvited},
		{UserID: "c", Status: ParticipantJoined},
	}}
	assert.Equal(t, 2, c.JoinedCount())
}
