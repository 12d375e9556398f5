// Package call holds the client-side mirror of the backend's call records.
// Records are created and mutated server-side; this package only models them
// and normalizes what comes off the wire.
package call

import "time"

// Type is the media flavour of a call.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// Status is the lifecycle state of a call. Transitions are monotonic:
// scheduled → active → {ended, cancelled}; a call never goes back.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// ParticipantStatus is a participant's relation to a call.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantLeft     ParticipantStatus = "left"
	ParticipantKicked   ParticipantStatus = "kicked"
	ParticipantDeclined ParticipantStatus = "declined"
)

// MediaState is the flag set a joined participant advertises to others.
type MediaState struct {
	IsMuted         bool `json:"is_muted"`
	IsVideoEnabled  bool `json:"is_video_enabled"`
	IsScreenSharing bool `json:"is_screen_sharing"`
	IsHandRaised    bool `json:"is_hand_raised"`
}

// Participant is one member of a call's roster.
type Participant struct {
	UserID string            `json:"user_id"`
	Status ParticipantStatus `json:"status"`
	MediaState
	// ConnectionQuality is a best-effort hint ("good", "poor", "lost", "").
	ConnectionQuality string `json:"connection_quality,omitempty"`
}

// Call is the server-side call record as seen by this client.
type Call struct {
	ID           string        `json:"id"`
	Type         Type          `json:"type"`
	Status       Status        `json:"status"`
	InitiatorID  string        `json:"initiator_id"`
	Participants []Participant `json:"participants"`
	RoomID       string        `json:"room_id,omitempty"`
	Title        string        `json:"title,omitempty"`
	ScheduledAt  *time.Time    `json:"scheduled_at,omitempty"`
	ScheduledEnd *time.Time    `json:"scheduled_end,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// statusRank orders call statuses along the legal transition chain.
var statusRank = map[Status]int{
	StatusScheduled: 0,
	StatusActive:    1,
	StatusEnded:     2,
	StatusCancelled: 2,
}

// CanTransition reports whether a status change from → to is legal.
// Statuses only move forward; a terminal status never changes.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	rf, okF := statusRank[from]
	rt, okT := statusRank[to]
	return okF && okT && rt > rf
}

// Normalize zeroes media flags on every participant that is not joined.
// The wire is not trusted outside the joined state: a server may echo stale
// flags for someone who already left.
func (c *Call) Normalize() {
	for i := range c.Participants {
		if c.Participants[i].Status != ParticipantJoined {
			c.Participants[i].MediaState = MediaState{}
			c.Participants[i].ConnectionQuality = ""
		}
	}
}

// FindParticipant returns the participant with userID, if present.
func (c *Call) FindParticipant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// JoinedCount returns how many participants are currently joined.
func (c *Call) JoinedCount() int {
	n := 0
	for i := range c.Participants {
		if c.Participants[i].Status == ParticipantJoined {
			n++
		}
	}
	return n
}
