// Package rtc is the real-time media transport. The capability surface the
// rest of the client consumes is the small interface set in this file; the
// Pion-backed implementation lives alongside it.
package rtc

import (
	"context"
	"errors"

	"github.com/petervdpas/huddle/internal/devices"
)

// TrackKind is the class of a published track.
type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)

// Transport errors.
var (
	ErrNotConnected = errors.New("transport not connected")
	ErrNoDevice     = errors.New("no capture device available")
)

// JoinOptions is the initial publish intent handed to Join.
type JoinOptions struct {
	Audio bool
	Video bool
}

// Transport joins media rooms. One Join is one attendance; the returned Room
// is dead after Disconnect and is never reused.
type Transport interface {
	Join(ctx context.Context, url, token string, opts JoinOptions) (Room, error)
}

// Room is a live media session.
type Room interface {
	// Name returns the room identifier from the credentials.
	Name() string
	// Local returns the local participant handle once the room is connected.
	Local() (LocalParticipant, bool)
	// OnLocalReady registers a callback fired when the local participant
	// handle becomes available. May fire again after a reconnect.
	OnLocalReady(fn func(LocalParticipant))
	// RemoteParticipants returns the live remote roster. The transport is
	// the source of truth; callers must not cache this.
	RemoteParticipants() []RemoteParticipant
	// OnRosterChange registers a callback fired when remote participants or
	// their published tracks change.
	OnRosterChange(fn func())
	// OnDisconnect registers a callback fired once when the room ends,
	// whatever the cause. A nil reason means a deliberate local disconnect.
	OnDisconnect(fn func(reason error))
	// Disconnect leaves the room. Idempotent.
	Disconnect()
}

// LocalParticipant controls what this client publishes.
// Every Set* call reports the operation's outcome; the getters always reflect
// the transport's actual state, not the last requested one.
type LocalParticipant interface {
	Identity() string
	SetMicEnabled(ctx context.Context, enabled bool) error
	SetCameraEnabled(ctx context.Context, enabled bool) error
	SetScreenShareEnabled(ctx context.Context, enabled bool) error
	MicEnabled() bool
	CameraEnabled() bool
	ScreenShareEnabled() bool
	// SwitchDevice redirects a capture/playback kind to another device.
	SwitchDevice(ctx context.Context, kind devices.Kind, deviceID string) error
}

// RemoteParticipant is the transport's view of another attendee.
type RemoteParticipant interface {
	Identity() string
	// HasTrack reports whether the participant currently publishes a track
	// of the given kind.
	HasTrack(kind TrackKind) bool
	// ConnectionQuality is a best-effort hint: "good", "poor", "lost" or "".
	ConnectionQuality() string
}
