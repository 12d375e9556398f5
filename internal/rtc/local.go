package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/huddle/internal/devices"
)

// publication is one local track currently being sent.
type publication struct {
	track  mediadevices.Track
	sender *webrtc.RTPSender
}

// localParticipant implements LocalParticipant on the room's peer connection.
// The pubs map is the actual publish state: getters read it directly, so a
// caller re-reading after a failed toggle sees what really happened.
type localParticipant struct {
	identity string
	room     *pionRoom

	mu   sync.Mutex
	pubs map[TrackKind]*publication
}

func newLocalParticipant(identity string, room *pionRoom) *localParticipant {
	return &localParticipant{
		identity: identity,
		room:     room,
		pubs:     make(map[TrackKind]*publication),
	}
}

func (l *localParticipant) Identity() string { return l.identity }

func (l *localParticipant) SetMicEnabled(ctx context.Context, enabled bool) error {
	return l.setPublished(ctx, TrackAudio, enabled)
}

func (l *localParticipant) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return l.setPublished(ctx, TrackVideo, enabled)
}

func (l *localParticipant) SetScreenShareEnabled(ctx context.Context, enabled bool) error {
	return l.setPublished(ctx, TrackScreen, enabled)
}

func (l *localParticipant) MicEnabled() bool         { return l.published(TrackAudio) }
func (l *localParticipant) CameraEnabled() bool      { return l.published(TrackVideo) }
func (l *localParticipant) ScreenShareEnabled() bool { return l.published(TrackScreen) }

func (l *localParticipant) published(kind TrackKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pubs[kind] != nil
}

func (l *localParticipant) setPublished(ctx context.Context, kind TrackKind, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if enabled == (l.pubs[kind] != nil) {
		return nil // already in the requested state
	}

	if !enabled {
		pub := l.pubs[kind]
		delete(l.pubs, kind)
		if err := l.room.pc.RemoveTrack(pub.sender); err != nil {
			rtcLog.Warnw("remove track", "kind", kind, "err", err)
		}
		pub.track.Close()
		l.room.renegotiate()
		l.room.sig.send(sigTrackUnpublished, &trackEvent{Identity: l.identity, Kind: string(kind)})
		return nil
	}

	track, err := captureTrack(kind, l.selectedDevice(kind), l.room.selector)
	if err != nil {
		return fmt.Errorf("capture %s: %w", kind, err)
	}
	track.OnEnded(func(err error) {
		if err != nil {
			rtcLog.Warnw("local track ended", "kind", kind, "err", err)
		}
	})

	sender, err := l.room.pc.AddTrack(track)
	if err != nil {
		track.Close()
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	l.pubs[kind] = &publication{track: track, sender: sender}
	l.room.renegotiate()
	if err := l.room.sig.send(sigTrackPublished, &trackEvent{Identity: l.identity, Kind: string(kind)}); err != nil {
		rtcLog.Warnw("announce track", "kind", kind, "err", err)
	}
	return nil
}

// SwitchDevice re-captures the published track of the matching kind on the
// new device. If nothing is published for that kind, the switch only affects
// the next publish. Audio output routing is not a transport concern.
func (l *localParticipant) SwitchDevice(ctx context.Context, kind devices.Kind, deviceID string) error {
	var trackKind TrackKind
	switch kind {
	case devices.AudioInput:
		trackKind = TrackAudio
	case devices.VideoInput:
		trackKind = TrackVideo
	case devices.AudioOutput:
		rtcLog.Debugw("audio output switch handled by platform, not transport")
		return nil
	default:
		return fmt.Errorf("switch device: unsupported kind %q", kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pub := l.pubs[trackKind]
	if pub == nil {
		return nil
	}

	track, err := captureTrack(trackKind, deviceID, l.room.selector)
	if err != nil {
		return fmt.Errorf("capture %s on %s: %w", trackKind, deviceID, err)
	}
	if err := pub.sender.ReplaceTrack(track); err != nil {
		track.Close()
		return fmt.Errorf("replace %s track: %w", trackKind, err)
	}
	pub.track.Close()
	pub.track = track
	return nil
}

// selectedDevice resolves the registry's current choice for a track kind.
func (l *localParticipant) selectedDevice(kind TrackKind) string {
	if l.room.registry == nil {
		return ""
	}
	var devKind devices.Kind
	switch kind {
	case TrackAudio:
		devKind = devices.AudioInput
	case TrackVideo:
		devKind = devices.VideoInput
	default:
		return ""
	}
	if d, ok := l.room.registry.Selected(devKind); ok {
		return d.ID
	}
	return ""
}

// stopAll closes every published track. Called on room teardown.
func (l *localParticipant) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for kind, pub := range l.pubs {
		pub.track.Close()
		delete(l.pubs, kind)
	}
}
