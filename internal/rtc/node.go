package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/huddle/internal/devices"
)

var rtcLog = logging.Logger("rtc")

// joinTimeout bounds how long Join waits for the media service to confirm.
const joinTimeout = 15 * time.Second

// PionTransport implements Transport on Pion WebRTC with a websocket
// signaling channel to the media service.
type PionTransport struct {
	registry *devices.Registry
}

// NewPionTransport creates the transport. registry supplies the device
// selection used for capture; it may be nil for a receive-only client.
func NewPionTransport(registry *devices.Registry) *PionTransport {
	return &PionTransport{registry: registry}
}

// Join connects to the media service, performs the signaling handshake and
// returns a live Room. The initial publish intent in opts is applied on a
// best-effort basis: a missing microphone downgrades the join instead of
// failing it.
func (t *PionTransport) Join(ctx context.Context, url, token string, opts JoinOptions) (Room, error) {
	api, selector, err := newMediaAPI()
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	r := newRoom(pc, selector, t.registry)

	sig, err := dialSignal(ctx, url, token, r.handleSignal, r.signalClosed)
	if err != nil {
		pc.Close()
		return nil, err
	}
	r.sig = sig

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := sig.send(sigICECandidate, cand.ToJSON()); err != nil {
			rtcLog.Warnw("send ice candidate", "err", err)
		}
	})
	pc.OnTrack(r.handleRemoteTrack)
	pc.OnICEConnectionStateChange(r.handleICEState)

	join := &joinRequest{
		ClientSession: uuid.NewString(),
		Audio:         opts.Audio,
		Video:         opts.Video,
	}
	if err := sig.send(sigJoin, join); err != nil {
		r.Disconnect()
		return nil, err
	}

	// Wait for the service to confirm before handing the room out.
	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	select {
	case <-joinCtx.Done():
		r.Disconnect()
		return nil, fmt.Errorf("join: %w", joinCtx.Err())
	case <-r.joined:
	}

	// Initial publishes follow the declared intent but never fail the join:
	// the backend already knows the intent, and a camera-less machine still
	// attends the call.
	if local, ok := r.Local(); ok {
		if opts.Audio {
			if err := local.SetMicEnabled(ctx, true); err != nil {
				rtcLog.Warnw("initial mic publish", "err", err)
			}
		}
		if opts.Video {
			if err := local.SetCameraEnabled(ctx, true); err != nil {
				rtcLog.Warnw("initial camera publish", "err", err)
			}
		}
	}

	return r, nil
}

// joinRequest is the payload of the join frame. ClientSession distinguishes
// concurrent attendances from the same identity on multiple devices.
type joinRequest struct {
	ClientSession string `json:"client_session"`
	Audio         bool   `json:"audio"`
	Video         bool   `json:"video"`
}

// joinedPayload is the service's confirmation.
type joinedPayload struct {
	RoomName     string            `json:"room_name"`
	Identity     string            `json:"identity"`
	Participants []participantInfo `json:"participants"`
}

// participantInfo describes one remote attendee on the wire.
type participantInfo struct {
	Identity string   `json:"identity"`
	Tracks   []string `json:"tracks"`
	Quality  string   `json:"connection_quality"`
}

// trackEvent is the payload of track-published / track-unpublished frames.
type trackEvent struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind"`
}

// stateEvent is the payload of participant-state frames.
type stateEvent struct {
	Identity string `json:"identity"`
	Quality  string `json:"connection_quality"`
}

func decodePayload[T any](raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
