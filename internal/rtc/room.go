package rtc

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/huddle/internal/devices"
)

// pliInterval is how often a PLI is sent for each remote video track so a
// late-joining subscriber gets keyframes.
const pliInterval = 3 * time.Second

// pionRoom is the live session: one peer connection to the media service
// plus the signaling socket that carries roster and SDP traffic.
type pionRoom struct {
	pc       *webrtc.PeerConnection
	sig      *signalClient
	selector *mediadevices.CodecSelector
	registry *devices.Registry

	joined chan struct{} // closed when the joined frame arrives

	mu      sync.RWMutex
	name    string
	local   *localParticipant
	remotes map[string]*remoteParticipant

	cbMu         sync.RWMutex
	onLocalReady []func(LocalParticipant)
	onRoster     []func()
	onDisconnect []func(error)

	closeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

func newRoom(pc *webrtc.PeerConnection, selector *mediadevices.CodecSelector, registry *devices.Registry) *pionRoom {
	return &pionRoom{
		pc:       pc,
		selector: selector,
		registry: registry,
		joined:   make(chan struct{}),
		remotes:  make(map[string]*remoteParticipant),
		done:     make(chan struct{}),
	}
}

func (r *pionRoom) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *pionRoom) Local() (LocalParticipant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.local == nil {
		return nil, false
	}
	return r.local, true
}

func (r *pionRoom) OnLocalReady(fn func(LocalParticipant)) {
	r.cbMu.Lock()
	r.onLocalReady = append(r.onLocalReady, fn)
	r.cbMu.Unlock()

	// Fire immediately if the handle already exists.
	if local, ok := r.Local(); ok {
		fn(local)
	}
}

func (r *pionRoom) RemoteParticipants() []RemoteParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RemoteParticipant, 0, len(r.remotes))
	for _, p := range r.remotes {
		out = append(out, p)
	}
	return out
}

func (r *pionRoom) OnRosterChange(fn func()) {
	r.cbMu.Lock()
	r.onRoster = append(r.onRoster, fn)
	r.cbMu.Unlock()
}

func (r *pionRoom) OnDisconnect(fn func(error)) {
	r.cbMu.Lock()
	r.onDisconnect = append(r.onDisconnect, fn)
	r.cbMu.Unlock()
}

// Disconnect leaves the room deliberately. Idempotent.
func (r *pionRoom) Disconnect() {
	r.teardown(nil)
}

// teardown runs at most once. The signal client's close callback is detached
// before the socket is closed, and re-entrant calls bail on the closed flag,
// so the two shutdown paths (deliberate disconnect, socket death) cannot
// recurse into each other.
func (r *pionRoom) teardown(reason error) {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	r.closeMu.Unlock()

	close(r.done)

	r.mu.RLock()
	local := r.local
	r.mu.RUnlock()
	if local != nil {
		local.stopAll()
	}

	if r.sig != nil {
		r.sig.detachOnClosed()
		r.sig.send(sigLeave, nil)
		r.sig.close()
	}
	r.pc.Close()

	r.cbMu.RLock()
	cbs := append([]func(error){}, r.onDisconnect...)
	r.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(reason)
	}
}

// signalClosed runs when the signaling socket dies for any reason.
// A dead socket means the session is over: transport disconnects are a
// normal termination path, not an error to recover from here.
func (r *pionRoom) signalClosed(err error) {
	if err != nil {
		rtcLog.Infow("signal socket closed", "err", err)
	}
	r.teardown(err)
}

// handleSignal routes one inbound signaling frame.
func (r *pionRoom) handleSignal(msg *signalMessage) {
	switch msg.Type {
	case sigJoined:
		r.handleJoined(msg)
	case sigOffer:
		r.handleOffer(msg)
	case sigAnswer:
		r.handleAnswer(msg)
	case sigICECandidate:
		r.handleCandidate(msg)
	case sigTrackPublished:
		r.handleTrackEvent(msg, true)
	case sigTrackUnpublished:
		r.handleTrackEvent(msg, false)
	case sigParticipantState:
		r.handleParticipantState(msg)
	case sigParticipantGone:
		r.handleParticipantGone(msg)
	default:
		rtcLog.Debugw("ignoring signal", "type", msg.Type)
	}
}

func (r *pionRoom) handleJoined(msg *signalMessage) {
	p, err := decodePayload[joinedPayload](msg.Payload)
	if err != nil {
		rtcLog.Warnw("bad joined payload", "err", err)
		return
	}

	r.mu.Lock()
	r.name = p.RoomName
	r.local = newLocalParticipant(p.Identity, r)
	// The joined roster is authoritative. On a reconnect it replaces the old
	// map wholesale so participants who left during the outage do not linger
	// with their published tracks.
	r.remotes = make(map[string]*remoteParticipant, len(p.Participants))
	for _, info := range p.Participants {
		r.remotes[info.Identity] = newRemoteParticipant(info)
	}
	local := r.local
	r.mu.Unlock()

	select {
	case <-r.joined:
		// Reconnect: the service confirmed again; a fresh local handle
		// exists, so ready callbacks fire a second time.
	default:
		close(r.joined)
	}

	r.cbMu.RLock()
	ready := append([]func(LocalParticipant){}, r.onLocalReady...)
	r.cbMu.RUnlock()
	for _, fn := range ready {
		fn(local)
	}
	r.notifyRoster()
}

func (r *pionRoom) handleOffer(msg *signalMessage) {
	offer, err := decodePayload[webrtc.SessionDescription](msg.Payload)
	if err != nil {
		rtcLog.Warnw("bad offer payload", "err", err)
		return
	}
	if err := r.pc.SetRemoteDescription(*offer); err != nil {
		rtcLog.Errorw("set remote offer", "err", err)
		return
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		rtcLog.Errorw("create answer", "err", err)
		return
	}
	if err := r.pc.SetLocalDescription(answer); err != nil {
		rtcLog.Errorw("set local answer", "err", err)
		return
	}
	if err := r.sig.send(sigAnswer, answer); err != nil {
		rtcLog.Errorw("send answer", "err", err)
	}
}

func (r *pionRoom) handleAnswer(msg *signalMessage) {
	answer, err := decodePayload[webrtc.SessionDescription](msg.Payload)
	if err != nil {
		rtcLog.Warnw("bad answer payload", "err", err)
		return
	}
	if err := r.pc.SetRemoteDescription(*answer); err != nil {
		rtcLog.Errorw("set remote answer", "err", err)
	}
}

func (r *pionRoom) handleCandidate(msg *signalMessage) {
	cand, err := decodePayload[webrtc.ICECandidateInit](msg.Payload)
	if err != nil {
		rtcLog.Warnw("bad candidate payload", "err", err)
		return
	}
	if err := r.pc.AddICECandidate(*cand); err != nil {
		rtcLog.Warnw("add ice candidate", "err", err)
	}
}

func (r *pionRoom) handleTrackEvent(msg *signalMessage, published bool) {
	evt, err := decodePayload[trackEvent](msg.Payload)
	if err != nil {
		rtcLog.Warnw("bad track event", "err", err)
		return
	}

	r.mu.Lock()
	p, ok := r.remotes[evt.Identity]
	if !ok {
		p = newRemoteParticipant(participantInfo{Identity: evt.Identity})
		r.remotes[evt.Identity] = p
	}
	p.setTrack(TrackKind(evt.Kind), published)
	r.mu.Unlock()

	r.notifyRoster()
}

func (r *pionRoom) handleParticipantState(msg *signalMessage) {
	evt, err := decodePayload[stateEvent](msg.Payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	if p, ok := r.remotes[evt.Identity]; ok {
		p.setQuality(evt.Quality)
	}
	r.mu.Unlock()
	r.notifyRoster()
}

func (r *pionRoom) handleParticipantGone(msg *signalMessage) {
	evt, err := decodePayload[trackEvent](msg.Payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.remotes, evt.Identity)
	r.mu.Unlock()
	r.notifyRoster()
}

// handleRemoteTrack drains an incoming RTP track and keeps keyframes coming
// for video. Rendering is someone else's job; the drain keeps the
// interceptor chain and stats alive.
func (r *pionRoom) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	rtcLog.Infow("remote track", "kind", track.Kind().String(), "id", track.ID())

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go r.pliLoop(track)
	}

	go func() {
		for {
			_, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					rtcLog.Debugw("remote track read", "err", err)
				}
				return
			}
		}
	}()
}

func (r *pionRoom) pliLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			err := r.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// handleICEState folds ICE transitions into the session lifecycle. Failed is
// terminal; disconnected is left to ICE's own recovery.
func (r *pionRoom) handleICEState(state webrtc.ICEConnectionState) {
	rtcLog.Debugw("ice state", "state", state.String())
	if state == webrtc.ICEConnectionStateFailed {
		r.teardown(errors.New("ice connection failed"))
	}
}

// renegotiate pushes a fresh offer after the local track set changed.
func (r *pionRoom) renegotiate() {
	offer, err := r.pc.CreateOffer(nil)
	if err != nil {
		rtcLog.Errorw("create offer", "err", err)
		return
	}
	if err := r.pc.SetLocalDescription(offer); err != nil {
		rtcLog.Errorw("set local offer", "err", err)
		return
	}
	if err := r.sig.send(sigOffer, offer); err != nil {
		rtcLog.Errorw("send offer", "err", err)
	}
}

func (r *pionRoom) notifyRoster() {
	r.cbMu.RLock()
	cbs := append([]func(){}, r.onRoster...)
	r.cbMu.RUnlock()
	for _, fn := range cbs {
		fn()
	}
}

// remoteParticipant tracks another attendee's published track kinds.
type remoteParticipant struct {
	identity string

	mu      sync.RWMutex
	tracks  map[TrackKind]bool
	quality string
}

func newRemoteParticipant(info participantInfo) *remoteParticipant {
	p := &remoteParticipant{
		identity: info.Identity,
		tracks:   make(map[TrackKind]bool),
		quality:  info.Quality,
	}
	for _, k := range info.Tracks {
		p.tracks[TrackKind(k)] = true
	}
	return p
}

func (p *remoteParticipant) Identity() string { return p.identity }

func (p *remoteParticipant) HasTrack(kind TrackKind) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracks[kind]
}

func (p *remoteParticipant) ConnectionQuality() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quality
}

func (p *remoteParticipant) setTrack(kind TrackKind, on bool) {
	p.mu.Lock()
	if on {
		p.tracks[kind] = true
	} else {
		delete(p.tracks, kind)
	}
	p.mu.Unlock()
}

func (p *remoteParticipant) setQuality(q string) {
	p.mu.Lock()
	p.quality = q
	p.mu.Unlock()
}
