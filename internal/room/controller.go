// Package room runs one live call attendance: it owns the media room handle,
// the local device toggles, and the advisory screen-share admission rule.
// Local transport state is authoritative for what this client publishes; the
// backend is only told about it afterwards so other clients can see it.
package room

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petervdpas/huddle/internal/backend"
	"github.com/petervdpas/huddle/internal/devices"
	"github.com/petervdpas/huddle/internal/notify"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/session"
)

// ErrNotReady is surfaced when a toggle arrives before the local participant
// handle exists.
var ErrNotReady = errors.New("call is not ready yet")

// ErrScreenShareBusy is surfaced when another participant already shares.
var ErrScreenShareBusy = errors.New("someone else is already sharing their screen")

// JoinPreferences is the caller's desired initial device state, applied
// exactly once per attendance.
type JoinPreferences struct {
	Mic   bool
	Video bool
}

// Gateway is the slice of the mutation gateway the controller pushes
// participant-state updates through.
type Gateway interface {
	UpdateParticipantState(ctx context.Context, id string, upd *backend.ParticipantStateUpdate) error
}

// LocalState is a snapshot of what this client currently publishes.
type LocalState struct {
	MicEnabled    bool
	CameraEnabled bool
	ScreenSharing bool
}

// PreviewKind tells the docked surface what to show.
type PreviewKind string

const (
	PreviewRemoteScreen PreviewKind = "remote-screen"
	PreviewLocal        PreviewKind = "local"
	PreviewRemote       PreviewKind = "remote"
	PreviewNone         PreviewKind = "none"
)

// Preview is the compact surface selection for docked mode.
type Preview struct {
	Kind     PreviewKind
	Identity string
}

// prefGuard tracks exactly-once preference application per attendance.
// generation bumps whenever the preferences change, so a new intent for the
// same call id applies again while a re-ready handle does not.
type prefGuard struct {
	callID     string
	generation uint64
	applied    bool
}

// Controller drives one call's media session.
type Controller struct {
	callID    string
	transport rtc.Transport
	gateway   Gateway
	registry  *devices.Registry
	notifier  notify.Notifier

	mu    sync.Mutex
	room  rtc.Room
	prefs *JoinPreferences
	guard prefGuard

	closedMu sync.RWMutex
	onClosed []func(reason error)
}

// New creates a controller for callID. Nothing connects until Connect.
func New(callID string, transport rtc.Transport, gw Gateway, registry *devices.Registry, n notify.Notifier) *Controller {
	if n == nil {
		n = notify.LogNotifier{}
	}
	return &Controller{
		callID:    callID,
		transport: transport,
		gateway:   gw,
		registry:  registry,
		notifier:  n,
		guard:     prefGuard{callID: callID},
	}
}

// CallID returns the call this controller serves.
func (c *Controller) CallID() string { return c.callID }

// SetPendingPreferences replaces the join preferences. Changing them re-arms
// the exactly-once guard for this attendance.
func (c *Controller) SetPendingPreferences(p *JoinPreferences) {
	c.mu.Lock()
	c.prefs = p
	c.guard = prefGuard{callID: c.callID, generation: c.guard.generation + 1}
	c.mu.Unlock()
}

// Connect joins the media room with the given credentials. The declared
// intent in the credentials' join options reaches the backend separately via
// the gateway's join mutation; here it only seeds the local publish state.
func (c *Controller) Connect(ctx context.Context, creds *session.Credentials, opts rtc.JoinOptions) error {
	if !creds.Valid() {
		return errors.New("invalid session credentials")
	}

	room, err := c.transport.Join(ctx, creds.URL, creds.Token, opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.room = room
	c.mu.Unlock()

	room.OnLocalReady(func(local rtc.LocalParticipant) {
		c.applyPreferences(context.Background(), local)
	})
	room.OnDisconnect(func(reason error) {
		c.closedMu.RLock()
		cbs := append([]func(error){}, c.onClosed...)
		c.closedMu.RUnlock()
		for _, fn := range cbs {
			fn(reason)
		}
	})
	return nil
}

// OnClosed registers a callback fired when the media session ends, whether
// by local disconnect or transport failure.
func (c *Controller) OnClosed(fn func(reason error)) {
	c.closedMu.Lock()
	c.onClosed = append(c.onClosed, fn)
	c.closedMu.Unlock()
}

// Disconnect leaves the media room. Idempotent; safe before Connect.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	room := c.room
	c.room = nil
	c.mu.Unlock()
	if room != nil {
		room.Disconnect()
	}
}

// local returns the ready local participant handle, if any.
func (c *Controller) local() (rtc.LocalParticipant, bool) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return nil, false
	}
	return room.Local()
}

// applyPreferences applies pending join preferences exactly once per
// attendance. The handle can become ready more than once (reconnect); the
// guard makes the second pass a no-op. Application failures are logged, not
// fatal: the call continues with whatever the transport gave us.
func (c *Controller) applyPreferences(ctx context.Context, local rtc.LocalParticipant) {
	c.mu.Lock()
	prefs := c.prefs
	shouldApply := prefs != nil && c.guard.callID == c.callID && !c.guard.applied
	if shouldApply {
		c.guard.applied = true
	}
	c.mu.Unlock()

	if !shouldApply {
		return
	}

	if err := local.SetMicEnabled(ctx, prefs.Mic); err != nil {
		log.Printf("ROOM [%s]: apply mic preference: %v", c.callID, err)
	}
	if err := local.SetCameraEnabled(ctx, prefs.Video); err != nil {
		log.Printf("ROOM [%s]: apply video preference: %v", c.callID, err)
	}
	c.pushState(ctx, local)
}

// State reads the transport's actual publish state.
func (c *Controller) State() LocalState {
	local, ok := c.local()
	if !ok {
		return LocalState{}
	}
	return LocalState{
		MicEnabled:    local.MicEnabled(),
		CameraEnabled: local.CameraEnabled(),
		ScreenSharing: local.ScreenShareEnabled(),
	}
}

// ToggleMic flips the microphone.
func (c *Controller) ToggleMic(ctx context.Context) error {
	return c.toggle(ctx, "microphone",
		func(l rtc.LocalParticipant) bool { return l.MicEnabled() },
		func(l rtc.LocalParticipant, on bool) error { return l.SetMicEnabled(ctx, on) })
}

// ToggleCamera flips the camera.
func (c *Controller) ToggleCamera(ctx context.Context) error {
	return c.toggle(ctx, "camera",
		func(l rtc.LocalParticipant) bool { return l.CameraEnabled() },
		func(l rtc.LocalParticipant, on bool) error { return l.SetCameraEnabled(ctx, on) })
}

// toggle runs the shared toggle contract: require a ready handle, attempt
// the transport operation, then report the transport's actual state to the
// backend. On failure the UI state is whatever the transport reports — no
// optimistic guess survives.
func (c *Controller) toggle(ctx context.Context, what string, read func(rtc.LocalParticipant) bool, write func(rtc.LocalParticipant, bool) error) error {
	local, ok := c.local()
	if !ok {
		c.notifier.Error("Call is not ready yet")
		return ErrNotReady
	}

	target := !read(local)
	if err := write(local, target); err != nil {
		// Re-read rather than assume: a second toggle may have resolved
		// in between, or the operation may have half-applied.
		actual := read(local)
		log.Printf("ROOM [%s]: %s toggle failed (state=%v): %v", c.callID, what, actual, err)
		c.notifier.Error("Could not switch " + what + ": " + backend.ErrorMessage(err, "transport error"))
		return err
	}

	c.pushState(ctx, local)
	return nil
}

// ToggleScreenShare flips screen sharing, enforcing the advisory exclusivity
// rule: if any other participant publishes a screen track, enabling is
// refused locally with no transport or backend traffic. Two clients toggling
// within the same instant can still both win; the track list is the source
// of truth and this check is best-effort only.
func (c *Controller) ToggleScreenShare(ctx context.Context) error {
	local, ok := c.local()
	if !ok {
		c.notifier.Error("Call is not ready yet")
		return ErrNotReady
	}

	enabling := !local.ScreenShareEnabled()
	if enabling && c.otherIsSharing() {
		c.notifier.Error(ErrScreenShareBusy.Error())
		return ErrScreenShareBusy
	}

	if err := local.SetScreenShareEnabled(ctx, enabling); err != nil {
		actual := local.ScreenShareEnabled()
		log.Printf("ROOM [%s]: screen share toggle failed (state=%v): %v", c.callID, actual, err)
		c.notifier.Error("Could not switch screen share: " + backend.ErrorMessage(err, "transport error"))
		return err
	}

	c.pushState(ctx, local)
	return nil
}

// CanShareScreen reports whether the screen-share toggle may be used.
func (c *Controller) CanShareScreen() bool {
	local, ok := c.local()
	if !ok {
		return false
	}
	return local.ScreenShareEnabled() || !c.otherIsSharing()
}

// ScreenShareLocked reports whether the toggle should be disabled in the UI.
func (c *Controller) ScreenShareLocked() bool {
	local, ok := c.local()
	if !ok {
		return false
	}
	return c.otherIsSharing() && !local.ScreenShareEnabled()
}

// otherIsSharing checks the live track list for a non-local screen share.
func (c *Controller) otherIsSharing() bool {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return false
	}
	for _, p := range room.RemoteParticipants() {
		if p.HasTrack(rtc.TrackScreen) {
			return true
		}
	}
	return false
}

// SwitchDevice selects a different device. On transport failure the registry
// selection reverts to the prior device and the error is surfaced.
func (c *Controller) SwitchDevice(ctx context.Context, kind devices.Kind, deviceID string) error {
	prev, hadPrev := c.registry.Selected(kind)
	if err := c.registry.Select(kind, deviceID); err != nil {
		c.notifier.Error("Unknown device")
		return err
	}

	local, ok := c.local()
	if !ok {
		// No live session: selection alone is the whole operation.
		return nil
	}

	if err := local.SwitchDevice(ctx, kind, deviceID); err != nil {
		if hadPrev {
			c.registry.Select(kind, prev.ID)
		}
		c.notifier.Error("Could not switch device: " + backend.ErrorMessage(err, "transport error"))
		return err
	}
	return nil
}

// Preview picks the compact surface for docked mode: an active remote screen
// share wins, then the local tile, then the first remote participant.
// Docked mode changes nothing else — the connection and all toggle logic
// keep running.
func (c *Controller) Preview() Preview {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return Preview{Kind: PreviewNone}
	}

	remotes := room.RemoteParticipants()
	for _, p := range remotes {
		if p.HasTrack(rtc.TrackScreen) {
			return Preview{Kind: PreviewRemoteScreen, Identity: p.Identity()}
		}
	}
	if local, ok := room.Local(); ok {
		return Preview{Kind: PreviewLocal, Identity: local.Identity()}
	}
	if len(remotes) > 0 {
		return Preview{Kind: PreviewRemote, Identity: remotes[0].Identity()}
	}
	return Preview{Kind: PreviewNone}
}

// RemoteState is one roster entry, rebuilt from the live track list.
type RemoteState struct {
	Identity       string
	HasAudio       bool
	HasCamera      bool
	HasScreenShare bool
	Quality        string
}

// Roster returns the remote participants and their published tracks.
func (c *Controller) Roster() []RemoteState {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return nil
	}

	remotes := room.RemoteParticipants()
	out := make([]RemoteState, 0, len(remotes))
	for _, p := range remotes {
		out = append(out, RemoteState{
			Identity:       p.Identity(),
			HasAudio:       p.HasTrack(rtc.TrackAudio),
			HasCamera:      p.HasTrack(rtc.TrackVideo),
			HasScreenShare: p.HasTrack(rtc.TrackScreen),
			Quality:        p.ConnectionQuality(),
		})
	}
	return out
}

// pushState reports the aggregate local state to the backend so other
// clients can render it. Last write wins; failures only log, the local
// state already reflects the truth.
func (c *Controller) pushState(ctx context.Context, local rtc.LocalParticipant) {
	muted := !local.MicEnabled()
	video := local.CameraEnabled()
	sharing := local.ScreenShareEnabled()
	upd := &backend.ParticipantStateUpdate{
		IsMuted:         &muted,
		IsVideoEnabled:  &video,
		IsScreenSharing: &sharing,
	}
	if err := c.gateway.UpdateParticipantState(ctx, c.callID, upd); err != nil {
		log.Printf("ROOM [%s]: push participant state: %v", c.callID, err)
	}
}
