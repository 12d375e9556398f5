// Package overlay is the top-level orchestrator for the in-call shell.
// One Overlay instance owns which call is active, whether a live media
// session should exist, and the presentation mode. It is constructed
// explicitly and passed by reference — there is no package-level instance —
// and Dispose ends its life.
//
// All mutating entry points are serialized by one mutex; network and
// transport round-trips run in continuations that re-validate the overlay's
// generation before touching state, so a Reset during an in-flight suspension
// makes the late continuation a no-op instead of resurrecting stale session
// state.
package overlay

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/notify"
	"github.com/petervdpas/huddle/internal/room"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/session"
)

// Phase is the overlay's lifecycle state.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseMetadataLoading   Phase = "metadata-loading"
	PhaseSessionConnecting Phase = "session-connecting"
	PhaseInCall            Phase = "in-call"
	// PhaseMediaUnavailable is reached when session credentials came back
	// malformed: the overlay stays open but offers no retry path other than
	// re-initiating the call.
	PhaseMediaUnavailable Phase = "media-unavailable"
)

// Mode is the presentation axis, orthogonal to Phase.
type Mode string

const (
	ModeFull   Mode = "full"
	ModeDocked Mode = "docked"
)

// Snapshot is a consistent read of the overlay's public state.
type Snapshot struct {
	Phase          Phase
	Mode           Mode
	ActiveCallID   string
	SessionEnabled bool
}

// Metadata is the slice of the metadata store the overlay reads through.
type Metadata interface {
	Get(ctx context.Context, id string) (*call.Call, error)
	Credentials(ctx context.Context, id string) (*session.Credentials, error)
}

// Gateway is the slice of the mutation gateway the overlay needs.
type Gateway interface {
	Leave(ctx context.Context, id string) error
}

// Session is the per-attendance media controller as the overlay drives it.
// *room.Controller satisfies it.
type Session interface {
	SetPendingPreferences(p *room.JoinPreferences)
	Connect(ctx context.Context, creds *session.Credentials, opts rtc.JoinOptions) error
	Disconnect()
	OnClosed(fn func(reason error))
}

// Overlay orchestrates one client's call shell.
type Overlay struct {
	metadata   Metadata
	gateway    Gateway
	notifier   notify.Notifier
	newSession func(callID string) Session

	mu sync.Mutex
	// The four reset-scoped fields. Reset clears them together.
	activeCallID   string
	sessionEnabled bool
	mode           Mode
	pendingPrefs   *room.JoinPreferences

	// generation invalidates in-flight continuations on every Reset and
	// every active-call change.
	generation uint64

	record           *call.Call
	creds            *session.Credentials
	sess             Session
	connecting       bool
	mediaUnavailable bool
	disposed         bool

	listenerMu sync.RWMutex
	listeners  map[chan Snapshot]struct{}
}

// Options wires an Overlay.
type Options struct {
	Metadata Metadata
	Gateway  Gateway
	Notifier notify.Notifier
	// NewSession builds the media controller for one attendance.
	NewSession func(callID string) Session
}

// New creates an Overlay in the idle state.
func New(opts Options) *Overlay {
	n := opts.Notifier
	if n == nil {
		n = notify.LogNotifier{}
	}
	return &Overlay{
		metadata:   opts.Metadata,
		gateway:    opts.Gateway,
		notifier:   n,
		newSession: opts.NewSession,
		mode:       ModeFull,
		listeners:  make(map[chan Snapshot]struct{}),
	}
}

// Snapshot returns the current public state.
func (o *Overlay) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Overlay) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:          o.phaseLocked(),
		Mode:           o.mode,
		ActiveCallID:   o.activeCallID,
		SessionEnabled: o.sessionEnabled,
	}
}

func (o *Overlay) phaseLocked() Phase {
	switch {
	case o.activeCallID == "":
		return PhaseIdle
	case o.mediaUnavailable:
		return PhaseMediaUnavailable
	case !o.sessionEnabled:
		return PhaseMetadataLoading
	case o.sess != nil && !o.connecting:
		return PhaseInCall
	default:
		return PhaseSessionConnecting
	}
}

// Call returns the loaded call record, if any.
func (o *Overlay) Call() (*call.Call, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record == nil {
		return nil, false
	}
	return o.record, true
}

// Controller returns the live media session, if one exists.
func (o *Overlay) Controller() (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil || o.connecting {
		return nil, false
	}
	return o.sess, true
}

// SetActiveCall focuses the overlay on a call. An empty id clears the focus.
// Focusing a different call while a session is live first leaves the prior
// call — only one call may be active client-side at a time.
func (o *Overlay) SetActiveCall(ctx context.Context, id string) {
	o.mu.Lock()
	if o.disposed || o.activeCallID == id {
		o.mu.Unlock()
		return
	}

	if o.activeCallID != "" && o.sessionEnabled {
		prior := o.activeCallID
		o.mu.Unlock()
		if err := o.gateway.Leave(ctx, prior); err != nil {
			log.Printf("OVERLAY: leave prior call %s: %v", prior, err)
		}
		o.mu.Lock()
	}

	o.resetLocked()
	o.activeCallID = id
	o.mu.Unlock()
	o.emit()

	if id != "" {
		o.advance(ctx)
	}
}

// SetSessionEnabled gates credential fetch and room join. Enabling with no
// active call is refused: session state may never exist without a call.
// Enabling before the call record has loaded is legal — the join simply
// queues behind the metadata fetch.
func (o *Overlay) SetSessionEnabled(ctx context.Context, enabled bool) {
	o.mu.Lock()
	if o.disposed || o.sessionEnabled == enabled {
		o.mu.Unlock()
		return
	}
	if enabled && o.activeCallID == "" {
		o.mu.Unlock()
		log.Printf("OVERLAY: refusing session enable with no active call")
		return
	}
	o.sessionEnabled = enabled
	if !enabled {
		o.teardownSessionLocked()
	}
	o.mu.Unlock()
	o.emit()

	if enabled {
		o.advance(ctx)
	}
}

// SetPendingPreferences stores the caller's desired initial device state.
// It is consumed exactly once on join and then left stale; callers that do
// not want it reapplied on a later join of the same call must clear it.
func (o *Overlay) SetPendingPreferences(p *room.JoinPreferences) {
	o.mu.Lock()
	o.pendingPrefs = p
	if o.sess != nil {
		o.sess.SetPendingPreferences(p)
	}
	o.mu.Unlock()
}

// PendingPreferences returns the stored join preferences, if any.
func (o *Overlay) PendingPreferences() (*room.JoinPreferences, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pendingPrefs == nil {
		return nil, false
	}
	return o.pendingPrefs, true
}

// Dock switches to the compact presentation. Session state is untouched.
func (o *Overlay) Dock() {
	o.mu.Lock()
	o.mode = ModeDocked
	o.mu.Unlock()
	o.emit()
}

// Undock switches back to the full presentation. Session state is untouched.
func (o *Overlay) Undock() {
	o.mu.Lock()
	o.mode = ModeFull
	o.mu.Unlock()
	o.emit()
}

// Reset clears the active call, session gate, mode and pending preferences
// atomically and discards any in-flight join state. Idempotent and legal in
// every phase.
func (o *Overlay) Reset() {
	o.mu.Lock()
	o.resetLocked()
	o.mu.Unlock()
	o.emit()
}

// resetLocked is the single place overlay state dies. Credentials are
// discarded here and nowhere else: their lifetime is exactly one attendance.
func (o *Overlay) resetLocked() {
	o.generation++
	o.activeCallID = ""
	o.sessionEnabled = false
	o.mode = ModeFull
	o.pendingPrefs = nil
	o.record = nil
	o.mediaUnavailable = false
	o.teardownSessionLocked()
}

func (o *Overlay) teardownSessionLocked() {
	o.creds = nil
	o.connecting = false
	if sess := o.sess; sess != nil {
		o.sess = nil
		// Disconnect outside the lock: the transport may fire OnClosed
		// synchronously, and that path takes the lock again.
		go sess.Disconnect()
	}
}

// Close dismisses the overlay. While a session is enabled the backend leave
// runs first so other participants see the departure; a leave failure is
// surfaced but never blocks the reset.
func (o *Overlay) Close(ctx context.Context) {
	o.mu.Lock()
	id := o.activeCallID
	enabled := o.sessionEnabled
	o.mu.Unlock()

	if enabled && id != "" {
		if err := o.gateway.Leave(ctx, id); err != nil {
			log.Printf("OVERLAY: leave on close: %v", err)
		}
	}
	o.Reset()
}

// Dispose permanently shuts the overlay down.
func (o *Overlay) Dispose() {
	o.mu.Lock()
	o.resetLocked()
	o.disposed = true
	o.mu.Unlock()

	o.listenerMu.Lock()
	for ch := range o.listeners {
		close(ch)
	}
	o.listeners = make(map[chan Snapshot]struct{})
	o.listenerMu.Unlock()
}

// Subscribe returns a channel receiving state snapshots on every change.
func (o *Overlay) Subscribe() (ch chan Snapshot, cancel func()) {
	ch = make(chan Snapshot, 16)

	o.listenerMu.Lock()
	o.listeners[ch] = struct{}{}
	o.listenerMu.Unlock()

	cancel = func() {
		o.listenerMu.Lock()
		if _, ok := o.listeners[ch]; ok {
			delete(o.listeners, ch)
			close(ch)
		}
		o.listenerMu.Unlock()
	}
	return ch, cancel
}

func (o *Overlay) emit() {
	snap := o.Snapshot()
	o.listenerMu.RLock()
	defer o.listenerMu.RUnlock()
	for ch := range o.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
}

// advance drives the overlay toward the state its inputs ask for: load the
// record, then credentials, then the room. Each step re-validates that the
// overlay still points at the same call (generation) after its suspension.
func (o *Overlay) advance(ctx context.Context) {
	o.mu.Lock()
	if o.disposed || o.activeCallID == "" {
		o.mu.Unlock()
		return
	}
	gen := o.generation
	id := o.activeCallID
	needRecord := o.record == nil
	o.mu.Unlock()

	if needRecord {
		record, err := o.metadata.Get(ctx, id)

		o.mu.Lock()
		if o.stale(gen) {
			o.mu.Unlock()
			return
		}
		if err != nil {
			o.mu.Unlock()
			o.notifier.Error("Could not load call")
			o.Reset()
			return
		}
		o.record = record
		o.mu.Unlock()
		o.emit()
	}

	o.mu.Lock()
	start := o.sessionEnabled && o.creds == nil && o.sess == nil && !o.connecting && !o.mediaUnavailable
	if start {
		o.connecting = true
	}
	o.mu.Unlock()
	if !start {
		return
	}

	o.establishSession(ctx, gen, id)
}

// establishSession runs the credential fetch and room join for one attempt.
func (o *Overlay) establishSession(ctx context.Context, gen uint64, id string) {
	creds, err := o.metadata.Credentials(ctx, id)

	o.mu.Lock()
	if o.stale(gen) || !o.sessionEnabled {
		o.mu.Unlock()
		return
	}
	if err != nil {
		var parseErr *session.ParseError
		if errors.As(err, &parseErr) {
			// The call exists but its media session cannot: park the
			// overlay instead of tearing the whole thing down.
			o.mediaUnavailable = true
			o.connecting = false
			o.mu.Unlock()
			o.notifier.Error("Media is unavailable for this call")
			o.emit()
			return
		}
		o.mu.Unlock()
		o.notifier.Error("Could not start the call session")
		o.Reset()
		return
	}
	o.creds = creds
	prefs := o.pendingPrefs
	sess := o.newSession(id)
	o.sess = sess
	o.mu.Unlock()

	if prefs != nil {
		sess.SetPendingPreferences(prefs)
	}

	opts := rtc.JoinOptions{Audio: true, Video: true}
	if prefs != nil {
		opts = rtc.JoinOptions{Audio: prefs.Mic, Video: prefs.Video}
	}

	err = sess.Connect(ctx, creds, opts)

	o.mu.Lock()
	// o.sess != sess covers a session gate that flipped off (and possibly
	// back on) while Connect was in flight: the overlay no longer owns this
	// room, so the just-connected transport must be torn down here or nothing
	// ever will.
	if o.stale(gen) || o.sess != sess {
		o.mu.Unlock()
		sess.Disconnect()
		return
	}
	if err != nil {
		o.mu.Unlock()
		o.notifier.Error("Could not join the call")
		o.Reset()
		return
	}
	o.connecting = false
	o.mu.Unlock()

	// A transport disconnect is a normal termination: it closes the overlay.
	sess.OnClosed(func(reason error) {
		if reason != nil {
			log.Printf("OVERLAY [%s]: session closed: %v", id, reason)
		}
		o.mu.Lock()
		still := !o.stale(gen) && o.sess == sess
		o.mu.Unlock()
		if still {
			o.Close(context.Background())
		}
	})
	o.emit()
}

// stale reports whether a continuation belongs to an earlier overlay life.
func (o *Overlay) stale(gen uint64) bool {
	return o.disposed || o.generation != gen
}
