// Package incoming turns call invitations into ring state and, on accept,
// drives the overlay and the mutation gateway through the join sequence.
package incoming

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/room"
)

// Invite is one incoming call notification.
type Invite struct {
	CallID        string
	CallType      call.Type
	InitiatorName string
	ReceivedAt    time.Time
}

// Joiner registers attendance with the backend. *gateway.Gateway satisfies it.
type Joiner interface {
	Join(ctx context.Context, id string, withAudio, withVideo bool) error
}

// Shell is the overlay surface the handler drives. *overlay.Overlay
// satisfies it.
type Shell interface {
	SetPendingPreferences(p *room.JoinPreferences)
	SetActiveCall(ctx context.Context, id string)
	SetSessionEnabled(ctx context.Context, enabled bool)
	Reset()
}

// Handler holds at most one pending invite. Presenting a new invite while
// one is ringing replaces it; the caller decides whether that is acceptable
// upstream (the event channel delivers invites one at a time).
type Handler struct {
	joiner Joiner
	shell  Shell

	mu      sync.Mutex
	current *Invite

	listenerMu sync.RWMutex
	listeners  map[chan *Invite]struct{}
}

// New creates a Handler in the dismissed state.
func New(joiner Joiner, shell Shell) *Handler {
	return &Handler{
		joiner:    joiner,
		shell:     shell,
		listeners: make(map[chan *Invite]struct{}),
	}
}

// Present starts ringing for an invite. A duplicate invite for the call
// already ringing is ignored.
func (h *Handler) Present(inv Invite) {
	if inv.CallID == "" {
		return
	}
	if inv.ReceivedAt.IsZero() {
		inv.ReceivedAt = time.Now()
	}

	h.mu.Lock()
	if h.current != nil && h.current.CallID == inv.CallID {
		h.mu.Unlock()
		return
	}
	h.current = &inv
	h.mu.Unlock()

	log.Printf("INCOMING [%s]: ringing (%s from %s)", inv.CallID, inv.CallType, inv.InitiatorName)
	h.emit(&inv)
}

// Current returns the ringing invite, if any.
func (h *Handler) Current() (*Invite, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil, false
	}
	return h.current, true
}

// Ringing reports whether an invite is pending.
func (h *Handler) Ringing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current != nil
}

// Accept dismisses the ring and joins the call: preferences are parked on
// the overlay, the call becomes active, attendance is registered with the
// backend, and only then is the media session enabled. A backend failure
// rolls the overlay back to idle; the ring stays dismissed either way.
func (h *Handler) Accept(ctx context.Context, prefs *room.JoinPreferences) error {
	h.mu.Lock()
	inv := h.current
	h.current = nil
	h.mu.Unlock()
	if inv == nil {
		return nil
	}
	h.emit(nil)

	h.shell.SetPendingPreferences(prefs)
	h.shell.SetActiveCall(ctx, inv.CallID)

	audio, video := true, true
	if prefs != nil {
		audio, video = prefs.Mic, prefs.Video
	}
	if err := h.joiner.Join(ctx, inv.CallID, audio, video); err != nil {
		h.shell.Reset()
		return err
	}

	h.shell.SetSessionEnabled(ctx, true)
	return nil
}

// Decline dismisses the ring. The backend is not told: the call keeps
// ringing for other devices and participants.
func (h *Handler) Decline() {
	h.mu.Lock()
	inv := h.current
	h.current = nil
	h.mu.Unlock()
	if inv == nil {
		return
	}
	log.Printf("INCOMING [%s]: declined", inv.CallID)
	h.emit(nil)
}

// Dismiss clears the ring for a call that ended or was cancelled remotely.
func (h *Handler) Dismiss(callID string) {
	h.mu.Lock()
	if h.current == nil || h.current.CallID != callID {
		h.mu.Unlock()
		return
	}
	h.current = nil
	h.mu.Unlock()
	h.emit(nil)
}

// Subscribe returns a channel receiving the pending invite on ring and nil
// on dismissal.
func (h *Handler) Subscribe() (ch chan *Invite, cancel func()) {
	ch = make(chan *Invite, 8)

	h.listenerMu.Lock()
	h.listeners[ch] = struct{}{}
	h.listenerMu.Unlock()

	cancel = func() {
		h.listenerMu.Lock()
		if _, ok := h.listeners[ch]; ok {
			delete(h.listeners, ch)
			close(ch)
		}
		h.listenerMu.Unlock()
	}
	return ch, cancel
}

func (h *Handler) emit(inv *Invite) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- inv:
		default:
		}
	}
}
