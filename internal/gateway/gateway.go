// Package gateway executes call lifecycle transitions against the backend.
// Every mutation follows the same contract: validate before dispatch, on
// success invalidate the metadata caches and report success, on failure leave
// every cache untouched and surface a human-readable message. Errors are
// returned as well so callers can decide whether to retry, but they never
// escape uncaught.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/backend"
	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/notify"
)

// Validation errors, rejected before any network dispatch.
var (
	ErrTitleRequired  = errors.New("a scheduled call needs a title")
	ErrStartRequired  = errors.New("a scheduled call needs a start time")
	ErrBadTimeRange   = errors.New("end time must be after start time")
	ErrNoInvitees     = errors.New("a call needs at least one invited user")
	ErrCallIDRequired = errors.New("call id is required")
)

// Backend is the slice of the REST client the gateway dispatches to.
type Backend interface {
	StartCall(ctx context.Context, req *backend.StartCallRequest) (*call.Call, error)
	JoinCall(ctx context.Context, id string, req *backend.JoinCallRequest) error
	LeaveCall(ctx context.Context, id string) error
	EndCall(ctx context.Context, id string) error
	UpdateParticipantState(ctx context.Context, id string, upd *backend.ParticipantStateUpdate) error
}

// Caches is what the gateway invalidates after a successful mutation.
type Caches interface {
	Invalidate(id string)
	InvalidateList()
}

// Gateway runs lifecycle mutations and reconciles local caches.
type Gateway struct {
	backend  Backend
	caches   Caches
	notifier notify.Notifier

	// left remembers calls this client already left, so a second leave is
	// a no-op instead of a duplicate error toast.
	leftMu sync.Mutex
	left   map[string]struct{}
}

// New creates a gateway.
func New(b Backend, caches Caches, n notify.Notifier) *Gateway {
	if n == nil {
		n = notify.LogNotifier{}
	}
	return &Gateway{backend: b, caches: caches, notifier: n, left: make(map[string]struct{})}
}

// Start creates and immediately activates a call.
func (g *Gateway) Start(ctx context.Context, typ call.Type, invitedUserIDs []string) (*call.Call, error) {
	if len(invitedUserIDs) == 0 {
		g.notifier.Error(ErrNoInvitees.Error())
		return nil, ErrNoInvitees
	}
	c, err := g.backend.StartCall(ctx, &backend.StartCallRequest{
		Type:           typ,
		InvitedUserIDs: invitedUserIDs,
	})
	if err != nil {
		g.fail("start call", err)
		return nil, err
	}
	g.settle(c.ID)
	g.notifier.Success("Call started")
	return c, nil
}

// Schedule creates a call for a future window.
func (g *Gateway) Schedule(ctx context.Context, typ call.Type, title string, invitedUserIDs []string, startAt time.Time, endAt *time.Time) (*call.Call, error) {
	if title == "" {
		g.notifier.Error(ErrTitleRequired.Error())
		return nil, ErrTitleRequired
	}
	if startAt.IsZero() {
		g.notifier.Error(ErrStartRequired.Error())
		return nil, ErrStartRequired
	}
	if endAt != nil && !startAt.Before(*endAt) {
		g.notifier.Error(ErrBadTimeRange.Error())
		return nil, ErrBadTimeRange
	}
	c, err := g.backend.StartCall(ctx, &backend.StartCallRequest{
		Type:           typ,
		InvitedUserIDs: invitedUserIDs,
		Title:          title,
		ScheduledAt:    &startAt,
		ScheduledEnd:   endAt,
	})
	if err != nil {
		g.fail("schedule call", err)
		return nil, err
	}
	g.settle(c.ID)
	g.notifier.Success(fmt.Sprintf("Call %q scheduled", title))
	return c, nil
}

// Join marks the caller joined, carrying the declared initial device intent.
// The intent is what other clients see; the local transport reconciles its
// own capability against it after the room join.
func (g *Gateway) Join(ctx context.Context, id string, withAudio, withVideo bool) error {
	if id == "" {
		g.notifier.Error(ErrCallIDRequired.Error())
		return ErrCallIDRequired
	}
	err := g.backend.JoinCall(ctx, id, &backend.JoinCallRequest{
		WithAudio: withAudio,
		WithVideo: withVideo,
	})
	if err != nil {
		g.fail("join call", err)
		return err
	}
	g.leftMu.Lock()
	delete(g.left, id)
	g.leftMu.Unlock()
	g.settle(id)
	g.notifier.Success("Joined call")
	return nil
}

// Leave marks the caller left. Leaving a call already left is a no-op.
func (g *Gateway) Leave(ctx context.Context, id string) error {
	if id == "" {
		return ErrCallIDRequired
	}
	g.leftMu.Lock()
	_, already := g.left[id]
	g.leftMu.Unlock()
	if already {
		log.Printf("GATEWAY [%s]: already left, skipping", id)
		return nil
	}

	if err := g.backend.LeaveCall(ctx, id); err != nil {
		g.fail("leave call", err)
		return err
	}
	g.leftMu.Lock()
	g.left[id] = struct{}{}
	g.leftMu.Unlock()
	g.settle(id)
	g.notifier.Success("Left call")
	return nil
}

// End ends the call for everyone.
func (g *Gateway) End(ctx context.Context, id string) error {
	if id == "" {
		return ErrCallIDRequired
	}
	if err := g.backend.EndCall(ctx, id); err != nil {
		g.fail("end call", err)
		return err
	}
	g.settle(id)
	g.notifier.Success("Call ended")
	return nil
}

// UpdateParticipantState pushes a partial media-flag update for the caller.
// Pushes are last-write-wins; concurrent toggles from the same user on
// another device are not sequenced against this one.
func (g *Gateway) UpdateParticipantState(ctx context.Context, id string, upd *backend.ParticipantStateUpdate) error {
	if id == "" {
		return ErrCallIDRequired
	}
	if err := g.backend.UpdateParticipantState(ctx, id, upd); err != nil {
		g.fail("update participant state", err)
		return err
	}
	g.caches.Invalidate(id)
	return nil
}

// settle invalidates the per-call and aggregate caches after a mutation.
func (g *Gateway) settle(id string) {
	g.caches.Invalidate(id)
	g.caches.InvalidateList()
}

func (g *Gateway) fail(op string, err error) {
	msg := backend.ErrorMessage(err, "Something went wrong, please try again")
	log.Printf("GATEWAY: %s failed: %v", op, err)
	g.notifier.Error(msg)
}
