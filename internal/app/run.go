// Package app wires the client together: configuration, storage, the
// backend client, the metadata store, the mutation gateway, device
// enumeration, the media transport, and the overlay with its incoming-call
// handler on top.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/huddle/internal/backend"
	"github.com/petervdpas/huddle/internal/config"
	"github.com/petervdpas/huddle/internal/devices"
	"github.com/petervdpas/huddle/internal/events"
	"github.com/petervdpas/huddle/internal/gateway"
	"github.com/petervdpas/huddle/internal/incoming"
	"github.com/petervdpas/huddle/internal/meta"
	"github.com/petervdpas/huddle/internal/notify"
	"github.com/petervdpas/huddle/internal/overlay"
	"github.com/petervdpas/huddle/internal/room"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/storage"
	"github.com/petervdpas/huddle/internal/util"
)

const backendTimeout = 15 * time.Second

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

// Runtime is the fully wired client. Hosts embed it and drive the overlay
// and incoming handler from their UI layer.
type Runtime struct {
	Cfg      config.Config
	Backend  *backend.Client
	Meta     *meta.Store
	Gateway  *gateway.Gateway
	Devices  *devices.Registry
	Overlay  *overlay.Overlay
	Incoming *incoming.Handler
	Events   *events.Channel
	Notifier *notify.Fanout

	db     *storage.DB
	cancel context.CancelFunc
}

// Build constructs and starts a Runtime. The returned runtime keeps running
// until Close.
func Build(ctx context.Context, opt Options) (*Runtime, error) {
	cfg := opt.Cfg

	if err := os.MkdirAll(opt.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	token := readToken(opt.DataDir, cfg.Identity.TokenFile)

	db, err := storage.Open(opt.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	client := backend.New(cfg.Backend.BaseURL, token, backendTimeout)

	store := meta.New(client, db)
	if cfg.Backend.MetadataTTLSec > 0 {
		store.SetTTL(time.Duration(cfg.Backend.MetadataTTLSec) * time.Second)
	}

	notifier := notify.NewFanout(notify.LogNotifier{})
	gw := gateway.New(client, store, notifier)

	registry := devices.New()
	registry.StartWatch()
	preselect(registry, cfg.Media)

	transport := rtc.NewPionTransport(registry)

	ov := overlay.New(overlay.Options{
		Metadata: store,
		Gateway:  gw,
		Notifier: notifier,
		NewSession: func(callID string) overlay.Session {
			return room.New(callID, transport, gw, registry, notifier)
		},
	})

	inc := incoming.New(gw, ov)

	evch := events.NewChannel(cfg.EventsURL(), token)

	runCtx, cancel := context.WithCancel(ctx)
	rt := &Runtime{
		Cfg:      cfg,
		Backend:  client,
		Meta:     store,
		Gateway:  gw,
		Devices:  registry,
		Overlay:  ov,
		Incoming: inc,
		Events:   evch,
		Notifier: notifier,
		db:       db,
		cancel:   cancel,
	}

	go evch.Run(runCtx)
	go rt.routeEvents(runCtx)

	return rt, nil
}

// Run builds the runtime and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	rt, err := Build(ctx, opt)
	if err != nil {
		return err
	}
	defer rt.Close()

	log.Printf("APP: ready (backend %s)", opt.Cfg.Backend.BaseURL)
	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}

// DefaultPreferences derives join preferences from the media config.
func (rt *Runtime) DefaultPreferences() *room.JoinPreferences {
	return &room.JoinPreferences{
		Mic:   !rt.Cfg.Media.JoinMuted,
		Video: !rt.Cfg.Media.JoinWithoutVideo,
	}
}

// History returns the persisted call history, newest first.
func (rt *Runtime) History() ([]storage.HistoryRow, error) {
	limit := rt.Cfg.Storage.HistoryLimit
	if limit <= 0 {
		limit = 200
	}
	return rt.db.History(limit)
}

// Close tears the runtime down. The overlay leaves any live call first.
func (rt *Runtime) Close() {
	rt.Overlay.Close(context.Background())
	rt.cancel()
	rt.Events.Close()
	rt.Overlay.Dispose()
	rt.Devices.Close()
	if err := rt.db.Close(); err != nil {
		log.Printf("APP: close history db: %v", err)
	}
}

// routeEvents feeds backend notifications into the incoming handler, the
// metadata cache, and the overlay.
func (rt *Runtime) routeEvents(ctx context.Context) {
	ch, cancel := rt.Events.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			rt.handleEvent(ctx, ev)
		}
	}
}

func (rt *Runtime) handleEvent(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.EventCallInvitation:
		rt.Incoming.Present(incoming.Invite{
			CallID:        ev.CallID,
			CallType:      ev.CallType,
			InitiatorName: ev.InitiatorName,
			ReceivedAt:    ev.ReceivedAt,
		})

	case events.EventCallUpdated:
		rt.Meta.Invalidate(ev.CallID)
		rt.Meta.InvalidateList()
		if _, err := rt.Meta.Refresh(ctx, ev.CallID); err != nil {
			log.Printf("APP [%s]: refresh after update: %v", ev.CallID, err)
		}

	case events.EventCallEnded, events.EventCallCancelled:
		// The call is gone server-side: no leave round-trip, just drop
		// local state.
		rt.Meta.Invalidate(ev.CallID)
		rt.Meta.InvalidateList()
		rt.Incoming.Dismiss(ev.CallID)
		if rt.Overlay.Snapshot().ActiveCallID == ev.CallID {
			rt.Overlay.Reset()
		}

	default:
		log.Printf("APP: ignoring event type %q", ev.Type)
	}
}

// readToken loads the backend API token, tolerating a missing file so the
// client can start unauthenticated and register later.
func readToken(dataDir, tokenFile string) string {
	path := util.ResolvePath(dataDir, tokenFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("APP: read token file: %v", err)
		}
		return ""
	}
	return strings.TrimSpace(string(b))
}

// preselect applies configured device preferences by label match.
func preselect(r *devices.Registry, m config.Media) {
	selectByLabel := func(kind devices.Kind, label string) {
		if label == "" {
			return
		}
		for _, d := range r.Devices(kind) {
			if strings.EqualFold(d.Label, label) {
				if err := r.Select(kind, d.ID); err == nil {
					return
				}
			}
		}
		log.Printf("APP: preferred %s %q not found, using default", kind, label)
	}
	selectByLabel(devices.VideoInput, m.PreferredCam)
	selectByLabel(devices.AudioInput, m.PreferredMic)
}
