// Package events maintains the notification socket to the backend. Call
// invitations and call lifecycle changes arrive here and fan out to
// subscribers; the connection is reconnected with exponential backoff for as
// long as the channel is running.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/util"
)

var log = logging.Logger("events")

// Event types delivered on the notification socket.
const (
	EventCallInvitation = "call-invitation"
	EventCallUpdated    = "call-updated"
	EventCallEnded      = "call-ended"
	EventCallCancelled  = "call-cancelled"
)

// Event is one decoded notification frame.
type Event struct {
	Type          string          `json:"type"`
	CallID        string          `json:"call_id"`
	CallType      call.Type       `json:"call_type,omitempty"`
	InitiatorName string          `json:"initiator_name,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

const (
	recentCapacity = 64

	defaultBackoffMin = time.Second
	defaultBackoffMax = 30 * time.Second

	eventPongTimeout = 60 * time.Second
	eventPingPeriod  = 25 * time.Second
)

// Channel is the long-lived notification connection.
type Channel struct {
	url   string
	token string

	backoffMin time.Duration
	backoffMax time.Duration

	recent *util.RingBuffer[Event]

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel creates a channel for the given socket URL. Run starts it.
func NewChannel(url, token string) *Channel {
	return &Channel{
		url:        url,
		token:      token,
		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
		recent:     util.NewRingBuffer[Event](recentCapacity),
		listeners:  make(map[chan Event]struct{}),
		done:       make(chan struct{}),
	}
}

// Run connects and keeps the socket alive until ctx is cancelled or Close is
// called. Each successful connection resets the backoff.
func (c *Channel) Run(ctx context.Context) {
	backoff := c.backoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		connected, err := c.runOnce(ctx)
		// Reaching the server resets the backoff even when the socket later
		// drops: only consecutive failed dials escalate the retry delay.
		if connected {
			backoff = c.backoffMin
		}
		if err != nil {
			log.Warnw("notification socket down", "err", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

// runOnce dials and pumps frames until the socket dies. The bool reports
// whether the dial itself succeeded.
func (c *Channel) runOnce(ctx context.Context) (bool, error) {
	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, hdr)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		conn.Close()
		return true, nil
	default:
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	log.Infow("notification socket connected", "url", c.url)

	conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
		return nil
	})

	pingDone := make(chan struct{})
	go c.pingLoop(conn, pingDone)

	readErr := c.readLoop(conn)

	close(pingDone)
	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	return true, readErr
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev Event
		if uerr := json.Unmarshal(data, &ev); uerr != nil {
			log.Warnw("dropping malformed notification", "err", uerr)
			continue
		}
		if ev.Type == "" {
			continue
		}
		ev.ReceivedAt = time.Now()
		c.recent.Push(ev)
		c.emit(ev)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Connected reports whether the socket is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Recent returns the most recent events, oldest first.
func (c *Channel) Recent() []Event {
	return c.recent.Snapshot()
}

// Subscribe returns a channel receiving every decoded event. Slow consumers
// drop events rather than stalling the read loop.
func (c *Channel) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

func (c *Channel) emit(ev Event) {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for ch := range c.listeners {
		select {
		case ch <- ev:
		default:
			log.Warnw("subscriber lagging, dropping event", "type", ev.Type)
		}
	}
}

// Close stops the channel permanently.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}
