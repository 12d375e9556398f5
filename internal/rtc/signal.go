package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// signalMessage is one frame on the media service's signaling socket.
type signalMessage struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	sigJoin             = "join"
	sigJoined           = "joined"
	sigOffer            = "offer"
	sigAnswer           = "answer"
	sigICECandidate     = "ice-candidate"
	sigParticipantState = "participant-state"
	sigParticipantGone  = "participant-left"
	sigTrackPublished   = "track-published"
	sigTrackUnpublished = "track-unpublished"
	sigLeave            = "leave"

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = 25 * time.Second
)

// signalClient is the websocket signaling connection to the media service.
// Writes are serialized; reads are pumped to the onMessage handler until the
// socket dies, after which onClosed fires exactly once.
type signalClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	onMessage func(*signalMessage)

	mu       sync.Mutex
	onClosed func(err error)
	closed   bool

	done chan struct{}
}

// dialSignal connects to the media service and authenticates with the
// session token.
func dialSignal(ctx context.Context, url, token string, onMessage func(*signalMessage), onClosed func(error)) (*signalClient, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signal dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("signal dial: %w", err)
	}

	c := &signalClient{
		conn:      conn,
		onMessage: onMessage,
		onClosed:  onClosed,
		done:      make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// send marshals payload and writes one frame.
func (c *signalClient) send(msgType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", msgType, err)
		}
		raw = b
	}
	b, err := json.Marshal(&signalMessage{Type: msgType, Payload: raw})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("signal write %s: %w", msgType, err)
	}
	return nil
}

func (c *signalClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var msg signalMessage
		if uerr := json.Unmarshal(data, &msg); uerr != nil {
			rtcLog.Warnw("signal: dropping malformed frame", "err", uerr)
			continue
		}
		c.onMessage(&msg)
	}
}

func (c *signalClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// close tears the socket down deliberately; onClosed fires with nil.
func (c *signalClient) close() {
	c.shutdown(nil)
}

// detachOnClosed drops the close callback. The room detaches before closing
// the socket itself so its own teardown is not invoked a second time.
func (c *signalClient) detachOnClosed() {
	c.mu.Lock()
	c.onClosed = nil
	c.mu.Unlock()
}

// shutdown runs at most once. The closed flag is set before the callback
// fires and the callback runs outside the mutex, so a callback that closes
// the client again returns immediately instead of deadlocking.
func (c *signalClient) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.onClosed
	c.mu.Unlock()

	close(c.done)
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.conn.Close()
	if cb != nil {
		cb(err)
	}
}
