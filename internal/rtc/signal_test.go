package rtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sigServer accepts signaling connections and drains inbound frames so
// client writes keep succeeding.
type sigServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newSigServer(t *testing.T) *sigServer {
	t.Helper()
	s := &sigServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// newLiveRoom wires a room to a real signaling socket the way Join does,
// without a media service behind it.
func newLiveRoom(t *testing.T, s *sigServer) *pionRoom {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)

	r := newRoom(pc, nil, nil)
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http")
	sig, err := dialSignal(context.Background(), url, "tok", r.handleSignal, r.signalClosed)
	require.NoError(t, err)
	r.sig = sig
	return r
}

func TestDisconnectReturnsPromptly(t *testing.T) {
	s := newSigServer(t)
	r := newLiveRoom(t, s)

	var reasons []error
	r.OnDisconnect(func(reason error) { reasons = append(reasons, reason) })

	done := make(chan struct{})
	go func() {
		r.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect did not return")
	}

	require.Len(t, reasons, 1, "disconnect callbacks fire exactly once")
	assert.NoError(t, reasons[0], "a deliberate disconnect carries no error")

	// Idempotent: a second call returns immediately.
	r.Disconnect()
}

func TestSignalDeathClosesRoom(t *testing.T) {
	s := newSigServer(t)
	r := newLiveRoom(t, s)

	closed := make(chan error, 1)
	r.OnDisconnect(func(reason error) { closed <- reason })

	conn := <-s.conns
	conn.Close()

	select {
	case reason := <-closed:
		assert.Error(t, reason, "a dead socket surfaces its read error")
	case <-time.After(3 * time.Second):
		t.Fatal("socket death did not tear the room down")
	}

	// Disconnecting an already-dead room must not block either.
	done := make(chan struct{})
	go func() {
		r.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect after socket death did not return")
	}
}
