package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/gamestream-gateway/pkg/logger"
)

// recordHandler captures dispatched envelopes
type recordHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordHandler) record(kind, peerID string) {
	h.mu.Lock()
	h.calls = append(h.calls, kind+":"+peerID)
	h.mu.Unlock()
}

func (h *recordHandler) HandleJoin(roomCode, peerID string, payload json.RawMessage) {
	h.record("join", peerID)
}

func (h *recordHandler) HandleOffer(roomCode, peerID string, payload json.RawMessage) {
	h.record("offer", peerID)
}

func (h *recordHandler) HandleCandidate(roomCode, peerID string, payload json.RawMessage) {
	h.record("candidate", peerID)
}

func (h *recordHandler) HandleLeave(roomCode, peerID string) {
	h.record("leave", peerID)
}

func (h *recordHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// signalServer is a minimal websocket endpoint standing in for the HTTPS
// signaling host
type signalServer struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *signalServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *signalServer) push(t *testing.T, env Envelope) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn != nil
	}, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.conn.WriteJSON(env))
}

func (s *signalServer) read(t *testing.T) Envelope {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	var env Envelope
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func startAdapter(t *testing.T) (*Adapter, *recordHandler, *signalServer) {
	t.Helper()

	server := &signalServer{}
	ts := httptest.NewServer(http.HandlerFunc(server.handler))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	handler := &recordHandler{}
	a := NewAdapter(url, handler, logger.Default())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)

	return a, handler, server
}

func TestAdapterDispatch(t *testing.T) {
	_, handler, server := startAdapter(t)

	server.push(t, Envelope{Type: TypeJoin, Room: "ABCDE2", Peer: "p1"})
	server.push(t, Envelope{Type: TypeOffer, Room: "ABCDE2", Peer: "p1", Payload: json.RawMessage(`{"sdp":"v=0"}`)})
	server.push(t, Envelope{Type: TypeCandidate, Room: "ABCDE2", Peer: "p1", Payload: json.RawMessage(`{}`)})
	server.push(t, Envelope{Type: TypeLeave, Room: "ABCDE2", Peer: "p1"})

	require.Eventually(t, func() bool {
		return len(handler.snapshot()) == 4
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"join:p1", "offer:p1", "candidate:p1", "leave:p1"}, handler.snapshot())
}

func TestAdapterIgnoresUnknownAndAnonymous(t *testing.T) {
	_, handler, server := startAdapter(t)

	server.push(t, Envelope{Type: "ping", Peer: "p1"})
	server.push(t, Envelope{Type: TypeJoin}) // missing peer id
	server.push(t, Envelope{Type: TypeJoin, Peer: "p2"})

	require.Eventually(t, func() bool {
		return len(handler.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"join:p2"}, handler.snapshot())
}

func TestAdapterSendAnswer(t *testing.T) {
	a, _, server := startAdapter(t)

	// Make sure the server side accepted the connection
	server.push(t, Envelope{Type: TypeJoin, Peer: "p1"})

	require.NoError(t, a.SendAnswer("ABCDE2", "p1", "v=0\r\n"))

	env := server.read(t)
	assert.Equal(t, TypeAnswer, env.Type)
	assert.Equal(t, "ABCDE2", env.Room)
	assert.Equal(t, "p1", env.Peer)

	var body map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	assert.Equal(t, "v=0\r\n", body["sdp"])
}
