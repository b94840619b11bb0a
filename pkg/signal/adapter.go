package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethan/gamestream-gateway/pkg/logger"
)

const (
	// dialTimeout bounds the initial websocket dial
	dialTimeout = 10 * time.Second

	// reconnectBackoff paces redials to the signaling host
	reconnectBackoff = 3 * time.Second

	// writeDeadline bounds a single outbound envelope write
	writeDeadline = 5 * time.Second
)

// Handler receives demultiplexed envelopes from the signaling host. The
// adapter carries no business logic; it forwards blobs between the
// websocket and the per-peer state machines.
type Handler interface {
	HandleJoin(roomCode, peerID string, payload json.RawMessage)
	HandleOffer(roomCode, peerID string, payload json.RawMessage)
	HandleCandidate(roomCode, peerID string, payload json.RawMessage)
	HandleLeave(roomCode, peerID string)
}

// Adapter maintains the websocket to the HTTPS signaling host and pumps
// envelopes in both directions
type Adapter struct {
	url     string
	logger  *logger.Logger
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewAdapter creates an adapter for the given websocket URL
func NewAdapter(url string, handler Handler, log *logger.Logger) *Adapter {
	return &Adapter{
		url:     url,
		logger:  log,
		handler: handler,
	}
}

// Start connects and begins the read loop; redials on failure until the
// adapter is stopped
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	conn, err := a.dial()
	if err != nil {
		return err
	}
	a.setConn(conn)

	a.wg.Add(1)
	go a.readLoop()

	a.logger.Info("signaling adapter connected", "url", a.url)
	return nil
}

// Stop closes the connection and waits for the read loop
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Send writes one envelope to the signaling host
func (a *Adapter) Send(env Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return fmt.Errorf("signaling connection not established")
	}
	a.logger.DebugSignal("sending envelope", "type", env.Type, "room", env.Room, "peer", env.Peer)
	a.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return a.conn.WriteJSON(env)
}

// SendAnswer is a convenience wrapper for the answer path
func (a *Adapter) SendAnswer(roomCode, peerID string, sdp string) error {
	payload, err := json.Marshal(map[string]string{"sdp": sdp, "type": "answer"})
	if err != nil {
		return err
	}
	return a.Send(Envelope{Type: TypeAnswer, Room: roomCode, Peer: peerID, Payload: payload})
}

// SendCandidate forwards a local ICE candidate blob to a peer
func (a *Adapter) SendCandidate(roomCode, peerID string, candidate json.RawMessage) error {
	return a.Send(Envelope{Type: TypeCandidate, Room: roomCode, Peer: peerID, Payload: candidate})
}

func (a *Adapter) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(a.ctx, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling host: %w", err)
	}
	return conn, nil
}

func (a *Adapter) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

// readLoop pumps envelopes to the handler, redialing after transport
// errors
func (a *Adapter) readLoop() {
	defer a.wg.Done()

	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()

		if conn == nil {
			if !a.redial() {
				return
			}
			continue
		}

		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.logger.Warn("signaling read error", "error", err)
			conn.Close()
			a.setConn(nil)
			continue
		}

		a.dispatch(env)
	}
}

// redial blocks until a new connection is established or the adapter
// stops
func (a *Adapter) redial() bool {
	for {
		select {
		case <-a.ctx.Done():
			return false
		case <-time.After(reconnectBackoff):
		}

		conn, err := a.dial()
		if err != nil {
			a.logger.Warn("signaling redial failed", "error", err)
			continue
		}
		a.setConn(conn)
		a.logger.Info("signaling adapter reconnected")
		return true
	}
}

// dispatch demultiplexes one envelope to the handler
func (a *Adapter) dispatch(env Envelope) {
	if env.Peer == "" {
		a.logger.Warn("envelope without peer id", "type", env.Type)
		return
	}
	a.logger.DebugSignal("envelope received",
		"type", env.Type,
		"room", env.Room,
		"peer", env.Peer,
		"payload_bytes", len(env.Payload))

	switch env.Type {
	case TypeJoin:
		a.handler.HandleJoin(env.Room, env.Peer, env.Payload)
	case TypeOffer:
		a.handler.HandleOffer(env.Room, env.Peer, env.Payload)
	case TypeCandidate:
		a.handler.HandleCandidate(env.Room, env.Peer, env.Payload)
	case TypeLeave:
		a.handler.HandleLeave(env.Room, env.Peer)
	default:
		a.logger.Warn("unknown envelope type", "type", env.Type, "peer", env.Peer)
	}
}
