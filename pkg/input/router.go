package input

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/gamestream-gateway/pkg/logger"
	"github.com/ethan/gamestream-gateway/pkg/room"
)

// strikeWindow and strikeLimit implement the three-strikes policy as a
// token bucket: strikes refill at strikeLimit per strikeWindow (one every
// ~3.3 s) with a burst of strikeLimit-1, so a third violation arriving
// before any strike has refilled closes the peer
const (
	strikeWindow = 10 * time.Second
	strikeLimit  = 3
)

// RoomResolver locates the room a peer belongs to
type RoomResolver interface {
	Find(peerID string) (*room.Room, bool)
}

// Stats holds router drop counters
type Stats struct {
	Forwarded         uint64
	DroppedNoRoom     uint64
	DroppedSpectator  uint64
	DroppedPermission uint64
	DroppedGamepad    uint64
	DroppedMalformed  uint64
	TouchIgnored      uint64
	SinkErrors        uint64
}

// Router parses input frames from the reliable channel, enforces per-peer
// permissions, translates browser gamepad indices to server slots and
// forwards normalized events to the virtual-input sink. HandleFrame is
// re-entrant: it runs on whatever thread the transport delivers
// data-channel callbacks on and only takes the per-room lock.
type Router struct {
	logger *logger.Logger
	rooms  RoomResolver
	sink   Sink

	// OnViolationLimit is invoked when a peer exhausts its strikes;
	// callers close the peer with the given reason
	OnViolationLimit func(peerID, reason string)

	strikesMu sync.Mutex
	strikes   map[string]*rate.Limiter

	forwarded         atomic.Uint64
	droppedNoRoom     atomic.Uint64
	droppedSpectator  atomic.Uint64
	droppedPermission atomic.Uint64
	droppedGamepad    atomic.Uint64
	droppedMalformed  atomic.Uint64
	touchIgnored      atomic.Uint64
	sinkErrors        atomic.Uint64
}

// NewRouter creates an input router in front of the given sink
func NewRouter(rooms RoomResolver, sink Sink, log *logger.Logger) *Router {
	return &Router{
		logger:  log,
		rooms:   rooms,
		sink:    sink,
		strikes: make(map[string]*rate.Limiter),
	}
}

// HandleFrame routes one inbound frame from a peer
func (rt *Router) HandleFrame(peerID string, data []byte) {
	event, err := Decode(data)
	if err != nil {
		rt.droppedMalformed.Add(1)
		rt.logger.Warn("malformed input frame", "peer_id", peerID, "size", len(data), "error", err)
		rt.strike(peerID, "malformed frame")
		return
	}

	rt.logger.DebugInputFrame(peerID, uint8(event.EventType()), len(data))

	r, ok := rt.rooms.Find(peerID)
	if !ok {
		rt.droppedNoRoom.Add(1)
		rt.logger.DebugInput("dropping frame from peer without room", "peer_id", peerID)
		return
	}
	player, ok := r.Player(peerID)
	if !ok || player.IsSpectator {
		rt.droppedSpectator.Add(1)
		rt.logger.DebugInput("dropping spectator input",
			"peer_id", peerID,
			"type", event.EventType().String())
		return
	}

	switch e := event.(type) {
	case GamepadState:
		rt.routeGamepad(r, peerID, e)

	case KeyboardKey:
		if !player.CanUseKeyboard {
			rt.droppedPermission.Add(1)
			rt.logger.DebugInput("keyboard input denied", "peer_id", peerID, "vk", e.VK)
			return
		}
		rt.deliver(peerID, rt.sink.Keyboard(e.VK, e.Modifiers, e.Pressed))

	case MouseMove:
		if !player.CanUseMouse {
			rt.droppedPermission.Add(1)
			return
		}
		if e.IsAbsolute {
			rt.deliver(peerID, rt.sink.MouseMoveAbs(e.AbsX, e.AbsY))
		} else {
			rt.deliver(peerID, rt.sink.MouseMoveRel(e.DX, e.DY))
		}

	case MouseButton:
		if e.Button < 1 || e.Button > 5 {
			rt.droppedMalformed.Add(1)
			rt.strike(peerID, "mouse button out of range")
			return
		}
		if !player.CanUseMouse {
			rt.droppedPermission.Add(1)
			return
		}
		rt.deliver(peerID, rt.sink.MouseButton(e.Button, e.Pressed))

	case MouseScroll:
		if !player.CanUseMouse {
			rt.droppedPermission.Add(1)
			return
		}
		if e.DY != 0 {
			rt.deliver(peerID, rt.sink.MouseScroll(e.DY, false, e.HighResolution))
		}
		if e.DX != 0 {
			rt.deliver(peerID, rt.sink.MouseScroll(e.DX, true, e.HighResolution))
		}

	case Touch:
		rt.touchIgnored.Add(1)

	case GamepadRumble:
		// Server to peer only; inbound is a protocol violation
		rt.droppedMalformed.Add(1)
		rt.strike(peerID, "rumble from peer")

	default:
		rt.droppedMalformed.Add(1)
		rt.strike(peerID, "unknown frame type")
	}
}

// routeGamepad translates the browser gamepad index to a server slot,
// claiming one implicitly on first use
func (rt *Router) routeGamepad(r *room.Room, peerID string, state GamepadState) {
	if int(state.GamepadID) >= room.MaxGamepadsPerPeer {
		rt.droppedMalformed.Add(1)
		rt.strike(peerID, "gamepad index out of range")
		return
	}

	slot, ok := r.LookupGamepad(peerID, state.GamepadID)
	if !ok {
		slot = r.ClaimGamepad(peerID, state.GamepadID)
		if slot < 0 {
			rt.droppedGamepad.Add(1)
			return
		}
		rt.logger.Info("gamepad claimed",
			"peer_id", peerID,
			"browser_id", state.GamepadID,
			"server_slot", slot)
	}

	rt.deliver(peerID, rt.sink.Gamepad(slot, state))
}

// Rumble reverses a backend force-feedback event to the peer owning the
// server slot. It returns the target peer id and the encoded frame.
func (rt *Router) Rumble(r *room.Room, serverSlot int, lowFreq, highFreq, durationMS uint16) (string, []byte, bool) {
	peerID, ok := r.GamepadOwner(serverSlot)
	if !ok {
		return "", nil, false
	}
	browserID, ok := r.BrowserGamepad(peerID, serverSlot)
	if !ok {
		return "", nil, false
	}

	frame := Encode(GamepadRumble{
		GamepadID:  browserID,
		LowFreq:    lowFreq,
		HighFreq:   highFreq,
		DurationMS: durationMS,
	})
	return peerID, frame, true
}

// ForgetPeer clears strike state for a departed peer
func (rt *Router) ForgetPeer(peerID string) {
	rt.strikesMu.Lock()
	delete(rt.strikes, peerID)
	rt.strikesMu.Unlock()
}

// Stats returns a snapshot of the drop counters
func (rt *Router) Stats() Stats {
	return Stats{
		Forwarded:         rt.forwarded.Load(),
		DroppedNoRoom:     rt.droppedNoRoom.Load(),
		DroppedSpectator:  rt.droppedSpectator.Load(),
		DroppedPermission: rt.droppedPermission.Load(),
		DroppedGamepad:    rt.droppedGamepad.Load(),
		DroppedMalformed:  rt.droppedMalformed.Load(),
		TouchIgnored:      rt.touchIgnored.Load(),
		SinkErrors:        rt.sinkErrors.Load(),
	}
}

func (rt *Router) deliver(peerID string, err error) {
	if err != nil {
		rt.sinkErrors.Add(1)
		rt.logger.Warn("virtual-input sink error", "peer_id", peerID, "error", err)
		return
	}
	rt.forwarded.Add(1)
}

// strike records a protocol violation. The limiter's burst absorbs the
// first two strikes inside the window; the third trips OnViolationLimit.
func (rt *Router) strike(peerID, reason string) {
	rt.strikesMu.Lock()
	limiter, ok := rt.strikes[peerID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(strikeWindow/strikeLimit), strikeLimit-1)
		rt.strikes[peerID] = limiter
	}
	rt.strikesMu.Unlock()

	if !limiter.Allow() {
		rt.logger.Warn("peer exceeded protocol violation limit",
			"peer_id", peerID,
			"reason", reason)
		if rt.OnViolationLimit != nil {
			rt.OnViolationLimit(peerID, reason)
		}
	}
}
