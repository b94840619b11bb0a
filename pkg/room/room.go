package room

import (
	"errors"
	"sync"
	"time"
)

const (
	// MaxPlayers is the number of non-spectator slots per room
	MaxPlayers = 4

	// MaxServerSlots is the capacity of the virtual gamepad backend
	MaxServerSlots = 16

	// MaxGamepadsPerPeer bounds browser gamepad claims per peer
	MaxGamepadsPerPeer = 4

	// DefaultSpectatorCapacity applies when no capacity is configured
	DefaultSpectatorCapacity = 8
)

var (
	ErrRoomFull          = errors.New("room is full")
	ErrNoFreeSlot        = errors.New("no free player slot")
	ErrRoomCodeExhausted = errors.New("room code space exhausted")
	ErrPeerNotFound      = errors.New("peer not in room")
	ErrNotHost           = errors.New("operation requires host")
	ErrAlreadyJoined     = errors.New("peer already in room")
)

// PlayerSlot is a 1-based player position; 0 means none
type PlayerSlot int

const SlotNone PlayerSlot = 0

// PlayerInfo describes one admitted peer. Copies returned from Room
// methods are snapshots; the room owns the canonical state.
type PlayerInfo struct {
	PeerID         string
	Name           string
	Slot           PlayerSlot
	IsHost         bool
	IsSpectator    bool
	GamepadIDs     []uint8 // claimed browser gamepad ids
	CanUseKeyboard bool
	CanUseMouse    bool
	ConnectedAt    time.Time
}

// Room holds the session state for one streaming party: player slots,
// spectators, the host, permission defaults and gamepad brokerage. All
// mutating operations take the room lock; lock holders never do IO.
type Room struct {
	mu sync.Mutex

	code      string
	createdAt time.Time

	players    map[string]*PlayerInfo // peer id -> entry (players and spectators)
	hostPeerID string

	defaultKeyboard   bool
	defaultMouse      bool
	spectatorCapacity int

	// Gamepad brokerage, kept mutually consistent under the room lock
	gamepadOwners map[int]string         // server slot -> peer id
	peerGamepads  map[string]map[uint8]int // peer id -> browser id -> server slot
}

// Options configures admission defaults for a new room
type Options struct {
	SpectatorCapacity int
	DefaultKeyboard   bool
	DefaultMouse      bool
}

// New creates a room with the host occupying slot 1
func New(code, hostPeerID, hostName string, opts Options) *Room {
	if opts.SpectatorCapacity <= 0 {
		opts.SpectatorCapacity = DefaultSpectatorCapacity
	}

	r := &Room{
		code:              code,
		createdAt:         time.Now(),
		players:           make(map[string]*PlayerInfo),
		hostPeerID:        hostPeerID,
		defaultKeyboard:   opts.DefaultKeyboard,
		defaultMouse:      opts.DefaultMouse,
		spectatorCapacity: opts.SpectatorCapacity,
		gamepadOwners:     make(map[int]string),
		peerGamepads:      make(map[string]map[uint8]int),
	}

	r.players[hostPeerID] = &PlayerInfo{
		PeerID:         hostPeerID,
		Name:           hostName,
		Slot:           1,
		IsHost:         true,
		CanUseKeyboard: true,
		CanUseMouse:    true,
		ConnectedAt:    time.Now(),
	}
	return r
}

// Code returns the room code
func (r *Room) Code() string {
	return r.code
}

// CreatedAt returns the room creation time
func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

// HostPeerID returns the current host's peer id, empty while a host
// election is pending
func (r *Room) HostPeerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostPeerID
}

// AddSpectator admits a peer as a spectator. New entries inherit the
// room's keyboard/mouse defaults.
func (r *Room) AddSpectator(peerID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.players[peerID]; exists {
		return ErrAlreadyJoined
	}
	if r.spectatorCountLocked() >= r.spectatorCapacity {
		return ErrRoomFull
	}

	r.players[peerID] = &PlayerInfo{
		PeerID:         peerID,
		Name:           name,
		Slot:           SlotNone,
		IsSpectator:    true,
		CanUseKeyboard: r.defaultKeyboard,
		CanUseMouse:    r.defaultMouse,
		ConnectedAt:    time.Now(),
	}
	return nil
}

// PromoteToPlayer moves a spectator into the lowest-numbered free player
// slot
func (r *Room) PromoteToPlayer(peerID string) (PlayerSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.players[peerID]
	if !ok {
		return SlotNone, ErrPeerNotFound
	}
	if !info.IsSpectator {
		return info.Slot, nil
	}

	slot := r.lowestFreeSlotLocked()
	if slot == SlotNone {
		return SlotNone, ErrNoFreeSlot
	}

	info.Slot = slot
	info.IsSpectator = false
	return slot, nil
}

// RemovePeer removes a peer, releasing its slot and all gamepad claims.
// It returns shouldClose=true when the departing peer was the host;
// callers then either close the room or promote a successor.
func (r *Room) RemovePeer(peerID string) (shouldClose bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.players[peerID]
	if !ok {
		return false
	}

	r.releaseAllGamepadsLocked(peerID)
	delete(r.players, peerID)

	if info.IsHost {
		r.hostPeerID = ""
		return true
	}
	return false
}

// PromoteToHost atomically transfers the host flag to the given player
func (r *Room) PromoteToHost(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.players[peerID]
	if !ok {
		return ErrPeerNotFound
	}

	if info.IsSpectator {
		// A host must hold a player slot
		slot := r.lowestFreeSlotLocked()
		if slot == SlotNone {
			return ErrNoFreeSlot
		}
		info.Slot = slot
		info.IsSpectator = false
	}

	if r.hostPeerID != "" {
		if prev, ok := r.players[r.hostPeerID]; ok {
			prev.IsHost = false
		}
	}

	info.IsHost = true
	r.hostPeerID = peerID
	return nil
}

// ClaimGamepad maps a peer's browser gamepad onto a server slot. The call
// is idempotent for an existing mapping. It returns -1 when the claim is
// denied (spectator, slot space exhausted, or per-peer cap reached).
func (r *Room) ClaimGamepad(peerID string, browserID uint8) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.players[peerID]
	if !ok || info.IsSpectator {
		return -1
	}

	mappings := r.peerGamepads[peerID]
	if slot, exists := mappings[browserID]; exists {
		return slot
	}
	if len(mappings) >= MaxGamepadsPerPeer {
		return -1
	}

	slot := -1
	for s := 0; s < MaxServerSlots; s++ {
		if _, taken := r.gamepadOwners[s]; !taken {
			slot = s
			break
		}
	}
	if slot < 0 {
		return -1
	}

	if mappings == nil {
		mappings = make(map[uint8]int)
		r.peerGamepads[peerID] = mappings
	}
	mappings[browserID] = slot
	r.gamepadOwners[slot] = peerID
	info.GamepadIDs = append(info.GamepadIDs, browserID)
	return slot
}

// ReleaseGamepad frees a server slot held by the peer. Releasing a slot
// the peer does not own is a no-op.
func (r *Room) ReleaseGamepad(peerID string, serverSlot int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.gamepadOwners[serverSlot]
	if !ok || owner != peerID {
		return
	}

	delete(r.gamepadOwners, serverSlot)
	mappings := r.peerGamepads[peerID]
	for browserID, slot := range mappings {
		if slot == serverSlot {
			delete(mappings, browserID)
			if info, ok := r.players[peerID]; ok {
				info.GamepadIDs = removeGamepadID(info.GamepadIDs, browserID)
			}
			break
		}
	}
	if len(mappings) == 0 {
		delete(r.peerGamepads, peerID)
	}
}

// LookupGamepad resolves a peer's browser gamepad id to its server slot
func (r *Room) LookupGamepad(peerID string, browserID uint8) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.peerGamepads[peerID][browserID]
	return slot, ok
}

// BrowserGamepad resolves a server slot back to the owning peer's
// browser gamepad id, used to reverse rumble to the right controller
func (r *Room) BrowserGamepad(peerID string, serverSlot int) (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for browserID, slot := range r.peerGamepads[peerID] {
		if slot == serverSlot {
			return browserID, true
		}
	}
	return 0, false
}

// GamepadOwner returns the peer holding a server slot
func (r *Room) GamepadOwner(serverSlot int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peerID, ok := r.gamepadOwners[serverSlot]
	return peerID, ok
}

// SetKeyboardAccess toggles keyboard input for a guest; only the host may
// call it
func (r *Room) SetKeyboardAccess(callerID, targetID string, allowed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if callerID != r.hostPeerID {
		return ErrNotHost
	}
	info, ok := r.players[targetID]
	if !ok {
		return ErrPeerNotFound
	}
	info.CanUseKeyboard = allowed
	return nil
}

// SetMouseAccess toggles mouse input for a guest; only the host may call
// it
func (r *Room) SetMouseAccess(callerID, targetID string, allowed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if callerID != r.hostPeerID {
		return ErrNotHost
	}
	info, ok := r.players[targetID]
	if !ok {
		return ErrPeerNotFound
	}
	info.CanUseMouse = allowed
	return nil
}

// SetDefaults changes the keyboard/mouse defaults applied to future
// guests; existing guests keep their current flags
func (r *Room) SetDefaults(callerID string, keyboard, mouse bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if callerID != r.hostPeerID {
		return ErrNotHost
	}
	r.defaultKeyboard = keyboard
	r.defaultMouse = mouse
	return nil
}

// Player returns a snapshot of one peer's entry
func (r *Room) Player(peerID string) (PlayerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.players[peerID]
	if !ok {
		return PlayerInfo{}, false
	}
	return snapshotPlayer(info), true
}

// Players returns a snapshot of all entries, players before spectators,
// players ordered by slot
func (r *Room) Players() []PlayerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PlayerInfo, 0, len(r.players))
	for slot := PlayerSlot(1); slot <= MaxPlayers; slot++ {
		for _, info := range r.players {
			if !info.IsSpectator && info.Slot == slot {
				out = append(out, snapshotPlayer(info))
			}
		}
	}
	for _, info := range r.players {
		if info.IsSpectator {
			out = append(out, snapshotPlayer(info))
		}
	}
	return out
}

// PeerIDs returns the ids of every admitted peer
func (r *Room) PeerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.players))
	for id := range r.players {
		out = append(out, id)
	}
	return out
}

// PlayerCount returns the number of non-spectator players
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, info := range r.players {
		if !info.IsSpectator {
			n++
		}
	}
	return n
}

// SpectatorCount returns the number of spectators
func (r *Room) SpectatorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spectatorCountLocked()
}

// Empty reports whether no peers remain
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players) == 0
}

func (r *Room) spectatorCountLocked() int {
	n := 0
	for _, info := range r.players {
		if info.IsSpectator {
			n++
		}
	}
	return n
}

func (r *Room) lowestFreeSlotLocked() PlayerSlot {
	taken := [MaxPlayers + 1]bool{}
	for _, info := range r.players {
		if !info.IsSpectator && info.Slot >= 1 && info.Slot <= MaxPlayers {
			taken[info.Slot] = true
		}
	}
	for slot := PlayerSlot(1); slot <= MaxPlayers; slot++ {
		if !taken[slot] {
			return slot
		}
	}
	return SlotNone
}

func (r *Room) releaseAllGamepadsLocked(peerID string) {
	for _, slot := range r.peerGamepads[peerID] {
		delete(r.gamepadOwners, slot)
	}
	delete(r.peerGamepads, peerID)
	if info, ok := r.players[peerID]; ok {
		info.GamepadIDs = nil
	}
}

func snapshotPlayer(info *PlayerInfo) PlayerInfo {
	copied := *info
	copied.GamepadIDs = append([]uint8(nil), info.GamepadIDs...)
	return copied
}

func removeGamepadID(ids []uint8, id uint8) []uint8 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
