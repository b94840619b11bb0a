package room

import (
	"sync"

	"github.com/ethan/gamestream-gateway/pkg/logger"
)

// Manager is the process-wide room registry. Room codes are unique among
// live rooms; collisions during generation are retried a bounded number
// of times.
type Manager struct {
	logger *logger.Logger

	mu    sync.Mutex
	rooms map[string]*Room

	defaults Options
}

// NewManager creates a room registry with the given admission defaults
func NewManager(defaults Options, log *logger.Logger) *Manager {
	return &Manager{
		logger:   log,
		rooms:    make(map[string]*Room),
		defaults: defaults,
	}
}

// Create generates a fresh code and creates a room with the given host in
// slot 1. Fails with ErrRoomCodeExhausted after bounded retries.
func (m *Manager) Create(hostPeerID, hostName string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; attempt < codeGenRetries; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		if _, taken := m.rooms[code]; taken {
			m.logger.DebugRoom("room code collision, retrying",
				"code", code, "attempt", attempt+1)
			continue
		}

		r := New(code, hostPeerID, hostName, m.defaults)
		m.rooms[code] = r
		m.logger.Info("room created",
			"code", code,
			"host_peer_id", hostPeerID,
			"host_name", hostName,
			"live_rooms", len(m.rooms))
		return r, nil
	}

	m.logger.Error("room code generation exhausted retries", "retries", codeGenRetries)
	return nil, ErrRoomCodeExhausted
}

// Get returns the live room with the given code
func (m *Manager) Get(code string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		m.logger.DebugRoom("room lookup miss", "code", code)
	}
	return r, ok
}

// Close removes a room from the registry
func (m *Manager) Close(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[code]; ok {
		delete(m.rooms, code)
		m.logger.Info("room closed", "code", code, "live_rooms", len(m.rooms))
	}
}

// Count returns the number of live rooms
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// All returns every live room
func (m *Manager) All() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// Find returns the room containing the given peer, if any
func (m *Manager) Find(peerID string) (*Room, bool) {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		if _, ok := r.Player(peerID); ok {
			return r, true
		}
	}
	m.logger.DebugRoom("peer not found in any room", "peer_id", peerID)
	return nil, false
}
