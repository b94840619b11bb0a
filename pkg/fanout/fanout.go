package fanout

import (
	"log/slog"
	"sync"
	"time"
)

// Kind selects the outbound path and its overflow policy
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
	KindReliable
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindReliable:
		return "reliable"
	default:
		return "unknown"
	}
}

// drainDeadline bounds queue draining during Stop
const drainDeadline = 1 * time.Second

// PeerSink is the transport-facing write side of one peer: media kinds
// land on the peer's RTP tracks, reliable frames on its data channel
type PeerSink interface {
	ID() string
	Send(pkt *Packet) error
}

// PeerStats snapshots one peer's queue state
type PeerStats struct {
	PeerID  string
	Queued  map[Kind]int
	Dropped map[Kind]uint64
	Sent    uint64
}

// member is one registered peer with its per-kind queues and writers
type member struct {
	sink   PeerSink
	queues map[Kind]*packetQueue
	wg     sync.WaitGroup
	sent   uint64
	sentMu sync.Mutex
}

// Fanout owns the set of live peer transports and broadcasts packets to
// all or a filtered subset. The peer set is read-mostly: the write lock
// is held only during insert and remove. Per-peer delivery goes through
// bounded queues served by one writer goroutine per kind, so a slow peer
// never blocks the producer beyond its queue depth.
type Fanout struct {
	logger *slog.Logger

	mu    sync.RWMutex
	peers map[string]*member

	depths map[Kind]int

	// OnResyncNeeded fires when a peer's video queue dropped mid-stream
	// and the encoder should be asked for an IDR
	OnResyncNeeded func(peerID string)

	// OnSendError fires when a transport write fails; callers decide
	// whether to tear the peer down
	OnSendError func(peerID string, err error)
}

// Option overrides fan-out defaults
type Option func(*Fanout)

// WithQueueDepth overrides the queue depth for one kind
func WithQueueDepth(kind Kind, depth int) Option {
	return func(f *Fanout) {
		f.depths[kind] = depth
	}
}

// New creates an empty fan-out
func New(logger *slog.Logger, opts ...Option) *Fanout {
	f := &Fanout{
		logger: logger,
		peers:  make(map[string]*member),
		depths: map[Kind]int{
			KindVideo:    DefaultQueueDepth,
			KindAudio:    DefaultQueueDepth,
			KindReliable: DefaultQueueDepth,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds a peer sink and starts its writers. Registering an
// existing id replaces the previous sink (reconnection with a new
// transport handle).
func (f *Fanout) Register(sink PeerSink) {
	m := &member{
		sink:   sink,
		queues: make(map[Kind]*packetQueue),
	}
	for _, kind := range []Kind{KindVideo, KindAudio, KindReliable} {
		m.queues[kind] = newPacketQueue(f.depths[kind])
	}

	f.mu.Lock()
	prev := f.peers[sink.ID()]
	f.peers[sink.ID()] = m
	f.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	for kind, q := range m.queues {
		m.wg.Add(1)
		go f.writeLoop(m, kind, q)
	}

	f.logger.Info("peer registered with fan-out", "peer_id", sink.ID())
}

// Unregister removes a peer and stops its writers
func (f *Fanout) Unregister(peerID string) {
	f.mu.Lock()
	m, ok := f.peers[peerID]
	if ok {
		delete(f.peers, peerID)
	}
	f.mu.Unlock()

	if !ok {
		return
	}
	m.stop()
	f.logger.Info("peer unregistered from fan-out", "peer_id", peerID)
}

// Broadcast enqueues a packet for every registered peer
func (f *Fanout) Broadcast(pkt *Packet) {
	f.BroadcastFiltered(pkt, nil)
}

// BroadcastFiltered enqueues a packet for peers matching the predicate
// (nil matches all). The enqueue is non-blocking for media kinds; the
// reliable kind blocks the caller on a full queue rather than dropping.
func (f *Fanout) BroadcastFiltered(pkt *Packet, predicate func(peerID string) bool) {
	f.mu.RLock()
	members := make([]*member, 0, len(f.peers))
	for id, m := range f.peers {
		if predicate == nil || predicate(id) {
			members = append(members, m)
		}
	}
	f.mu.RUnlock()

	for _, m := range members {
		f.enqueue(m, pkt)
	}
}

// SendTo enqueues a packet for a single peer
func (f *Fanout) SendTo(peerID string, pkt *Packet) bool {
	f.mu.RLock()
	m, ok := f.peers[peerID]
	f.mu.RUnlock()

	if !ok {
		return false
	}
	f.enqueue(m, pkt)
	return true
}

// PeerIDs returns the ids of all registered peers
func (f *Fanout) PeerIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.peers))
	for id := range f.peers {
		out = append(out, id)
	}
	return out
}

// Count returns the number of registered peers
func (f *Fanout) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.peers)
}

// Stats snapshots all per-peer queue counters
func (f *Fanout) Stats() []PeerStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]PeerStats, 0, len(f.peers))
	for id, m := range f.peers {
		stats := PeerStats{
			PeerID:  id,
			Queued:  make(map[Kind]int),
			Dropped: make(map[Kind]uint64),
		}
		for kind, q := range m.queues {
			stats.Queued[kind] = q.Len()
			stats.Dropped[kind] = q.Dropped()
		}
		m.sentMu.Lock()
		stats.Sent = m.sent
		m.sentMu.Unlock()
		out = append(out, stats)
	}
	return out
}

// Stop drains and tears down all peers with a bounded deadline
func (f *Fanout) Stop() {
	f.mu.Lock()
	members := f.peers
	f.peers = make(map[string]*member)
	f.mu.Unlock()

	deadline := time.After(drainDeadline)
	done := make(chan struct{})
	go func() {
		for _, m := range members {
			m.stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-deadline:
		f.logger.Warn("fan-out drain deadline exceeded")
	}
}

func (f *Fanout) enqueue(m *member, pkt *Packet) {
	q := m.queues[pkt.Kind]
	switch pkt.Kind {
	case KindVideo:
		if q.PushVideo(pkt) {
			f.logger.Warn("peer video queue overflow, resync needed",
				"peer_id", m.sink.ID())
			if f.OnResyncNeeded != nil {
				f.OnResyncNeeded(m.sink.ID())
			}
		}
	case KindAudio:
		q.PushDropOldest(pkt)
	case KindReliable:
		q.PushBlocking(pkt)
	}
}

// writeLoop serves one peer queue, forwarding to the transport sink
func (f *Fanout) writeLoop(m *member, kind Kind, q *packetQueue) {
	defer m.wg.Done()

	for {
		pkt, ok := q.Pop()
		if !ok {
			return
		}
		if err := m.sink.Send(pkt); err != nil {
			f.logger.Warn("fan-out send failed",
				"peer_id", m.sink.ID(),
				"kind", kind.String(),
				"error", err)
			if f.OnSendError != nil {
				f.OnSendError(m.sink.ID(), err)
			}
			continue
		}
		m.sentMu.Lock()
		m.sent++
		m.sentMu.Unlock()
	}
}

func (m *member) stop() {
	for _, q := range m.queues {
		q.Close()
	}
	m.wg.Wait()
}
