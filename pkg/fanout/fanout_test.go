package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records delivered packets; an optional gate stalls Send
type fakeSink struct {
	id   string
	gate chan struct{}

	mu       sync.Mutex
	received []*Packet
}

func newFakeSink(id string) *fakeSink {
	return &fakeSink{id: id}
}

func newStalledSink(id string) *fakeSink {
	return &fakeSink{id: id, gate: make(chan struct{})}
}

func (s *fakeSink) ID() string { return s.id }

func (s *fakeSink) Send(pkt *Packet) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.received = append(s.received, pkt)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *fakeSink) packets() []*Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Packet(nil), s.received...)
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	f := New(slog.Default())
	defer f.Stop()

	a := newFakeSink("a")
	b := newFakeSink("b")
	f.Register(a)
	f.Register(b)
	require.Equal(t, 2, f.Count())

	for i := uint64(0); i < 10; i++ {
		f.Broadcast(videoPkt(i, i == 0))
	}

	require.Eventually(t, func() bool {
		return a.count() == 10 && b.count() == 10
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastFiltered(t *testing.T) {
	f := New(slog.Default())
	defer f.Stop()

	a := newFakeSink("a")
	b := newFakeSink("b")
	f.Register(a)
	f.Register(b)

	f.BroadcastFiltered(videoPkt(1, true), func(peerID string) bool {
		return peerID == "a"
	})

	require.Eventually(t, func() bool { return a.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.count())
}

func TestBackpressureStalledPeer(t *testing.T) {
	const depth = 64

	f := New(slog.Default(), WithQueueDepth(KindVideo, depth))
	defer f.Stop()

	var resyncs atomic.Uint64
	f.OnResyncNeeded = func(peerID string) {
		assert.Equal(t, "stalled", peerID)
		resyncs.Add(1)
	}

	healthy := newFakeSink("healthy")
	stalled := newStalledSink("stalled")
	f.Register(healthy)
	f.Register(stalled)

	// 1000 packets: a leading keyframe, the rest deltas. Pushes pause
	// for the healthy writer so only the stalled peer overflows.
	for i := uint64(0); i < 1000; i++ {
		f.Broadcast(videoPkt(i, i == 0))
		if i%32 == 31 {
			sent := int(i + 1)
			require.Eventually(t, func() bool {
				return healthy.count() == sent
			}, time.Second, time.Millisecond)
		}
	}

	// The healthy peer receives everything
	require.Eventually(t, func() bool {
		return healthy.count() == 1000
	}, 2*time.Second, 5*time.Millisecond)

	// The stalled peer's queue never exceeds its bound and the fan-out
	// asked for a resync exactly once
	for _, stats := range f.Stats() {
		if stats.PeerID == "stalled" {
			assert.LessOrEqual(t, stats.Queued[KindVideo], depth)
			assert.Greater(t, stats.Dropped[KindVideo], uint64(0))
		}
	}
	assert.Equal(t, uint64(1), resyncs.Load())

	// The next IDR reaches the parked peer
	f.Broadcast(videoPkt(1000, true))

	// Unblock the transport and let the writer drain
	close(stalled.gate)
	require.Eventually(t, func() bool {
		pkts := stalled.packets()
		return len(pkts) > 0 && pkts[len(pkts)-1].FrameID == 1000
	}, 2*time.Second, 5*time.Millisecond)

	// Everything after the parked window was suppressed; the stream
	// resumes on a packet whose keyframe flag is true
	pkts := stalled.packets()
	var resumed *Packet
	for _, pkt := range pkts {
		if pkt.FrameID >= 65 {
			resumed = pkt
			break
		}
	}
	require.NotNil(t, resumed)
	assert.Equal(t, uint64(1000), resumed.FrameID)
	assert.True(t, resumed.Keyframe)
}

func TestReliableNeverDrops(t *testing.T) {
	f := New(slog.Default(), WithQueueDepth(KindReliable, 8))
	defer f.Stop()

	sink := newFakeSink("a")
	f.Register(sink)

	for i := uint64(0); i < 100; i++ {
		f.Broadcast(&Packet{Kind: KindReliable, FrameID: i, Data: []byte{1}})
	}

	require.Eventually(t, func() bool { return sink.count() == 100 }, 2*time.Second, 5*time.Millisecond)

	// In-order, gap-free delivery
	pkts := sink.packets()
	for i, pkt := range pkts {
		assert.Equal(t, uint64(i), pkt.FrameID)
	}
}

func TestRegisterReplacesReconnectedPeer(t *testing.T) {
	f := New(slog.Default())
	defer f.Stop()

	old := newFakeSink("peer")
	f.Register(old)

	replacement := newFakeSink("peer")
	f.Register(replacement)
	assert.Equal(t, 1, f.Count())

	f.Broadcast(videoPkt(1, true))
	require.Eventually(t, func() bool { return replacement.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, old.count())
}

func TestUnregisterStopsDelivery(t *testing.T) {
	f := New(slog.Default())
	defer f.Stop()

	sink := newFakeSink("a")
	f.Register(sink)
	f.Unregister("a")
	assert.Zero(t, f.Count())

	f.Broadcast(videoPkt(1, true))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sink.count())
}
