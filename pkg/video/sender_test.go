package video

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/gamestream-gateway/pkg/fanout"
	"github.com/ethan/gamestream-gateway/pkg/logger"
	"github.com/ethan/gamestream-gateway/pkg/rtp"
)

// queueSource feeds a fixed set of encoded packets then blocks
type queueSource struct {
	packets chan *EncodedPacket
}

func newQueueSource(packets ...*EncodedPacket) *queueSource {
	ch := make(chan *EncodedPacket, len(packets))
	for _, p := range packets {
		ch <- p
	}
	return &queueSource{packets: ch}
}

func (s *queueSource) Next(ctx context.Context) (*EncodedPacket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-s.packets:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	}
}

// captureSink collects broadcast packets from the fan-out
type captureSink struct {
	id string

	mu       sync.Mutex
	received []*fanout.Packet
}

func (s *captureSink) ID() string { return s.id }

func (s *captureSink) Send(pkt *fanout.Packet) error {
	s.mu.Lock()
	s.received = append(s.received, pkt)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) packets() []*fanout.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fanout.Packet(nil), s.received...)
}

// stubIDR counts keyframe requests
type stubIDR struct {
	mu       sync.Mutex
	requests int
	err      error
}

func (s *stubIDR) RequestIDR(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	return s.err
}

func (s *stubIDR) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func annexBFrame(naluHeader byte, size int) []byte {
	nalu := make([]byte, size)
	nalu[0] = naluHeader
	return append([]byte{0x00, 0x00, 0x00, 0x01}, nalu...)
}

func TestSenderPacketizesAndBroadcasts(t *testing.T) {
	out := fanout.New(slog.Default())
	defer out.Stop()

	sink := &captureSink{id: "p1"}
	out.Register(sink)

	source := newQueueSource(
		&EncodedPacket{Codec: rtp.CodecH264, PTS: 90000, Keyframe: true, Data: annexBFrame(0x65, 3000)},
		&EncodedPacket{Codec: rtp.CodecH264, PTS: 93000, Keyframe: false, Data: annexBFrame(0x41, 800)},
	)

	s := NewSender(fanout.KindVideo, 96, 0xDEADBEEF, source, out, nil, logger.Default())
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Stats().FramesSent == 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sink.packets()) >= 4
	}, time.Second, 5*time.Millisecond)

	pkts := sink.packets()

	// Every payload is a parseable RTP packet with the fixed SSRC and a
	// monotonically increasing sequence
	var lastSeq uint16
	var markers int
	for i, raw := range pkts {
		var parsed pionrtp.Packet
		require.NoError(t, parsed.Unmarshal(raw.Data))
		assert.Equal(t, uint32(0xDEADBEEF), parsed.SSRC)
		assert.Equal(t, uint8(96), parsed.PayloadType)

		if i > 0 {
			assert.Equal(t, lastSeq+1, parsed.SequenceNumber)
		}
		lastSeq = parsed.SequenceNumber
		if parsed.Marker {
			markers++
		}
	}
	// One marker per access unit
	assert.Equal(t, 2, markers)

	// Keyframe flag and frame id ride along for the queue drop policy
	assert.True(t, pkts[0].Keyframe)
	assert.False(t, pkts[len(pkts)-1].Keyframe)
	assert.NotEqual(t, pkts[0].FrameID, pkts[len(pkts)-1].FrameID)

	snap := s.Stats()
	assert.Equal(t, uint64(1), snap.KeyFramesSent)
	assert.Equal(t, uint64(3000+4+800+4), snap.BytesSent)
	assert.NotZero(t, snap.AvgFrameSize)
}

func TestSenderDropsMalformedAccessUnit(t *testing.T) {
	out := fanout.New(slog.Default())
	defer out.Stop()

	source := newQueueSource(
		&EncodedPacket{Codec: rtp.CodecH264, PTS: 0, Data: []byte{0x65, 0x00}}, // no start code
		&EncodedPacket{Codec: rtp.CodecH264, PTS: 3000, Data: annexBFrame(0x41, 100)},
	)

	s := NewSender(fanout.KindVideo, 96, 1, source, out, nil, logger.Default())
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		snap := s.Stats()
		return snap.FramesDropped == 1 && snap.FramesSent == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSenderFatalOnSourceEOF(t *testing.T) {
	out := fanout.New(slog.Default())
	defer out.Stop()

	source := newQueueSource()
	close(source.packets)

	fatal := make(chan error, 1)
	s := NewSender(fanout.KindVideo, 96, 1, source, out, nil, logger.Default())
	s.OnFatal = func(err error) { fatal <- err }
	s.Start(context.Background())
	defer s.Stop()

	select {
	case err := <-fatal:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("OnFatal not invoked")
	}
}

func TestKeyframeRequestThrottled(t *testing.T) {
	out := fanout.New(slog.Default())
	defer out.Stop()

	idr := &stubIDR{}
	s := NewSender(fanout.KindVideo, 96, 1, newQueueSource(), out, idr, logger.Default())
	s.Start(context.Background())
	defer s.Stop()

	// A burst of hints collapses into one encoder request
	for i := 0; i < 10; i++ {
		s.RequestKeyframe(fmt.Sprintf("peer-%d", i))
	}
	assert.Equal(t, 1, idr.count())
}

func TestEncoderStallDropsPendingPeers(t *testing.T) {
	out := fanout.New(slog.Default())
	defer out.Stop()

	idr := &stubIDR{err: fmt.Errorf("encoder busy")}
	s := NewSender(fanout.KindVideo, 96, 1, newQueueSource(), out, idr, logger.Default())

	stalled := make(chan []string, 1)
	s.OnEncoderStall = func(peerIDs []string) { stalled <- peerIDs }
	s.Start(context.Background())
	defer s.Stop()

	s.RequestKeyframe("p1")

	select {
	case peers := <-stalled:
		assert.Equal(t, []string{"p1"}, peers)
	case <-time.After(idrDeadline + time.Second):
		t.Fatal("OnEncoderStall not invoked")
	}
}
