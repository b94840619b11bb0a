package video

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/gamestream-gateway/pkg/fanout"
	"github.com/ethan/gamestream-gateway/pkg/logger"
	"github.com/ethan/gamestream-gateway/pkg/rtp"
)

const (
	// idrDeadline is how long the encoder may take to honor an IDR
	// request before the affected peers are considered desynced
	idrDeadline = 2 * time.Second

	// idrRequestsPerSecond throttles keyframe requests so a burst of
	// PLIs or resync hints does not starve the encoder
	idrRequestsPerSecond = 1
)

// EncodedPacket is one owned access unit pulled from the encoder queue:
// a raw Annex-B stream for H.264/HEVC or an OBU stream for AV1, with the
// presentation timestamp already on the 90 kHz clock (48 kHz for Opus)
type EncodedPacket struct {
	Codec    rtp.Codec
	PTS      uint32
	Keyframe bool
	Data     []byte
}

// Source is the blocking pull API exposed by the encoder pipeline. Next
// returns io.EOF (or any terminal error) when the pipeline closes.
type Source interface {
	Next(ctx context.Context) (*EncodedPacket, error)
}

// IDRRequester asks the encoder for an IDR frame
type IDRRequester interface {
	RequestIDR(ctx context.Context) error
}

// Sender is the dedicated goroutine that pulls encoded packets, runs the
// codec packetizer and broadcasts the resulting RTP packets. One Sender
// serves one media kind with a fixed SSRC.
type Sender struct {
	logger *logger.Logger
	kind   fanout.Kind
	source Source
	out    *fanout.Fanout
	idr    IDRRequester

	ssrc        uint32
	payloadType uint8

	mu          sync.Mutex
	packetizers map[rtp.Codec]rtp.Packetizer
	frameID     uint64

	idrLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats

	// OnFatal fires when the encoder pipeline terminates; the gateway
	// stops in response
	OnFatal func(err error)

	// OnEncoderStall fires when an IDR request is not honored within
	// the deadline; callers drop the affected peers to Reconnecting
	OnEncoderStall func(peerIDs []string)

	stallMu      sync.Mutex
	pendingPeers map[string]struct{}
	idrTimer     *time.Timer
}

// NewSender creates a sender for one media kind. The SSRC is fixed for
// the lifetime of the gateway.
func NewSender(kind fanout.Kind, payloadType uint8, ssrc uint32, source Source, out *fanout.Fanout, idr IDRRequester, log *logger.Logger) *Sender {
	return &Sender{
		logger:       log,
		kind:         kind,
		source:       source,
		out:          out,
		idr:          idr,
		ssrc:         ssrc,
		payloadType:  payloadType,
		packetizers:  make(map[rtp.Codec]rtp.Packetizer),
		idrLimiter:   rate.NewLimiter(idrRequestsPerSecond, 1),
		pendingPeers: make(map[string]struct{}),
	}
}

// Start launches the sender loop
func (s *Sender) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.sendLoop()
}

// Stop wakes the sender off the encoder queue and waits for it
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Stats returns the stream counters
func (s *Sender) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// SSRC returns the stream's fixed SSRC
func (s *Sender) SSRC() uint32 {
	return s.ssrc
}

// sendLoop blocks on the encoder queue, packetizes and broadcasts
func (s *Sender) sendLoop() {
	defer s.wg.Done()

	s.logger.Info("sender started", "kind", s.kind.String(), "ssrc", s.ssrc)

	for {
		pkt, err := s.source.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("encoder pipeline terminated", "error", err)
			if s.OnFatal != nil {
				s.OnFatal(err)
			}
			return
		}

		s.dispatch(pkt)
	}
}

// dispatch packetizes one access unit and fans it out. Malformed access
// units are logged and dropped, never fatal.
func (s *Sender) dispatch(encoded *EncodedPacket) {
	packetizer, err := s.packetizerFor(encoded.Codec)
	if err != nil {
		s.stats.recordDrop()
		s.logger.Error("no packetizer for codec", "codec", encoded.Codec.String(), "error", err)
		return
	}

	packets, err := packetizer.Packetize(encoded.Data, encoded.PTS)
	if err != nil {
		s.stats.recordDrop()
		s.logger.Warn("dropping malformed access unit",
			"codec", encoded.Codec.String(),
			"size", len(encoded.Data),
			"error", err)
		return
	}

	s.mu.Lock()
	frameID := s.frameID
	s.frameID++
	s.mu.Unlock()

	s.logger.DebugNAL("access unit packetized",
		"codec", encoded.Codec.String(),
		"size", len(encoded.Data),
		"keyframe", encoded.Keyframe,
		"packets", len(packets))

	if encoded.Keyframe {
		s.clearStall()
	}

	for _, p := range packets {
		data, err := p.Marshal()
		if err != nil {
			s.stats.recordDrop()
			s.logger.Error("RTP marshal failed", "error", err)
			return
		}
		s.logger.DebugRTPPacket(p.SequenceNumber, p.Timestamp, p.PayloadType, len(p.Payload))
		s.out.Broadcast(&fanout.Packet{
			Kind:     s.kind,
			Data:     data,
			Keyframe: encoded.Keyframe,
			FrameID:  frameID,
		})
	}

	s.stats.recordFrame(len(encoded.Data), encoded.Keyframe, len(packets))
}

// packetizerFor returns the per-codec packetizer, creating it on first
// use so the sequence counter spans the stream
func (s *Sender) packetizerFor(codec rtp.Codec) (rtp.Packetizer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.packetizers[codec]; ok {
		return p, nil
	}
	p, err := rtp.NewPacketizer(codec, s.payloadType, s.ssrc)
	if err != nil {
		return nil, err
	}
	s.packetizers[codec] = p
	return p, nil
}

// RequestKeyframe asks the encoder for an IDR on behalf of a peer,
// throttled so repeated hints collapse into one request. If the encoder
// does not deliver a keyframe within the deadline, OnEncoderStall fires
// with every peer still waiting.
func (s *Sender) RequestKeyframe(peerID string) {
	if s.idr == nil {
		return
	}

	s.stallMu.Lock()
	s.pendingPeers[peerID] = struct{}{}
	if s.idrTimer == nil {
		s.idrTimer = time.AfterFunc(idrDeadline, s.stallDeadline)
	}
	s.stallMu.Unlock()

	if !s.idrLimiter.Allow() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, idrDeadline)
	defer cancel()

	if err := s.idr.RequestIDR(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("IDR request refused", "error", err)
	}
}

// clearStall resolves all pending resyncs once a keyframe ships
func (s *Sender) clearStall() {
	s.stallMu.Lock()
	if s.idrTimer != nil {
		s.idrTimer.Stop()
		s.idrTimer = nil
	}
	if len(s.pendingPeers) > 0 {
		s.pendingPeers = make(map[string]struct{})
	}
	s.stallMu.Unlock()
}

// stallDeadline fires when the encoder failed to produce an IDR in time
func (s *Sender) stallDeadline() {
	s.stallMu.Lock()
	peers := make([]string, 0, len(s.pendingPeers))
	for id := range s.pendingPeers {
		peers = append(peers, id)
	}
	s.pendingPeers = make(map[string]struct{})
	s.idrTimer = nil
	s.stallMu.Unlock()

	if len(peers) == 0 {
		return
	}
	s.logger.Warn("encoder did not honor IDR request", "peers", fmt.Sprintf("%v", peers))
	if s.OnEncoderStall != nil {
		s.OnEncoderStall(peers)
	}
}
