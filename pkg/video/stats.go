package video

import (
	"sync/atomic"

	"github.com/ethan/gamestream-gateway/pkg/rtp"
)

// Params describes the encoded stream as configured on the encoder
type Params struct {
	Width     int
	Height    int
	Framerate int
	Bitrate   int
	Codec     rtp.Codec
}

// Stats holds monotonic counters for one outbound stream
type Stats struct {
	framesSent    atomic.Uint64
	bytesSent     atomic.Uint64
	keyFramesSent atomic.Uint64
	packetsSent   atomic.Uint64
	framesDropped atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters
type StatsSnapshot struct {
	FramesSent    uint64
	BytesSent     uint64
	KeyFramesSent uint64
	PacketsSent   uint64
	FramesDropped uint64
	AvgFrameSize  uint64
}

func (s *Stats) recordFrame(bytes int, keyframe bool, packets int) {
	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(bytes))
	s.packetsSent.Add(uint64(packets))
	if keyframe {
		s.keyFramesSent.Add(1)
	}
}

func (s *Stats) recordDrop() {
	s.framesDropped.Add(1)
}

// Snapshot returns the current counter values with the running average
// frame size derived from them
func (s *Stats) Snapshot() StatsSnapshot {
	frames := s.framesSent.Load()
	bytes := s.bytesSent.Load()

	var avg uint64
	if frames > 0 {
		avg = bytes / frames
	}
	return StatsSnapshot{
		FramesSent:    frames,
		BytesSent:     bytes,
		KeyFramesSent: s.keyFramesSent.Load(),
		PacketsSent:   s.packetsSent.Load(),
		FramesDropped: s.framesDropped.Load(),
		AvgFrameSize:  avg,
	}
}
