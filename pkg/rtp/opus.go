package rtp

import (
	"fmt"

	"github.com/pion/rtp"
)

// OpusPacketizer passes encoded Opus frames through as single RTP
// payloads. No fragmentation: Opus frames from the encoder are far below
// the payload budget.
type OpusPacketizer struct {
	seq *sequencer
}

// NewOpusPacketizer creates a packetizer with its own sequence counter
func NewOpusPacketizer(payloadType uint8, ssrc uint32) *OpusPacketizer {
	return &OpusPacketizer{seq: newSequencer(payloadType, ssrc)}
}

// Packetize wraps one encoded Opus frame in a single RTP packet
func (p *OpusPacketizer) Packetize(frame []byte, pts uint32) ([]*rtp.Packet, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty Opus frame")
	}
	if len(frame) > MaxPayloadSize {
		return nil, fmt.Errorf("Opus frame of %d bytes exceeds payload budget", len(frame))
	}
	return []*rtp.Packet{p.seq.next(frame, pts, false)}, nil
}
