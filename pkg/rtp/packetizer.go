package rtp

import (
	"fmt"

	"github.com/pion/rtp"
)

const (
	// MaxPayloadSize is the MTU-safe RTP payload budget for WebRTC
	MaxPayloadSize = 1200

	// VideoClockRate is the RTP clock for all supported video codecs
	VideoClockRate = 90000

	// AudioClockRate is the RTP clock for Opus
	AudioClockRate = 48000
)

// Codec identifies the encoded bitstream format handed to the packetizer
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
	CodecAV1
	CodecOpus
)

// String returns the codec name
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	case CodecAV1:
		return "av1"
	case CodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Packetizer splits one encoded access unit into MTU-safe RTP packets.
// Implementations are stateless across frames except for the sequence
// counter and SSRC; all packets of one access unit share the timestamp.
type Packetizer interface {
	// Packetize fragments an access unit (Annex-B NAL stream or OBU
	// stream) into RTP packets. The video packetizers set the marker bit
	// on the last packet only; the Opus packetizer leaves it clear.
	// Malformed input returns an error and emits nothing.
	Packetize(au []byte, pts uint32) ([]*rtp.Packet, error)
}

// NewPacketizer returns a packetizer for the given codec
func NewPacketizer(codec Codec, payloadType uint8, ssrc uint32) (Packetizer, error) {
	seq := newSequencer(payloadType, ssrc)
	switch codec {
	case CodecH264:
		return &H264Packetizer{seq: seq}, nil
	case CodecHEVC:
		return &HEVCPacketizer{seq: seq}, nil
	case CodecAV1:
		return &AV1Packetizer{seq: seq}, nil
	case CodecOpus:
		return &OpusPacketizer{seq: seq}, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}

// sequencer owns the per-SSRC RTP header state shared by all packetizers
type sequencer struct {
	payloadType uint8
	ssrc        uint32
	seq         uint16
}

func newSequencer(payloadType uint8, ssrc uint32) *sequencer {
	return &sequencer{
		payloadType: payloadType,
		ssrc:        ssrc,
	}
}

// next builds the RTP packet for one payload and advances the sequence
// counter (wrap-around modulo 2^16)
func (s *sequencer) next(payload []byte, pts uint32, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      pts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	return pkt
}

// Sequence returns the next sequence number that will be emitted
func (s *sequencer) Sequence() uint16 {
	return s.seq
}
