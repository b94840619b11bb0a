package rtp

import (
	"fmt"

	"github.com/pion/rtp"
)

const (
	// OBU types
	OBUTypeSequenceHeader    = 1
	OBUTypeTemporalDelimiter = 2
	OBUTypeFrameHeader       = 3
	OBUTypeTileGroup         = 4
	OBUTypeMetadata          = 5
	OBUTypeFrame             = 6
	OBUTypePadding           = 15

	// Aggregation header bits
	av1AggZ = 0x80 // first element continues an OBU from the previous packet
	av1AggY = 0x40 // last element continues into the next packet
	av1AggN = 0x08 // first packet of a new coded video sequence
)

// AV1Packetizer packetizes AV1 temporal units using the AV1 RTP payload
// format: an aggregation header followed by LEB128-delimited OBU elements
type AV1Packetizer struct {
	seq *sequencer
}

// NewAV1Packetizer creates a packetizer with its own sequence counter
func NewAV1Packetizer(payloadType uint8, ssrc uint32) *AV1Packetizer {
	return &AV1Packetizer{seq: newSequencer(payloadType, ssrc)}
}

// obu is one parsed unit with its size field stripped
type obu struct {
	typ  uint8
	data []byte // header (+extension) and payload, has_size_field cleared
}

// Packetize splits a low-overhead OBU stream into RTP packets. Temporal
// delimiters and padding are dropped, remaining OBUs are aggregated with
// LEB128 lengths or fragmented with Z/Y continuation bits. N is set on the
// first packet of a temporal unit carrying a sequence header; the marker
// bit is set on the last packet of the temporal unit.
func (p *AV1Packetizer) Packetize(au []byte, pts uint32) ([]*rtp.Packet, error) {
	obus, err := parseOBUStream(au)
	if err != nil {
		return nil, err
	}
	if len(obus) == 0 {
		return nil, fmt.Errorf("temporal unit contains no sendable OBUs")
	}

	newSequence := false
	for _, o := range obus {
		if o.typ == OBUTypeSequenceHeader {
			newSequence = true
		}
	}

	var packets []*rtp.Packet
	payload := make([]byte, 1, MaxPayloadSize)

	flush := func(aggBits byte) {
		if len(payload) == 1 {
			return
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		out[0] = aggBits
		packets = append(packets, p.seq.next(out, pts, false))
		payload = payload[:1]
	}

	continuing := false // the open packet starts mid-OBU
	for _, o := range obus {
		prefixed := len(appendLEB128(nil, uint32(len(o.data)))) + len(o.data)

		if len(payload)+prefixed <= MaxPayloadSize {
			payload = appendLEB128(payload, uint32(len(o.data)))
			payload = append(payload, o.data...)
			continue
		}

		// Flush whatever is aggregated so far
		var agg byte
		if continuing {
			agg |= av1AggZ
		}
		flush(agg)
		continuing = false

		// Retry in a fresh packet before resorting to fragmentation
		if 1+prefixed <= MaxPayloadSize {
			payload = appendLEB128(payload, uint32(len(o.data)))
			payload = append(payload, o.data...)
			continue
		}

		data := o.data
		for len(data) > 0 {
			// One element per packet, length implied by the packet size
			room := MaxPayloadSize - 1
			chunk := data
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			data = data[len(chunk):]

			var bits byte = 0x10 // W=1
			if continuing {
				bits |= av1AggZ
			}
			if len(data) > 0 {
				bits |= av1AggY
			}

			out := make([]byte, 0, 1+len(chunk))
			out = append(out, bits)
			out = append(out, chunk...)

			packets = append(packets, p.seq.next(out, pts, false))
			continuing = len(data) > 0
		}
	}

	var agg byte
	if continuing {
		agg |= av1AggZ
	}
	flush(agg)

	if len(packets) == 0 {
		return nil, fmt.Errorf("temporal unit produced no packets")
	}

	// Stamp N on the first packet and the marker on the last
	if newSequence {
		packets[0].Payload[0] |= av1AggN
	}
	packets[len(packets)-1].Marker = true

	return packets, nil
}

// parseOBUStream parses a low-overhead AV1 bitstream into OBUs, clearing
// the has_size_field flag and dropping temporal delimiters and padding
func parseOBUStream(data []byte) ([]obu, error) {
	var obus []obu
	offset := 0

	for offset < len(data) {
		header := data[offset]
		if header&0x80 != 0 {
			return nil, fmt.Errorf("OBU forbidden bit set at offset %d", offset)
		}
		obuType := (header >> 3) & 0x0F
		hasExtension := header&0x04 != 0
		hasSize := header&0x02 != 0

		headerLen := 1
		if hasExtension {
			headerLen = 2
		}
		if offset+headerLen > len(data) {
			return nil, fmt.Errorf("truncated OBU header at offset %d", offset)
		}

		var payloadLen int
		var sizeLen int
		if hasSize {
			size, n, err := decodeLEB128(data[offset+headerLen:])
			if err != nil {
				return nil, fmt.Errorf("OBU at offset %d: %w", offset, err)
			}
			payloadLen = int(size)
			sizeLen = n
		} else {
			// Only the final OBU of a temporal unit may omit its size
			payloadLen = len(data) - offset - headerLen
		}

		payloadStart := offset + headerLen + sizeLen
		if payloadStart+payloadLen > len(data) {
			return nil, fmt.Errorf("OBU at offset %d: size %d exceeds stream bounds", offset, payloadLen)
		}

		if obuType != OBUTypeTemporalDelimiter && obuType != OBUTypePadding {
			element := make([]byte, 0, headerLen+payloadLen)
			element = append(element, header&^0x02) // clear has_size_field
			if hasExtension {
				element = append(element, data[offset+1])
			}
			element = append(element, data[payloadStart:payloadStart+payloadLen]...)
			obus = append(obus, obu{typ: obuType, data: element})
		}

		offset = payloadStart + payloadLen
	}

	return obus, nil
}

// appendLEB128 appends the unsigned LEB128 encoding of v
func appendLEB128(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
		} else {
			return append(dst, b)
		}
	}
}

// decodeLEB128 decodes an unsigned LEB128 value, rejecting encodings that
// overflow 32 bits
func decodeLEB128(data []byte) (uint32, int, error) {
	var value uint64
	for i := 0; i < len(data) && i < 8; i++ {
		value |= uint64(data[i]&0x7F) << (7 * i)
		if value > 0xFFFFFFFF {
			return 0, 0, fmt.Errorf("LEB128 length overflow")
		}
		if data[i]&0x80 == 0 {
			return uint32(value), i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("unterminated LEB128 length")
}
