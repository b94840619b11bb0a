package rtp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeOBU builds a low-overhead OBU with a size field
func makeOBU(obuType uint8, payloadSize int) []byte {
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i*13 + 1)
	}
	out := []byte{(obuType << 3) | 0x02} // has_size_field=1
	out = appendLEB128(out, uint32(payloadSize))
	return append(out, payload...)
}

func TestAV1SmallTemporalUnit(t *testing.T) {
	td := makeOBU(OBUTypeTemporalDelimiter, 0)
	frame := makeOBU(OBUTypeFrame, 500)
	tu := append(append([]byte{}, td...), frame...)

	p := NewAV1Packetizer(45, 0xA1)
	packets, err := p.Packetize(tu, 90000)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	pkt := packets[0]
	assert.True(t, pkt.Marker)

	agg := pkt.Payload[0]
	assert.Zero(t, agg&av1AggZ)
	assert.Zero(t, agg&av1AggY)
	assert.Zero(t, agg&av1AggN)

	// One LEB128-delimited element: header byte with has_size cleared,
	// then the payload
	size, n, err := decodeLEB128(pkt.Payload[1:])
	require.NoError(t, err)
	element := pkt.Payload[1+n:]
	require.Equal(t, int(size), len(element))
	assert.Equal(t, byte(OBUTypeFrame<<3), element[0])
}

func TestAV1NewSequenceFlag(t *testing.T) {
	seqHdr := makeOBU(OBUTypeSequenceHeader, 12)
	frame := makeOBU(OBUTypeFrame, 300)
	tu := append(append([]byte{}, seqHdr...), frame...)

	p := NewAV1Packetizer(45, 0xA2)
	packets, err := p.Packetize(tu, 3000)
	require.NoError(t, err)

	assert.NotZero(t, packets[0].Payload[0]&av1AggN)
	for _, pkt := range packets[1:] {
		assert.Zero(t, pkt.Payload[0]&av1AggN)
	}
}

func TestAV1Fragmentation(t *testing.T) {
	frame := makeOBU(OBUTypeFrame, 5000)

	p := NewAV1Packetizer(45, 0xA3)
	packets, err := p.Packetize(frame, 6000)
	require.NoError(t, err)
	require.True(t, len(packets) > 1)

	for i, pkt := range packets {
		assert.LessOrEqual(t, len(pkt.Payload), MaxPayloadSize)
		agg := pkt.Payload[0]
		assert.Equal(t, i > 0, agg&av1AggZ != 0, "Z bit on packet %d", i)
		assert.Equal(t, i < len(packets)-1, agg&av1AggY != 0, "Y bit on packet %d", i)
		assert.Equal(t, i == len(packets)-1, pkt.Marker)
		assert.Equal(t, uint32(6000), pkt.Timestamp)
	}
}

func TestAV1FragmentRoundTrip(t *testing.T) {
	seqHdr := makeOBU(OBUTypeSequenceHeader, 14)
	frame := makeOBU(OBUTypeFrame, 4200)
	tu := append(append([]byte{}, seqHdr...), frame...)

	p := NewAV1Packetizer(45, 0xA4)
	packets, err := p.Packetize(tu, 12000)
	require.NoError(t, err)

	// Reassemble elements across packets using W/Z/Y and LEB128 lengths
	var elements [][]byte
	var open []byte
	for _, pkt := range packets {
		payload := pkt.Payload
		agg := payload[0]
		w := (agg >> 4) & 0x03
		body := payload[1:]

		if w == 1 {
			// Single element, length implied by the packet
			if agg&av1AggZ != 0 {
				open = append(open, body...)
			} else {
				open = append([]byte{}, body...)
			}
			if agg&av1AggY == 0 {
				elements = append(elements, open)
				open = nil
			}
			continue
		}

		for len(body) > 0 {
			size, n, err := decodeLEB128(body)
			require.NoError(t, err)
			body = body[n:]
			require.GreaterOrEqual(t, len(body), int(size))
			elements = append(elements, body[:size])
			body = body[size:]
		}
	}

	require.Len(t, elements, 2)
	assert.Equal(t, byte(OBUTypeSequenceHeader<<3), elements[0][0])
	assert.Equal(t, byte(OBUTypeFrame<<3), elements[1][0])

	// Element payload matches the original OBU payload
	wantSize, n, err := decodeLEB128(frame[1:])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(frame[1+n:], elements[1][1:]))
	assert.Equal(t, int(wantSize), len(elements[1][1:]))
}

func TestAV1MalformedInput(t *testing.T) {
	p := NewAV1Packetizer(45, 1)

	t.Run("forbidden bit", func(t *testing.T) {
		_, err := p.Packetize([]byte{0x80, 0x00}, 0)
		assert.Error(t, err)
	})

	t.Run("length overflow", func(t *testing.T) {
		tu := []byte{(OBUTypeFrame << 3) | 0x02, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F}
		_, err := p.Packetize(tu, 0)
		assert.Error(t, err)
	})

	t.Run("size exceeds stream", func(t *testing.T) {
		tu := []byte{(OBUTypeFrame << 3) | 0x02, 0x20, 0x01, 0x02}
		_, err := p.Packetize(tu, 0)
		assert.Error(t, err)
	})

	t.Run("only temporal delimiter", func(t *testing.T) {
		_, err := p.Packetize(makeOBU(OBUTypeTemporalDelimiter, 0), 0)
		assert.Error(t, err)
	})
}

func TestLEB128RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 300, 16383, 16384, 0xFFFFFFFF} {
		enc := appendLEB128(nil, v)
		got, n, err := decodeLEB128(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}
}
