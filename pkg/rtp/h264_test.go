package rtp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAnnexB joins NAL units with 4-byte start codes
func buildAnnexB(nalus ...[]byte) []byte {
	var out []byte
	for _, nalu := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, nalu...)
	}
	return out
}

// makeNALU builds a NAL unit with the given header byte and total size
func makeNALU(header byte, size int) []byte {
	nalu := make([]byte, size)
	nalu[0] = header
	for i := 1; i < size; i++ {
		nalu[i] = byte(i * 7)
	}
	return nalu
}

func TestH264FragmentationFUA(t *testing.T) {
	// 4000-byte IDR NALU, type 5 with NRI 3 (header 0x65)
	nalu := makeNALU(0x65, 4000)
	p := NewH264Packetizer(96, 0x11223344)

	packets, err := p.Packetize(buildAnnexB(nalu), 900000)
	require.NoError(t, err)
	require.Len(t, packets, 4)

	// FU indicator copies NRI and uses type 28
	for _, pkt := range packets {
		assert.Equal(t, byte(0x7C), pkt.Payload[0])
		assert.Equal(t, uint32(900000), pkt.Timestamp)
		assert.LessOrEqual(t, len(pkt.Payload), MaxPayloadSize)
	}

	// S on the first fragment, E on the last, original type throughout
	assert.Equal(t, byte(0x85), packets[0].Payload[1])
	assert.Equal(t, byte(0x05), packets[1].Payload[1])
	assert.Equal(t, byte(0x05), packets[2].Payload[1])
	assert.Equal(t, byte(0x45), packets[3].Payload[1])

	// Marker only on the final packet of the access unit
	assert.False(t, packets[0].Marker)
	assert.False(t, packets[1].Marker)
	assert.False(t, packets[2].Marker)
	assert.True(t, packets[3].Marker)

	// Four consecutive sequence numbers
	base := packets[0].SequenceNumber
	for i, pkt := range packets {
		assert.Equal(t, base+uint16(i), pkt.SequenceNumber)
		assert.Equal(t, uint32(0x11223344), pkt.SSRC)
	}
}

func TestH264SingleNALU(t *testing.T) {
	sps := makeNALU(0x67, 20)
	pps := makeNALU(0x68, 6)
	idr := makeNALU(0x65, 400)
	p := NewH264Packetizer(96, 1)

	packets, err := p.Packetize(buildAnnexB(sps, pps, idr), 3000)
	require.NoError(t, err)
	require.Len(t, packets, 3)

	assert.Equal(t, sps, packets[0].Payload)
	assert.Equal(t, pps, packets[1].Payload)
	assert.Equal(t, idr, packets[2].Payload)

	assert.False(t, packets[0].Marker)
	assert.False(t, packets[1].Marker)
	assert.True(t, packets[2].Marker)
}

func TestH264RoundTrip(t *testing.T) {
	nalus := [][]byte{
		makeNALU(0x67, 25),
		makeNALU(0x68, 8),
		makeNALU(0x65, 5000),
		makeNALU(0x41, 2500),
	}
	p := NewH264Packetizer(96, 42)

	packets, err := p.Packetize(buildAnnexB(nalus...), 180000)
	require.NoError(t, err)

	// Reassemble by stripping RTP and FU headers
	var rebuilt [][]byte
	var fragment []byte
	for _, pkt := range packets {
		payload := pkt.Payload
		if payload[0]&0x1F == NALUTypeFUA {
			fuIndicator := payload[0]
			fuHeader := payload[1]
			if fuHeader&0x80 != 0 {
				header := (fuIndicator & 0xE0) | (fuHeader & 0x1F)
				fragment = []byte{header}
			}
			fragment = append(fragment, payload[2:]...)
			if fuHeader&0x40 != 0 {
				rebuilt = append(rebuilt, fragment)
				fragment = nil
			}
		} else {
			rebuilt = append(rebuilt, payload)
		}
	}

	require.Len(t, rebuilt, len(nalus))
	for i := range nalus {
		assert.True(t, bytes.Equal(nalus[i], rebuilt[i]), "NALU %d differs", i)
	}
}

func TestH264MarkerOncePerAccessUnit(t *testing.T) {
	p := NewH264Packetizer(96, 7)
	for _, au := range [][]byte{
		buildAnnexB(makeNALU(0x41, 900)),
		buildAnnexB(makeNALU(0x41, 4000)),
		buildAnnexB(makeNALU(0x67, 20), makeNALU(0x65, 9000)),
	} {
		packets, err := p.Packetize(au, 6000)
		require.NoError(t, err)

		markers := 0
		for _, pkt := range packets {
			if pkt.Marker {
				markers++
			}
		}
		assert.Equal(t, 1, markers)
		assert.True(t, packets[len(packets)-1].Marker)
	}
}

func TestH264SequenceMonotonicWithWraparound(t *testing.T) {
	p := NewH264Packetizer(96, 9)
	p.seq.seq = 0xFFFE

	packets, err := p.Packetize(buildAnnexB(makeNALU(0x41, 4000)), 9000)
	require.NoError(t, err)
	require.Len(t, packets, 4)

	prev := packets[0].SequenceNumber
	for _, pkt := range packets[1:] {
		assert.Equal(t, prev+1, pkt.SequenceNumber)
		prev = pkt.SequenceNumber
	}
	// Wrapped through zero
	assert.Equal(t, uint16(0xFFFE), packets[0].SequenceNumber)
	assert.Equal(t, uint16(0x0001), packets[3].SequenceNumber)
}

func TestH264MalformedInput(t *testing.T) {
	p := NewH264Packetizer(96, 3)

	tests := []struct {
		name string
		au   []byte
	}{
		{"no start code", []byte{0x65, 0x01, 0x02, 0x03}},
		{"empty input", nil},
		{"start code only", []byte{0x00, 0x00, 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Packetize(tt.au, 0)
			assert.Error(t, err)
		})
	}
}

func TestSplitAnnexBThreeByteStartCodes(t *testing.T) {
	nalu1 := makeNALU(0x67, 10)
	nalu2 := makeNALU(0x65, 30)
	stream := append([]byte{0x00, 0x00, 0x01}, nalu1...)
	stream = append(stream, 0x00, 0x00, 0x01)
	stream = append(stream, nalu2...)

	nalus, err := SplitAnnexB(stream)
	require.NoError(t, err)
	require.Len(t, nalus, 2)
	assert.Equal(t, nalu1, nalus[0])
	assert.Equal(t, nalu2, nalus[1])
}
