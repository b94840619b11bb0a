package rtp

import (
	"bytes"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// NAL Unit types
	NALUTypeUnspecified = 0
	NALUTypePFrame      = 1
	NALUTypeIFrame      = 5
	NALUTypeSEI         = 6
	NALUTypeSPS         = 7
	NALUTypePPS         = 8
	NALUTypeAUD         = 9
	NALUTypeSTAPA       = 24 // Single-Time Aggregation Packet
	NALUTypeFUA         = 28 // Fragmentation Unit A
)

var (
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	startCode3 = []byte{0x00, 0x00, 0x01}
)

// H264Packetizer fragments H.264 Annex-B access units into RTP payloads
type H264Packetizer struct {
	seq *sequencer
}

// NewH264Packetizer creates a packetizer with its own sequence counter
func NewH264Packetizer(payloadType uint8, ssrc uint32) *H264Packetizer {
	return &H264Packetizer{seq: newSequencer(payloadType, ssrc)}
}

// Packetize splits an Annex-B access unit along start codes and emits one
// Single-NAL payload per NALU that fits, or FU-A fragments otherwise. The
// marker bit is set on the last packet of the access unit only.
func (p *H264Packetizer) Packetize(au []byte, pts uint32) ([]*rtp.Packet, error) {
	nalus, err := SplitAnnexB(au)
	if err != nil {
		return nil, err
	}

	var packets []*rtp.Packet
	for i, nalu := range nalus {
		lastNALU := i == len(nalus)-1

		if len(nalu) <= MaxPayloadSize {
			// Single NAL unit packet
			packets = append(packets, p.seq.next(nalu, pts, lastNALU))
			continue
		}

		packets = append(packets, p.fragmentFUA(nalu, pts, lastNALU)...)
	}

	return packets, nil
}

// fragmentFUA emits FU-A fragments for one oversized NALU. The FU
// indicator copies F/NRI from the original header; the FU header carries
// the original type with S on the first and E on the last fragment.
func (p *H264Packetizer) fragmentFUA(nalu []byte, pts uint32, lastNALU bool) []*rtp.Packet {
	naluHeader := nalu[0]
	naluType := naluHeader & 0x1F
	fuIndicator := (naluHeader & 0xE0) | NALUTypeFUA

	// Two bytes of FU overhead per fragment
	const fragmentSize = MaxPayloadSize - 2
	payload := nalu[1:]

	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); offset += fragmentSize {
		end := offset + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}

		fuHeader := naluType
		if offset == 0 {
			fuHeader |= 0x80 // S
		}
		last := end == len(payload)
		if last {
			fuHeader |= 0x40 // E
		}

		fragment := make([]byte, 0, 2+end-offset)
		fragment = append(fragment, fuIndicator, fuHeader)
		fragment = append(fragment, payload[offset:end]...)

		packets = append(packets, p.seq.next(fragment, pts, lastNALU && last))
	}

	return packets
}

// SplitAnnexB splits an Annex-B byte stream into NAL units, accepting both
// 3- and 4-byte start codes. An input with no leading start code is
// malformed and rejected.
func SplitAnnexB(au []byte) ([][]byte, error) {
	start, _, err := findStartCode(au, 0)
	if err != nil || start != 0 {
		return nil, fmt.Errorf("annex-b stream missing leading start code")
	}

	var nalus [][]byte
	offset := 0
	for offset < len(au) {
		_, codeLen, err := findStartCode(au, offset)
		if err != nil {
			break
		}
		naluStart := offset + codeLen

		next, _, err := findStartCode(au, naluStart)
		naluEnd := len(au)
		if err == nil {
			naluEnd = next
		}

		if naluStart >= naluEnd {
			return nil, fmt.Errorf("empty NAL unit at offset %d", offset)
		}
		nalus = append(nalus, au[naluStart:naluEnd])
		offset = naluEnd
	}

	if len(nalus) == 0 {
		return nil, fmt.Errorf("annex-b stream contains no NAL units")
	}
	return nalus, nil
}

// findStartCode locates the next start code at or after offset and returns
// its position and length
func findStartCode(data []byte, offset int) (int, int, error) {
	idx := bytes.Index(data[offset:], startCode3)
	if idx < 0 {
		return 0, 0, fmt.Errorf("no start code")
	}
	pos := offset + idx
	// A 3-byte match preceded by a zero is really a 4-byte start code
	if pos > 0 && data[pos-1] == 0x00 {
		return pos - 1, 4, nil
	}
	return pos, 3, nil
}
