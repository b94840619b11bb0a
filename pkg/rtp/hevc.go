package rtp

import (
	"fmt"

	"github.com/pion/rtp"
)

const (
	// HEVC NAL unit types (subset relevant to the gateway)
	HEVCNALUTypeIDRWRADL = 19
	HEVCNALUTypeIDRNLP   = 20
	HEVCNALUTypeVPS      = 32
	HEVCNALUTypeSPS      = 33
	HEVCNALUTypePPS      = 34
	HEVCNALUTypeAP       = 48 // Aggregation Packet
	HEVCNALUTypeFU       = 49 // Fragmentation Unit
)

// HEVCPacketizer fragments HEVC Annex-B access units into RTP payloads
type HEVCPacketizer struct {
	seq *sequencer
}

// NewHEVCPacketizer creates a packetizer with its own sequence counter
func NewHEVCPacketizer(payloadType uint8, ssrc uint32) *HEVCPacketizer {
	return &HEVCPacketizer{seq: newSequencer(payloadType, ssrc)}
}

// Packetize splits an Annex-B access unit along start codes and emits one
// Single-NAL payload per NALU that fits, or FU (type 49) fragments
// otherwise. The marker bit is set on the last packet of the access unit.
func (p *HEVCPacketizer) Packetize(au []byte, pts uint32) ([]*rtp.Packet, error) {
	nalus, err := SplitAnnexB(au)
	if err != nil {
		return nil, err
	}

	var packets []*rtp.Packet
	for i, nalu := range nalus {
		if len(nalu) < 2 {
			return nil, fmt.Errorf("HEVC NAL unit shorter than its 2-byte header")
		}
		lastNALU := i == len(nalus)-1

		if len(nalu) <= MaxPayloadSize {
			packets = append(packets, p.seq.next(nalu, pts, lastNALU))
			continue
		}

		packets = append(packets, p.fragmentFU(nalu, pts, lastNALU)...)
	}

	return packets, nil
}

// fragmentFU emits FU fragments for one oversized NALU. The 2-byte
// PayloadHdr copies LayerId/TID from the original header with the type
// replaced by 49; the FU header carries the original 6-bit type with S on
// the first and E on the last fragment.
func (p *HEVCPacketizer) fragmentFU(nalu []byte, pts uint32, lastNALU bool) []*rtp.Packet {
	naluType := (nalu[0] >> 1) & 0x3F

	// Reconstruct the NAL header with FU type, keeping F, LayerId, TID
	payloadHdr0 := (nalu[0] & 0x81) | (HEVCNALUTypeFU << 1)
	payloadHdr1 := nalu[1]

	// Three bytes of FU overhead per fragment (PayloadHdr + FU header)
	const fragmentSize = MaxPayloadSize - 3
	payload := nalu[2:]

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

		fragment := make([]byte, 0, 3+end-offset)
		fragment = append(fragment, payloadHdr0, payloadHdr1, fuHeader)
		fragment = append(fragment, payload[offset:end]...)

		packets = append(packets, p.seq.next(fragment, pts, lastNALU && last))
	}

	return packets
}

// HEVCNALUType extracts the 6-bit type from an HEVC NAL header
func HEVCNALUType(nalu []byte) uint8 {
	if len(nalu) == 0 {
		return 0
	}
	return (nalu[0] >> 1) & 0x3F
}
