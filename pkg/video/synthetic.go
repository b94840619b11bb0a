package video

import (
	"context"
	"time"

	"github.com/ethan/gamestream-gateway/pkg/rtp"
)

// SyntheticSource produces H.264-shaped filler access units at a fixed
// framerate. It stands in for the encoder queue during bring-up and when
// the gateway binary runs with -synthetic; the payloads carry valid
// start codes and NAL headers but no decodable picture data.
type SyntheticSource struct {
	framerate   int
	frameSize   int
	gopLength   int
	frameCount  uint64
	pts         uint32
	idrRequests chan struct{}
}

// NewSyntheticSource creates a source at the given framerate
func NewSyntheticSource(framerate, frameSize, gopLength int) *SyntheticSource {
	if framerate <= 0 {
		framerate = 60
	}
	if frameSize <= 0 {
		frameSize = 8 * 1024
	}
	if gopLength <= 0 {
		gopLength = 120
	}
	return &SyntheticSource{
		framerate:   framerate,
		frameSize:   frameSize,
		gopLength:   gopLength,
		idrRequests: make(chan struct{}, 1),
	}
}

// Next blocks until the next frame interval and returns a filler access
// unit (video.Source)
func (s *SyntheticSource) Next(ctx context.Context) (*EncodedPacket, error) {
	interval := time.Second / time.Duration(s.framerate)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(interval):
	}

	keyframe := s.frameCount%uint64(s.gopLength) == 0
	select {
	case <-s.idrRequests:
		keyframe = true
	default:
	}

	s.frameCount++
	s.pts += uint32(rtp.VideoClockRate / s.framerate)

	return &EncodedPacket{
		Codec:    rtp.CodecH264,
		PTS:      s.pts,
		Keyframe: keyframe,
		Data:     s.buildFrame(keyframe),
	}, nil
}

// RequestIDR makes the next frame a keyframe (video.IDRRequester)
func (s *SyntheticSource) RequestIDR(ctx context.Context) error {
	select {
	case s.idrRequests <- struct{}{}:
	default:
	}
	return nil
}

func (s *SyntheticSource) buildFrame(keyframe bool) []byte {
	startCode := []byte{0x00, 0x00, 0x00, 0x01}

	var au []byte
	if keyframe {
		// SPS and PPS stubs ahead of the IDR filler
		au = append(au, startCode...)
		au = append(au, 0x67, 0x4D, 0x00, 0x1F)
		au = append(au, startCode...)
		au = append(au, 0x68, 0xEE, 0x3C, 0x80)
	}

	au = append(au, startCode...)
	header := byte(0x41) // non-IDR slice, NRI 2
	if keyframe {
		header = 0x65 // IDR slice, NRI 3
	}
	au = append(au, header)

	filler := make([]byte, s.frameSize)
	for i := range filler {
		filler[i] = byte(i%253 + 1) // avoid accidental start codes
	}
	return append(au, filler...)
}
