package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/gamestream-gateway/pkg/config"
)

// RTP payload types offered to browsers
const (
	PayloadTypeH264 = 96
	PayloadTypeHEVC = 98
	PayloadTypeAV1  = 45
	PayloadTypeOpus = 111
)

// BuildAPI assembles a pion API with the gateway's codec set, the
// configured UDP port range and the default interceptors
func BuildAPI(cfg config.WebRTCConfig) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f",
		},
		PayloadType: PayloadTypeH264,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264 codec: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH265,
			ClockRate: 90000,
		},
		PayloadType: PayloadTypeHEVC,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register HEVC codec: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeAV1,
			ClockRate: 90000,
		},
		PayloadType: PayloadTypeAV1,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register AV1 codec: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: PayloadTypeOpus,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus codec: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	if cfg.PortRangeMin != 0 && cfg.PortRangeMax != 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.PortRangeMin, cfg.PortRangeMax); err != nil {
			return nil, fmt.Errorf("set UDP port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	), nil
}

// BuildICEConfig converts gateway configuration into pion ICE servers
func BuildICEConfig(cfg config.WebRTCConfig) webrtc.Configuration {
	var servers []webrtc.ICEServer

	for _, stun := range cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		})
	}
	if cfg.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{"turn:" + cfg.TURNServer},
			Username:       cfg.TURNUsername,
			Credential:     cfg.TURNPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return webrtc.Configuration{ICEServers: servers}
}
