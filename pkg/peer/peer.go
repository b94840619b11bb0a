package peer

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/gamestream-gateway/pkg/fanout"
	"github.com/ethan/gamestream-gateway/pkg/logger"
)

const (
	// IceGatheringDeadline bounds local candidate gathering
	IceGatheringDeadline = 10 * time.Second

	// DTLSHandshakeDeadline bounds the time from the local answer until
	// the transport leaves IceGathering/Connecting
	DTLSHandshakeDeadline = 20 * time.Second

	// ReconnectWindow is how long a peer may sit in Reconnecting before
	// it is closed
	ReconnectWindow = 30 * time.Second

	// inputChannelLabel names the reliable input/control channel
	inputChannelLabel = "input"
)

// ErrInvalidTransition reports a state machine violation
var ErrInvalidTransition = fmt.Errorf("invalid peer state transition")

// Peer drives one browser connection from Signaling to Streaming. It owns
// the pion PeerConnection, the outbound media tracks and the reliable
// input channel, and implements fanout.PeerSink so the broadcaster can
// write to it.
type Peer struct {
	id     string
	logger *logger.Logger
	api    *webrtc.API
	config webrtc.Configuration

	mu         sync.Mutex
	state      State
	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticRTP
	audioTrack *webrtc.TrackLocalStaticRTP
	inputDC    *webrtc.DataChannel
	admitted   bool
	dcOpen     bool

	reconnectTimer *time.Timer
	dtlsTimer      *time.Timer

	wg sync.WaitGroup

	// OnStateChange fires outside the peer lock after every transition
	OnStateChange func(peerID string, state State)

	// OnInputFrame delivers reliable-channel frames on the transport's
	// callback thread
	OnInputFrame func(peerID string, data []byte)

	// OnIceCandidate emits local trickle candidates as JSON blobs
	OnIceCandidate func(peerID string, candidateJSON []byte)

	// OnKeyframeRequest fires when the browser sends RTCP PLI/FIR
	OnKeyframeRequest func(peerID string)
}

// New creates a peer in Signaling and builds its transport
func New(id string, api *webrtc.API, cfg webrtc.Configuration, log *logger.Logger) (*Peer, error) {
	p := &Peer{
		id:     id,
		logger: log.With("peer_id", id),
		api:    api,
		config: cfg,
		state:  StateSignaling,
	}
	if err := p.buildTransport(); err != nil {
		return nil, err
	}
	return p, nil
}

// ID returns the stable peer id (fanout.PeerSink)
func (p *Peer) ID() string {
	return p.id
}

// State returns the current state
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// buildTransport creates the PeerConnection, tracks and input channel.
// Caller must not hold the peer lock.
func (p *Peer) buildTransport() error {
	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "gamestream-video",
	)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create video track: %w", err)
	}
	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return fmt.Errorf("add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "gamestream-audio",
	)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create audio track: %w", err)
	}
	audioSender, err := pc.AddTrack(audioTrack)
	if err != nil {
		pc.Close()
		return fmt.Errorf("add audio track: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(inputChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("create input channel: %w", err)
	}

	dc.OnOpen(func() {
		if !p.isCurrent(pc) {
			return
		}
		p.logger.Info("input channel open")
		p.mu.Lock()
		p.dcOpen = true
		p.mu.Unlock()
		p.maybeStream()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.OnInputFrame != nil {
			p.OnInputFrame(p.id, msg.Data)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.OnIceCandidate == nil {
			return
		}
		blob, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		p.logger.DebugWebRTC("local ICE candidate gathered", "candidate", c.String())
		p.OnIceCandidate(p.id, blob)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if !p.isCurrent(pc) {
			return
		}
		p.logger.DebugWebRTC("ICE state changed", "state", state.String())
		if state == webrtc.ICEConnectionStateChecking {
			p.transition(StateConnecting)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		// Events from a transport that has been replaced are stale
		if !p.isCurrent(pc) {
			return
		}
		p.logger.Info("connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.transition(StateConnected)
			p.maybeStream()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			p.transition(StateReconnecting)
		case webrtc.PeerConnectionStateClosed:
			p.transition(StateClosed)
		}
	})

	p.mu.Lock()
	p.pc = pc
	p.videoTrack = videoTrack
	p.audioTrack = audioTrack
	p.inputDC = dc
	p.dcOpen = false
	p.mu.Unlock()

	p.startRTCPReader(videoSender, "video")
	p.startRTCPReader(audioSender, "audio")

	return nil
}

// isCurrent reports whether pc is still the live transport
func (p *Peer) isCurrent(pc *webrtc.PeerConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc == pc
}

// HandleOffer applies the browser's offer and returns the local answer
// once ICE gathering completes or its deadline passes
func (p *Peer) HandleOffer(offerSDP string) (string, error) {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return "", fmt.Errorf("no transport")
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	p.transition(StateIceGathering)
	p.armDTLSDeadline()

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
	case <-time.After(IceGatheringDeadline):
		// Trickle ICE continues via OnICECandidate; answer with what we
		// have so far
		p.logger.Warn("ICE gathering deadline reached")
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	p.logger.DebugWebRTC("answer assembled", "sdp_bytes", len(local.SDP))
	return local.SDP, nil
}

// AddICECandidate applies a remote trickle candidate
func (p *Peer) AddICECandidate(candidateJSON []byte) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no transport")
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(candidateJSON, &candidate); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	return pc.AddICECandidate(candidate)
}

// MarkAdmitted records room admission; the peer starts streaming once the
// input channel is open as well
func (p *Peer) MarkAdmitted() {
	p.mu.Lock()
	p.admitted = true
	p.mu.Unlock()
	p.maybeStream()
}

// maybeStream enters Streaming when the transport is connected, the
// input channel is open and the room has admitted the peer
func (p *Peer) maybeStream() {
	p.mu.Lock()
	ready := p.state == StateConnected && p.admitted && p.dcOpen
	p.mu.Unlock()

	if ready {
		p.transition(StateStreaming)
	}
}

// Send writes one fan-out packet to the transport (fanout.PeerSink).
// Media kinds land on the RTP tracks, reliable frames on the input
// channel.
func (p *Peer) Send(pkt *fanout.Packet) error {
	p.mu.Lock()
	video, audio, dc := p.videoTrack, p.audioTrack, p.inputDC
	p.mu.Unlock()

	switch pkt.Kind {
	case fanout.KindVideo:
		if video == nil {
			return fmt.Errorf("no video track")
		}
		if _, err := video.Write(pkt.Data); err != nil {
			if err == io.ErrClosedPipe {
				return nil // track closed gracefully
			}
			return err
		}
		return nil

	case fanout.KindAudio:
		if audio == nil {
			return fmt.Errorf("no audio track")
		}
		if _, err := audio.Write(pkt.Data); err != nil {
			if err == io.ErrClosedPipe {
				return nil
			}
			return err
		}
		return nil

	case fanout.KindReliable:
		if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
			return fmt.Errorf("input channel not open")
		}
		return dc.Send(pkt.Data)

	default:
		return fmt.Errorf("unknown packet kind %d", pkt.Kind)
	}
}

// SendReliable writes a raw frame to the input channel, bypassing the
// fan-out queue (rumble, control messages)
func (p *Peer) SendReliable(data []byte) error {
	return p.Send(&fanout.Packet{Kind: fanout.KindReliable, Data: data})
}

// ForceReconnect bounces a live peer into Reconnecting, used when the
// encoder cannot resync its stream
func (p *Peer) ForceReconnect() {
	p.transition(StateReconnecting)
}

// Reconnect replaces the transport after a transient failure, preserving
// the peer id, its room slot and gamepad claims. The peer re-enters
// Signaling and negotiates from scratch.
func (p *Peer) Reconnect() error {
	p.mu.Lock()
	if p.state != StateReconnecting {
		p.mu.Unlock()
		return fmt.Errorf("%w: reconnect from %s", ErrInvalidTransition, p.state)
	}
	old := p.pc
	p.pc = nil
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if !p.transition(StateSignaling) {
		return fmt.Errorf("%w: reconnect raced with close", ErrInvalidTransition)
	}
	if err := p.buildTransport(); err != nil {
		p.transition(StateClosed)
		return err
	}

	p.logger.Info("transport replaced for reconnection")
	return nil
}

// Close tears the peer down; terminal and idempotent
func (p *Peer) Close() error {
	if !p.transition(StateClosed) {
		return nil
	}

	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			p.logger.Error("error closing peer connection", "error", err)
		}
	}
	p.wg.Wait()
	return nil
}

// transition applies a state change if the machine allows it, firing
// OnStateChange and managing the reconnect window and handshake deadline
func (p *Peer) transition(to State) bool {
	p.mu.Lock()
	from := p.state
	if from == to || !canTransition(from, to) {
		p.mu.Unlock()
		return false
	}
	p.state = to

	if to != StateConnecting && p.dtlsTimer != nil {
		p.dtlsTimer.Stop()
		p.dtlsTimer = nil
	}

	switch to {
	case StateReconnecting:
		p.dcOpen = false
		if p.reconnectTimer != nil {
			p.reconnectTimer.Stop()
		}
		p.reconnectTimer = time.AfterFunc(ReconnectWindow, func() {
			p.logger.Warn("reconnect window expired")
			p.Close()
		})
	case StateClosed, StateConnected, StateStreaming:
		if p.reconnectTimer != nil {
			p.reconnectTimer.Stop()
			p.reconnectTimer = nil
		}
	}
	p.mu.Unlock()

	p.logger.Info("peer state transition", "from", from.String(), "to", to.String())
	if p.OnStateChange != nil {
		p.OnStateChange(p.id, to)
	}
	return true
}

// armDTLSDeadline forces Reconnecting if the handshake does not complete
// in time
func (p *Peer) armDTLSDeadline() {
	p.mu.Lock()
	if p.dtlsTimer != nil {
		p.dtlsTimer.Stop()
	}
	p.dtlsTimer = time.AfterFunc(DTLSHandshakeDeadline, func() {
		p.mu.Lock()
		stuck := p.state == StateConnecting || p.state == StateIceGathering
		p.mu.Unlock()
		if stuck {
			p.logger.Warn("DTLS handshake deadline reached")
			p.transition(StateReconnecting)
		}
	})
	p.mu.Unlock()
}

// startRTCPReader drains RTCP from a sender, surfacing keyframe requests
func (p *Peer) startRTCPReader(sender *webrtc.RTPSender, track string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		for {
			packets, _, err := sender.ReadRTCP()
			if err != nil {
				if err == io.EOF || err == io.ErrClosedPipe {
					return
				}
				p.logger.DebugWebRTC("RTCP read error", "track", track, "error", err)
				return
			}

			for _, packet := range packets {
				switch packet.(type) {
				case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
					p.logger.DebugWebRTC("keyframe requested via RTCP", "track", track)
					if p.OnKeyframeRequest != nil {
						p.OnKeyframeRequest(p.id)
					}
				}
			}
		}
	}()
}
