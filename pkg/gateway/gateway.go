package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/gamestream-gateway/pkg/config"
	"github.com/ethan/gamestream-gateway/pkg/fanout"
	"github.com/ethan/gamestream-gateway/pkg/input"
	"github.com/ethan/gamestream-gateway/pkg/logger"
	"github.com/ethan/gamestream-gateway/pkg/peer"
	"github.com/ethan/gamestream-gateway/pkg/room"
	"github.com/ethan/gamestream-gateway/pkg/signal"
	"github.com/ethan/gamestream-gateway/pkg/video"
)

const (
	// hostCloseGrace is how long a room survives without a host before
	// it is destroyed
	hostCloseGrace = 10 * time.Second

	// statsInterval paces periodic statistics logging
	statsInterval = 30 * time.Second
)

// Gateway is the process-wide service tying the room registry, the peer
// transports, the media fan-out and the input router together. It
// replaces the original's global singletons with one explicitly wired
// handle.
type Gateway struct {
	logger *logger.Logger
	cfg    *config.Config

	api       *webrtc.API
	iceConfig webrtc.Configuration

	rooms       *room.Manager
	out         *fanout.Fanout
	videoSender *video.Sender
	audioSender *video.Sender
	router      *input.Router
	sink        input.Sink
	adapter     *signal.Adapter

	params video.Params

	mu        sync.Mutex
	peers     map[string]*peer.Peer
	peerRooms map[string]string // peer id -> room code

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time

	// OnFatal surfaces unrecoverable failures to the host process
	OnFatal func(err error)
}

// Sources bundles the external encoder queues feeding the gateway
type Sources struct {
	Video  video.Source
	Audio  video.Source // nil when the encoder has no audio pipeline
	IDR    video.IDRRequester
	Params video.Params // as configured on the encoder
}

// New wires a gateway from configuration and the encoder boundary
func New(cfg *config.Config, sources Sources, log *logger.Logger) (*Gateway, error) {
	if !cfg.WebRTC.Enabled {
		return nil, fmt.Errorf("webrtc is disabled in configuration")
	}

	api, err := peer.BuildAPI(cfg.WebRTC)
	if err != nil {
		return nil, fmt.Errorf("build webrtc api: %w", err)
	}

	sink, err := input.NewSink(cfg.Input.Backend, log.With("component", "sink").Logger)
	if err != nil {
		return nil, fmt.Errorf("initialize virtual-input sink: %w", err)
	}

	g := &Gateway{
		logger:    log,
		cfg:       cfg,
		api:       api,
		iceConfig: peer.BuildICEConfig(cfg.WebRTC),
		sink:      sink,
		params:    sources.Params,
		peers:     make(map[string]*peer.Peer),
		peerRooms: make(map[string]string),
		startTime: time.Now(),
	}

	g.rooms = room.NewManager(room.Options{
		SpectatorCapacity: cfg.Session.SpectatorCapacity,
		DefaultKeyboard:   cfg.Session.DefaultKeyboard,
		DefaultMouse:      cfg.Session.DefaultMouse,
	}, log.With("component", "room"))

	g.out = fanout.New(log.With("component", "fanout").Logger)
	g.out.OnResyncNeeded = func(peerID string) {
		if g.videoSender != nil {
			g.videoSender.RequestKeyframe(peerID)
		}
	}
	g.out.OnSendError = func(peerID string, err error) {
		g.logger.Warn("transport write failed", "peer_id", peerID, "error", err)
	}

	g.router = input.NewRouter(g.rooms, sink, log.With("component", "input"))
	g.router.OnViolationLimit = func(peerID, reason string) {
		g.logger.Warn("closing peer for protocol violations", "peer_id", peerID, "reason", reason)
		g.closePeer(peerID)
	}

	ssrcBase := uint32(time.Now().UnixNano())
	g.videoSender = video.NewSender(
		fanout.KindVideo, peer.PayloadTypeH264, ssrcBase,
		sources.Video, g.out, sources.IDR,
		log.With("component", "video"))
	g.videoSender.OnFatal = g.fatal
	g.videoSender.OnEncoderStall = g.dropPeersToReconnecting

	if sources.Audio != nil {
		g.audioSender = video.NewSender(
			fanout.KindAudio, peer.PayloadTypeOpus, ssrcBase+1,
			sources.Audio, g.out, nil,
			log.With("component", "audio"))
		g.audioSender.OnFatal = g.fatal
	}

	if cfg.Signaling.URL != "" {
		g.adapter = signal.NewAdapter(cfg.Signaling.URL, g, log.With("component", "signal"))
	}

	if rs, ok := sink.(input.RumbleSource); ok {
		rs.OnRumble(g.reverseRumble)
	}

	return g, nil
}

// Start brings the service up: senders first, then signaling
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	g.videoSender.Start(g.ctx)
	if g.audioSender != nil {
		g.audioSender.Start(g.ctx)
	}

	if g.adapter != nil {
		if err := g.adapter.Start(g.ctx); err != nil {
			return fmt.Errorf("start signaling adapter: %w", err)
		}
	}

	g.wg.Add(1)
	go g.statsLoop()

	g.logger.Info("gateway started",
		"max_players", g.cfg.WebRTC.MaxPlayers,
		"spectator_capacity", g.cfg.Session.SpectatorCapacity,
		"input_backend", g.cfg.Input.Backend)
	return nil
}

// Stop tears the service down: signaling, senders, fan-out, peers, sink
func (g *Gateway) Stop() {
	g.logger.Info("stopping gateway")

	if g.cancel != nil {
		g.cancel()
	}
	if g.adapter != nil {
		g.adapter.Stop()
	}

	g.videoSender.Stop()
	if g.audioSender != nil {
		g.audioSender.Stop()
	}

	g.out.Stop()

	g.mu.Lock()
	peers := make([]*peer.Peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}

	g.wg.Wait()

	if err := g.sink.Close(); err != nil {
		g.logger.Error("error closing input sink", "error", err)
	}

	g.logger.Info("gateway stopped",
		"uptime", time.Since(g.startTime).Round(time.Second),
		"video_frames", g.videoSender.Stats().FramesSent)
}

// HandleJoin admits a peer: host joins create a room, guest joins enter
// as spectators with optional promotion to a player slot
// (signal.Handler)
func (g *Gateway) HandleJoin(roomCode, peerID string, payload json.RawMessage) {
	if _, err := uuid.Parse(peerID); err != nil {
		g.logger.Warn("rejecting join with malformed peer id", "peer_id", peerID)
		return
	}

	var join signal.JoinPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &join); err != nil {
			g.logger.Warn("malformed join payload", "peer_id", peerID, "error", err)
			return
		}
	}
	if join.Name == "" {
		join.Name = "player"
	}

	var (
		r   *room.Room
		err error
	)
	if join.CreateNew || roomCode == "" {
		r, err = g.rooms.Create(peerID, join.Name)
		if err != nil {
			g.logger.Error("room creation failed", "peer_id", peerID, "error", err)
			g.sendJoinError(roomCode, peerID, err)
			return
		}
	} else {
		var ok bool
		r, ok = g.rooms.Get(roomCode)
		if !ok {
			g.logger.Warn("join for unknown room", "room", roomCode, "peer_id", peerID)
			g.sendJoinError(roomCode, peerID, fmt.Errorf("room not found"))
			return
		}
		if err := r.AddSpectator(peerID, join.Name); err != nil {
			g.logger.Warn("admission refused", "room", roomCode, "peer_id", peerID, "error", err)
			g.sendJoinError(roomCode, peerID, err)
			return
		}
		if join.AsPlayer && r.PlayerCount() < g.cfg.WebRTC.MaxPlayers {
			if slot, err := r.PromoteToPlayer(peerID); err == nil {
				g.logger.Info("guest promoted to player",
					"room", r.Code(), "peer_id", peerID, "slot", int(slot))
			}
		}
	}

	p, err := g.buildPeer(peerID)
	if err != nil {
		g.logger.Error("peer transport setup failed", "peer_id", peerID, "error", err)
		r.RemovePeer(peerID)
		return
	}

	g.mu.Lock()
	g.peers[peerID] = p
	g.peerRooms[peerID] = r.Code()
	g.mu.Unlock()

	p.MarkAdmitted()

	info, _ := r.Player(peerID)
	ack, _ := json.Marshal(map[string]any{
		"code":   r.Code(),
		"slot":   int(info.Slot),
		"isHost": info.IsHost,
	})
	g.send(signal.Envelope{Type: signal.TypeJoin, Room: r.Code(), Peer: peerID, Payload: ack})
}

// HandleOffer negotiates a peer's transport; a peer in Reconnecting gets
// a fresh transport first (signal.Handler)
func (g *Gateway) HandleOffer(roomCode, peerID string, payload json.RawMessage) {
	p, ok := g.peerByID(peerID)
	if !ok {
		g.logger.Warn("offer for unknown peer", "peer_id", peerID)
		return
	}

	if p.State() == peer.StateReconnecting {
		if err := p.Reconnect(); err != nil {
			g.logger.Error("transport replacement failed", "peer_id", peerID, "error", err)
			g.closePeer(peerID)
			return
		}
	}

	var body struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.SDP == "" {
		g.logger.Warn("malformed offer payload", "peer_id", peerID)
		return
	}

	answer, err := p.HandleOffer(body.SDP)
	if err != nil {
		g.logger.Error("offer negotiation failed", "peer_id", peerID, "error", err)
		return
	}
	if g.adapter != nil {
		if err := g.adapter.SendAnswer(roomCode, peerID, answer); err != nil {
			g.logger.Error("answer send failed", "peer_id", peerID, "error", err)
		}
	}
}

// HandleCandidate applies a remote ICE candidate (signal.Handler)
func (g *Gateway) HandleCandidate(roomCode, peerID string, payload json.RawMessage) {
	p, ok := g.peerByID(peerID)
	if !ok {
		return
	}
	if err := p.AddICECandidate(payload); err != nil {
		g.logger.Warn("ICE candidate rejected", "peer_id", peerID, "error", err)
	}
}

// HandleLeave removes a peer on explicit departure (signal.Handler)
func (g *Gateway) HandleLeave(roomCode, peerID string) {
	g.closePeer(peerID)
}

// buildPeer constructs the transport and wires its callbacks
func (g *Gateway) buildPeer(peerID string) (*peer.Peer, error) {
	p, err := peer.New(peerID, g.api, g.iceConfig, g.logger.With("component", "peer"))
	if err != nil {
		return nil, err
	}

	p.OnInputFrame = g.router.HandleFrame
	p.OnKeyframeRequest = g.videoSender.RequestKeyframe
	p.OnIceCandidate = func(id string, blob []byte) {
		if g.adapter == nil {
			return
		}
		g.mu.Lock()
		code := g.peerRooms[id]
		g.mu.Unlock()
		if err := g.adapter.SendCandidate(code, id, blob); err != nil {
			g.logger.Warn("candidate send failed", "peer_id", id, "error", err)
		}
	}
	p.OnStateChange = g.onPeerState
	return p, nil
}

// onPeerState reacts to peer transitions: Streaming registers the peer
// with the fan-out and subscribes it to a keyframe; leaving Streaming
// unregisters it; Closed removes it from its room
func (g *Gateway) onPeerState(peerID string, state peer.State) {
	switch state {
	case peer.StateStreaming:
		p, ok := g.peerByID(peerID)
		if !ok {
			return
		}
		g.out.Register(p)
		// New viewers need an IDR to start decoding
		g.videoSender.RequestKeyframe(peerID)

	case peer.StateReconnecting:
		g.out.Unregister(peerID)

	case peer.StateClosed:
		g.out.Unregister(peerID)
		g.removeFromRoom(peerID)
		g.router.ForgetPeer(peerID)

		g.mu.Lock()
		delete(g.peers, peerID)
		delete(g.peerRooms, peerID)
		g.mu.Unlock()
	}
}

// removeFromRoom takes a departed peer out of its room and runs host
// election: the lowest-slot remaining player is promoted; with no
// players left the room closes after a grace window
func (g *Gateway) removeFromRoom(peerID string) {
	g.mu.Lock()
	code, ok := g.peerRooms[peerID]
	g.mu.Unlock()
	if !ok {
		return
	}
	r, ok := g.rooms.Get(code)
	if !ok {
		return
	}

	shouldClose := r.RemovePeer(peerID)
	if r.Empty() {
		g.rooms.Close(code)
		return
	}
	if !shouldClose {
		return
	}

	// Promote the lowest-slot remaining player
	for _, candidate := range r.Players() {
		if !candidate.IsSpectator {
			if err := r.PromoteToHost(candidate.PeerID); err == nil {
				g.logger.Info("host migrated",
					"room", code,
					"new_host", candidate.PeerID)
				return
			}
		}
	}

	// Only spectators remain; give a successor the grace window before
	// tearing the room down
	time.AfterFunc(hostCloseGrace, func() {
		r, ok := g.rooms.Get(code)
		if !ok || r.HostPeerID() != "" {
			return
		}
		g.logger.Info("closing hostless room", "room", code)
		for _, id := range r.PeerIDs() {
			g.closePeer(id)
		}
		g.rooms.Close(code)
	})
}

// closePeer tears one peer down; room cleanup runs via onPeerState
func (g *Gateway) closePeer(peerID string) {
	p, ok := g.peerByID(peerID)
	if !ok {
		return
	}
	p.Close()
}

// dropPeersToReconnecting handles encoder desync: peers that cannot get
// an IDR are bounced so they renegotiate a clean stream
func (g *Gateway) dropPeersToReconnecting(peerIDs []string) {
	for _, id := range peerIDs {
		g.logger.Warn("bouncing desynced peer", "peer_id", id)
		g.out.Unregister(id)
		if p, ok := g.peerByID(id); ok {
			p.ForceReconnect()
		}
	}
}

// reverseRumble routes backend force feedback to the peer owning the
// server slot
func (g *Gateway) reverseRumble(serverSlot int, lowFreq, highFreq, durationMS uint16) {
	for _, r := range g.rooms.All() {
		peerID, frame, ok := g.router.Rumble(r, serverSlot, lowFreq, highFreq, durationMS)
		if !ok {
			continue
		}
		g.out.SendTo(peerID, &fanout.Packet{Kind: fanout.KindReliable, Data: frame})
		return
	}
}

// SetKeyboardAccess applies a host permission change for a guest
func (g *Gateway) SetKeyboardAccess(callerID, targetID string, allowed bool) error {
	r, ok := g.rooms.Find(callerID)
	if !ok {
		return room.ErrPeerNotFound
	}
	return r.SetKeyboardAccess(callerID, targetID, allowed)
}

// SetMouseAccess applies a host permission change for a guest
func (g *Gateway) SetMouseAccess(callerID, targetID string, allowed bool) error {
	r, ok := g.rooms.Find(callerID)
	if !ok {
		return room.ErrPeerNotFound
	}
	return r.SetMouseAccess(callerID, targetID, allowed)
}

// VideoParams reports the stream parameters as configured on the
// encoder
func (g *Gateway) VideoParams() video.Params {
	return g.params
}

// VideoStats reports the live stream counters
func (g *Gateway) VideoStats() video.StatsSnapshot {
	return g.videoSender.Stats()
}

// RoomSummary is a read-only view of one live room
type RoomSummary struct {
	Code       string    `json:"code"`
	HostPeerID string    `json:"hostPeerId"`
	Players    int       `json:"players"`
	Spectators int       `json:"spectators"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RoomSummaries snapshots every live room
func (g *Gateway) RoomSummaries() []RoomSummary {
	rooms := g.rooms.All()
	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomSummary{
			Code:       r.Code(),
			HostPeerID: r.HostPeerID(),
			Players:    r.PlayerCount(),
			Spectators: r.SpectatorCount(),
			CreatedAt:  r.CreatedAt(),
		})
	}
	return out
}

// Uptime reports how long the gateway has been running
func (g *Gateway) Uptime() time.Duration {
	return time.Since(g.startTime)
}

// StreamingPeerCount reports how many peers are registered with the
// fan-out
func (g *Gateway) StreamingPeerCount() int {
	return g.out.Count()
}

// InputStats reports router drop counters
func (g *Gateway) InputStats() input.Stats {
	return g.router.Stats()
}

func (g *Gateway) peerByID(peerID string) (*peer.Peer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[peerID]
	return p, ok
}

func (g *Gateway) send(env signal.Envelope) {
	if g.adapter == nil {
		return
	}
	if err := g.adapter.Send(env); err != nil {
		g.logger.Warn("signaling send failed", "type", env.Type, "peer", env.Peer, "error", err)
	}
}

func (g *Gateway) sendJoinError(roomCode, peerID string, joinErr error) {
	payload, _ := json.Marshal(map[string]string{"error": joinErr.Error()})
	g.send(signal.Envelope{Type: signal.TypeJoin, Room: roomCode, Peer: peerID, Payload: payload})
}

func (g *Gateway) fatal(err error) {
	g.logger.Error("fatal gateway error", "error", err)
	if g.OnFatal != nil {
		g.OnFatal(err)
	}
}

// statsLoop periodically logs stream and router statistics
func (g *Gateway) statsLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			vs := g.videoSender.Stats()
			is := g.router.Stats()
			g.logger.Info("gateway statistics",
				"uptime", time.Since(g.startTime).Round(time.Second),
				"rooms", g.rooms.Count(),
				"peers_streaming", g.out.Count(),
				"video_frames", vs.FramesSent,
				"video_bytes", vs.BytesSent,
				"keyframes", vs.KeyFramesSent,
				"avg_frame_size", vs.AvgFrameSize,
				"input_forwarded", is.Forwarded,
				"input_dropped", is.DroppedPermission+is.DroppedSpectator+is.DroppedMalformed)
		}
	}
}
