// Package signaling parses JSON WebSocket messages, drives Room/PeerRegistry/
// MediaSender, and pushes JSON replies and broadcasts back over the
// transport (wsserver.Server or an equivalent fake for tests).
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/cloudcade/streamcore/internal/events"
	"github.com/cloudcade/streamcore/internal/media"
	"github.com/cloudcade/streamcore/internal/peer"
	"github.com/cloudcade/streamcore/internal/registry"
	"github.com/cloudcade/streamcore/internal/room"
)

// Transport is the subset of wsserver.Server the signaling layer needs; it
// lets tests drive Server without a real WebSocket.
type Transport interface {
	Send(connID uint64, text []byte) error
	Close(connID uint64)
}

// Server is the SignalingServer of spec.md §4.7.
type Server struct {
	transport Transport
	room      *room.Room
	registry  *registry.Registry
	sender    *media.Sender
	bus       *events.Bus
	videoCodec string
	logger    zerolog.Logger

	ctx context.Context

	// InputHandler, when set, receives raw "input" data-channel frames for
	// dispatch by an input.Router. Left nil, input is simply dropped.
	InputHandler func(peerID, label string, data []byte)

	mu         sync.Mutex
	peerOfConn map[uint64]string
	connOfPeer map[string]uint64
}

// New builds a Server. SetTransport must be called once the owning
// wsserver.Server exists, since that server's callbacks are these methods.
func New(ctx context.Context, rm *room.Room, reg *registry.Registry, sender *media.Sender, bus *events.Bus, videoCodec string, logger zerolog.Logger) *Server {
	return &Server{
		room:       rm,
		registry:   reg,
		sender:     sender,
		bus:        bus,
		videoCodec: videoCodec,
		logger:     logger.With().Str("component", "signaling").Logger(),
		ctx:        ctx,
		peerOfConn: make(map[uint64]string),
		connOfPeer: make(map[string]uint64),
	}
}

// SetTransport wires the outbound sender. Call once, before traffic starts.
func (s *Server) SetTransport(t Transport) {
	s.transport = t
}

// HandleConnect is the wsserver OnConnect callback. No room state changes
// here; a peer only exists in Room/PeerRegistry after a successful "join".
func (s *Server) HandleConnect(connID uint64) {
	s.logger.Debug().Uint64("conn_id", connID).Msg("connection opened")
}

// HandleDisconnect removes the connection's peer (if any) from PeerRegistry
// first, then Room, then the signaling maps, per spec.md §4.6 ordering.
func (s *Server) HandleDisconnect(connID uint64) {
	s.mu.Lock()
	peerID, ok := s.peerOfConn[connID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.teardownPeer(peerID, false)
}

// HandleMessage is the wsserver OnMessage callback.
func (s *Server) HandleMessage(connID uint64, text []byte) {
	var msg inbound
	if err := json.Unmarshal(text, &msg); err != nil {
		s.sendError(connID, "malformed json", "bad_request")
		return
	}

	switch msg.Type {
	case "join":
		s.handleJoin(connID, msg)
	case "leave":
		s.handleLeave(connID)
	case "join_as_player":
		s.handleJoinAsPlayer(connID)
	case "claim_gamepad":
		s.handleClaimGamepad(connID, msg)
	case "release_gamepad":
		s.handleReleaseGamepad(connID, msg)
	case "sdp":
		s.handleSDP(connID, msg)
	case "ice":
		s.handleICE(connID, msg)
	case "set_guest_keyboard":
		s.handleSetGuestAccess(connID, msg, true)
	case "set_guest_mouse":
		s.handleSetGuestAccess(connID, msg, false)
	case "set_quality":
		s.handleSetQuality(connID, msg)
	default:
		s.sendError(connID, fmt.Sprintf("unknown message type %q", msg.Type), "unknown_type")
	}
}

func peerIDFor(connID uint64) string {
	return fmt.Sprintf("peer_%d", connID)
}

func (s *Server) handleJoin(connID uint64, msg inbound) {
	peerID := peerIDFor(connID)

	// AddHost is the single authority on who wins the host slot: calling it
	// first (instead of pre-checking HasHost) closes the window where two
	// simultaneous first "join" messages could both observe an empty room
	// and both start capture. Only the connection that actually wins host
	// starts the sender; a loser falls through to AddSpectator.
	var info room.PlayerInfo
	var err error
	isHost := false
	if pinfo, hostErr := s.room.AddHost(peerID, msg.PlayerName); hostErr == nil {
		info = *pinfo
		isHost = true
	} else if !errors.Is(hostErr, room.ErrAlreadyHost) {
		s.sendError(connID, hostErr.Error(), errorCode(hostErr))
		return
	}

	if isHost {
		if err := s.sender.Start(s.ctx); err != nil {
			s.room.RemovePeer(peerID)
			s.sendError(connID, "failed to start capture", "internal")
			return
		}
		s.bus.Publish(events.EventStreamStart, events.Payload{"peer_id": peerID})
		s.bus.Publish(events.EventRoomCreated, events.Payload{"peer_id": peerID})
	} else {
		pinfo, e := s.room.AddSpectator(peerID, msg.PlayerName)
		if e == nil {
			info = *pinfo
		}
		err = e
	}
	if err != nil {
		s.sendError(connID, err.Error(), errorCode(err))
		return
	}

	p, err := s.registry.Create(peerID, s.peerCallbacks(connID, peerID))
	if err != nil {
		s.room.RemovePeer(peerID)
		s.sendError(connID, err.Error(), "internal")
		return
	}

	s.mu.Lock()
	s.peerOfConn[connID] = peerID
	s.connOfPeer[peerID] = connID
	s.mu.Unlock()

	// Tracks and the input channel must exist before create_description
	// (offer) so the SDP advertises them, but the offer itself is sent only
	// after the room_created/room_joined reply below (spec.md §4.7 ordering:
	// reply first, "followed by an SDP offer and ICE candidates").
	if err := p.AddVideoTrack(s.videoCodec, s.registry.VideoSSRC()); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", peerID).Msg("add video track failed")
	}
	if err := p.AddAudioTrack(s.registry.NextAudioSSRC()); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", peerID).Msg("add audio track failed")
	}
	if _, err := p.CreateDataChannel("input"); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", peerID).Msg("create input data channel failed")
	}

	s.bus.Publish(events.EventPeerJoined, events.Payload{"peer_id": peerID, "is_host": isHost})

	snapshot := roomSnapshotMsg{
		Type:            "room_joined",
		RoomCode:        room.Code,
		PeerID:          peerID,
		PlayerSlot:      info.Slot,
		IsHost:          isHost,
		IsSpectator:     info.IsSpectator,
		KeyboardEnabled: info.CanUseKeyboard,
		MouseEnabled:    info.CanUseMouse,
		Players:         s.playerViews(),
	}
	if isHost {
		snapshot.Type = "room_created"
	}
	s.send(connID, snapshot)

	if !isHost {
		s.broadcastExcept(connID, playerJoinedMsg{Type: "player_joined", Player: toPlayerView(info)})
	}

	if _, err := p.CreateDescription(webrtc.SDPTypeOffer); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", peerID).Msg("create offer failed")
	}
}

func (s *Server) handleLeave(connID uint64) {
	s.mu.Lock()
	peerID, ok := s.peerOfConn[connID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.send(connID, leftRoomMsg{Type: "left_room"})
	s.teardownPeer(peerID, true)
}

// teardownPeer removes peerID from PeerRegistry, then Room, then the
// signaling maps. explicit reports whether the caller already sent left_room
// (explicit leave) or this is an abrupt disconnect; the teardown is the same
// either way.
func (s *Server) teardownPeer(peerID string, explicit bool) {
	s.registry.Remove(peerID)
	hostLeft := s.room.RemovePeer(peerID)

	s.mu.Lock()
	connID, hadConn := s.connOfPeer[peerID]
	delete(s.connOfPeer, peerID)
	delete(s.peerOfConn, connID)
	s.mu.Unlock()
	_ = hadConn

	s.bus.Publish(events.EventPeerLeft, events.Payload{"peer_id": peerID, "host_left": hostLeft})

	if hostLeft {
		s.cascadeHostLeave()
		return
	}

	if s.room.PeerCount() == 0 {
		s.stopMedia()
		return
	}

	s.broadcast(roomUpdatedMsg{Type: "room_updated", Players: s.playerViews()})
	s.broadcast(playerLeftMsg{Type: "player_left", PeerID: peerID})
	_ = explicit
}

func (s *Server) cascadeHostLeave() {
	s.broadcast(roomClosedMsg{Type: "room_closed", Reason: "host_left"})

	remaining := s.room.PlayerList()
	for _, p := range remaining {
		s.registry.Remove(p.PeerID)
		s.room.RemovePeer(p.PeerID)
		s.mu.Lock()
		if connID, ok := s.connOfPeer[p.PeerID]; ok {
			delete(s.connOfPeer, p.PeerID)
			delete(s.peerOfConn, connID)
		}
		s.mu.Unlock()
	}

	s.stopMedia()
	s.bus.Publish(events.EventRoomDestroyed, events.Payload{"reason": "host_left"})
}

func (s *Server) stopMedia() {
	if err := s.sender.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("media sender stop failed")
	}
	s.bus.Publish(events.EventStreamStop, events.Payload{})
}

func (s *Server) handleJoinAsPlayer(connID uint64) {
	peerID, ok := s.peerIDForConn(connID)
	if !ok {
		return
	}
	slot, err := s.room.PromoteToPlayer(peerID)
	if err != nil {
		s.sendError(connID, err.Error(), errorCode(err))
		return
	}
	info, _ := s.room.Get(peerID)
	s.send(connID, promotedMsg{
		Type:            "promoted_to_player",
		PlayerSlot:      slot,
		KeyboardEnabled: info.CanUseKeyboard,
		MouseEnabled:    info.CanUseMouse,
	})
	s.broadcast(roomUpdatedMsg{Type: "room_updated", Players: s.playerViews()})
	s.sender.RequestIDR()
}

func (s *Server) handleClaimGamepad(connID uint64, msg inbound) {
	peerID, ok := s.peerIDForConn(connID)
	if !ok {
		return
	}
	slot, err := s.room.ClaimGamepad(peerID, msg.GamepadID)
	if err != nil {
		s.sendError(connID, err.Error(), errorCode(err))
		return
	}
	s.bus.Publish(events.EventGamepadClaimed, events.Payload{"peer_id": peerID, "server_slot": slot})
	s.send(connID, gamepadClaimedMsg{Type: "gamepad_claimed", ServerSlot: slot})
}

func (s *Server) handleReleaseGamepad(connID uint64, msg inbound) {
	peerID, ok := s.peerIDForConn(connID)
	if !ok {
		return
	}
	s.room.ReleaseGamepad(peerID, msg.ServerSlot)
	s.bus.Publish(events.EventGamepadReleased, events.Payload{"peer_id": peerID, "server_slot": msg.ServerSlot})
	s.send(connID, gamepadReleasedMsg{Type: "gamepad_released", ServerSlot: msg.ServerSlot})
}

func (s *Server) handleSDP(connID uint64, msg inbound) {
	peerID, ok := s.peerIDForConn(connID)
	if !ok {
		return
	}
	p, ok := s.registry.Find(peerID)
	if !ok {
		return
	}
	sdpType, err := parseSDPType(msg.SDPType)
	if err != nil {
		s.sendError(connID, err.Error(), "bad_request")
		return
	}
	if err := p.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: msg.SDP}); err != nil {
		s.sendError(connID, err.Error(), "bad_sdp")
		return
	}
	if sdpType == webrtc.SDPTypeOffer {
		if _, err := p.CreateDescription(webrtc.SDPTypeAnswer); err != nil {
			s.sendError(connID, err.Error(), "internal")
		}
	}
}

func parseSDPType(t string) (webrtc.SDPType, error) {
	switch t {
	case "offer":
		return webrtc.SDPTypeOffer, nil
	case "answer":
		return webrtc.SDPTypeAnswer, nil
	case "pranswer":
		return webrtc.SDPTypePranswer, nil
	case "rollback":
		return webrtc.SDPTypeRollback, nil
	default:
		return webrtc.SDPType(0), fmt.Errorf("signaling: unknown sdp_type %q", t)
	}
}

func (s *Server) handleICE(connID uint64, msg inbound) {
	peerID, ok := s.peerIDForConn(connID)
	if !ok {
		return
	}
	p, ok := s.registry.Find(peerID)
	if !ok {
		return
	}
	mid := msg.Mid
	if err := p.AddICECandidate(webrtc.ICECandidateInit{Candidate: msg.Candidate, SDPMid: &mid}); err != nil {
		s.logger.Debug().Err(err).Str("peer_id", peerID).Msg("add ice candidate failed")
	}
}

func (s *Server) handleSetGuestAccess(connID uint64, msg inbound, keyboard bool) {
	peerID, ok := s.peerIDForConn(connID)
	if !ok {
		return
	}
	info, _ := s.room.Get(peerID)
	if !info.IsHost {
		s.sendError(connID, "only the host may change guest permissions", "not_host")
		return
	}

	if keyboard {
		s.room.SetDefaultGuestKeyboard(msg.Enabled)
		s.room.SetKeyboardAccess(msg.PeerID, msg.Enabled)
	} else {
		s.room.SetDefaultGuestMouse(msg.Enabled)
		s.room.SetMouseAccess(msg.PeerID, msg.Enabled)
	}
	s.bus.Publish(events.EventPermissionChange, events.Payload{"peer_id": msg.PeerID, "keyboard": keyboard, "enabled": msg.Enabled})

	targetMsg := permissionChangedMsg{Type: "permission_changed"}
	if keyboard {
		targetMsg.KeyboardEnabled = &msg.Enabled
	} else {
		targetMsg.MouseEnabled = &msg.Enabled
	}
	if targetConn, ok := s.connForPeer(msg.PeerID); ok {
		s.send(targetConn, targetMsg)
	}
	s.broadcast(roomUpdatedMsg{Type: "room_updated", Players: s.playerViews()})
}

const (
	minBitrateKbps = 1000
	maxBitrateKbps = 150000
	minFramerate   = 30
	maxFramerate   = 240
	minWidth       = 640
	maxWidth       = 7680
	minHeight      = 480
	maxHeight      = 4320
)

func (s *Server) handleSetQuality(connID uint64, msg inbound) {
	peerID, ok := s.peerIDForConn(connID)
	if !ok {
		return
	}
	info, _ := s.room.Get(peerID)
	if !info.IsHost {
		s.sendError(connID, "only the host may change stream quality", "not_host")
		return
	}

	bitrate := clamp(msg.Bitrate, minBitrateKbps, maxBitrateKbps)
	framerate := clamp(msg.Framerate, minFramerate, maxFramerate)
	width := clamp(msg.Width, minWidth, maxWidth)
	height := clamp(msg.Height, minHeight, maxHeight)

	s.sender.SetQuality(bitrate, framerate, width, height)

	s.send(connID, qualityUpdatedMsg{
		Type:      "quality_updated",
		Bitrate:   bitrate,
		Framerate: framerate,
		Width:     width,
		Height:    height,
		Note:      "some changes may require a stream restart",
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Server) peerCallbacks(connID uint64, peerID string) peer.Callbacks {
	return peer.Callbacks{
		OnLocalDescription: func(sdp webrtc.SessionDescription) {
			s.send(connID, sdpMsg{Type: "sdp", SDP: sdp.SDP, SDPType: sdp.Type.String()})
		},
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			mid := ""
			if c.SDPMid != nil {
				mid = *c.SDPMid
			}
			s.send(connID, iceMsg{Type: "ice", Candidate: c.Candidate, Mid: mid})
		},
		OnStateChange: func(state peer.State) {
			if state == peer.StateConnected {
				s.send(connID, streamReadyMsg{Type: "stream_ready"})
				s.sender.RequestIDR()
			}
			if state == peer.StateFailed {
				s.logger.Warn().Str("peer_id", peerID).Msg("peer connection failed")
				s.teardownPeer(peerID, false)
			}
		},
		OnDataMessage: func(label string, data []byte, isString bool) {
			s.onInputMessage(peerID, label, data)
		},
	}
}

func (s *Server) onInputMessage(peerID, label string, data []byte) {
	if s.InputHandler != nil {
		s.InputHandler(peerID, label, data)
	}
}

func (s *Server) peerIDForConn(connID uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.peerOfConn[connID]
	return id, ok
}

func (s *Server) connForPeer(peerID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.connOfPeer[peerID]
	return id, ok
}

func (s *Server) playerViews() []playerView {
	list := s.room.PlayerList()
	views := make([]playerView, 0, len(list))
	for _, p := range list {
		views = append(views, toPlayerView(p))
	}
	return views
}

func toPlayerView(p room.PlayerInfo) playerView {
	return playerView{
		PeerID:         p.PeerID,
		Name:           p.Name,
		Slot:           p.Slot,
		IsHost:         p.IsHost,
		IsSpectator:    p.IsSpectator,
		CanUseKeyboard: p.CanUseKeyboard,
		CanUseMouse:    p.CanUseMouse,
		GamepadCount:   len(p.GamepadSlots),
	}
}

func (s *Server) send(connID uint64, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal outbound message failed")
		return
	}
	if err := s.transport.Send(connID, buf); err != nil {
		s.logger.Debug().Uint64("conn_id", connID).Err(err).Msg("send failed")
	}
}

func (s *Server) sendError(connID uint64, message, code string) {
	s.send(connID, errorMsg{Type: "error", Message: message, Code: code})
}

func (s *Server) broadcast(v any) {
	s.mu.Lock()
	conns := make([]uint64, 0, len(s.connOfPeer))
	for _, c := range s.connOfPeer {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.send(c, v)
	}
}

func (s *Server) broadcastExcept(exceptConn uint64, v any) {
	s.mu.Lock()
	conns := make([]uint64, 0, len(s.connOfPeer))
	for _, c := range s.connOfPeer {
		if c != exceptConn {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.send(c, v)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return "room_full"
	case errors.Is(err, room.ErrNoSlots):
		return "no_slots"
	case errors.Is(err, room.ErrNotAPlayer):
		return "not_a_player"
	case errors.Is(err, room.ErrAlreadyHost):
		return "already_host"
	case errors.Is(err, room.ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, registry.ErrPeerExists):
		return "peer_exists"
	default:
		return "internal"
	}
}
