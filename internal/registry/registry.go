// Package registry owns every live peer by id and performs fan-out
// broadcast of RTP packets to all of them.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/cloudcade/streamcore/internal/peer"
	"github.com/cloudcade/streamcore/internal/telemetry"
)

var ErrPeerExists = errors.New("registry: peer already registered")

// Registry is the process-wide map of peer id to Peer.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peer.Peer

	api       *webrtc.API
	videoSSRC uint32
	nextAudioSSRC atomic.Uint32

	iceMu      sync.RWMutex
	iceServers []webrtc.ICEServer

	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// Config carries the static ICE/codec configuration shared by every peer.
type Config struct {
	VideoCodec string // h264, hevc, av1
	STUNURLs   []string
	TURNURL    string
	TURNUsername string
	TURNPassword string
}

// New builds a Registry with a shared pion API (MediaEngine + interceptors)
// configured for cfg.VideoCodec plus Opus, matching the teacher's
// NewBroadcaster MediaEngine setup generalized to three video codecs.
func New(cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) (*Registry, error) {
	m := &webrtc.MediaEngine{}

	videoCodec, err := videoCodecParameters(cfg.VideoCodec)
	if err != nil {
		return nil, err
	}
	if err := m.RegisterCodec(videoCodec, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        audioPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	i := &interceptor.Registry{}
	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pliFactory)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))

	r := &Registry{
		peers:      make(map[string]*peer.Peer),
		api:        api,
		videoSSRC:  newVideoSSRC(),
		iceServers: iceServersFromConfig(cfg),
		metrics:    metrics,
		logger:     logger.With().Str("component", "registry").Logger(),
	}
	r.nextAudioSSRC.Store(r.videoSSRC + 1)
	return r, nil
}

const (
	videoPayloadType = 96
	audioPayloadType = 111
)

func videoCodecParameters(codec string) (webrtc.RTPCodecParameters, error) {
	switch codec {
	case "h264":
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
			PayloadType:        videoPayloadType,
		}, nil
	case "hevc":
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH265, ClockRate: 90000},
			PayloadType:        videoPayloadType,
		}, nil
	case "av1":
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000},
			PayloadType:        videoPayloadType,
		}, nil
	default:
		return webrtc.RTPCodecParameters{}, fmt.Errorf("registry: unsupported video codec %q", codec)
	}
}

func newVideoSSRC() uint32 {
	// A single 32-bit identifier chosen at init; fixed for the process
	// lifetime per spec §3 VideoSsrc.
	return 0x53435230 // "SCR0"
}

func iceServersFromConfig(cfg Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.STUNURLs)+1)
	for _, url := range cfg.STUNURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if cfg.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}
	return servers
}

// ICEServers returns the configured STUN/TURN servers for new peer connections.
func (r *Registry) ICEServers() []webrtc.ICEServer {
	r.iceMu.RLock()
	defer r.iceMu.RUnlock()
	out := make([]webrtc.ICEServer, len(r.iceServers))
	copy(out, r.iceServers)
	return out
}

// VideoSSRC returns the process-wide video SSRC advertised in every peer's SDP.
func (r *Registry) VideoSSRC() uint32 {
	return r.videoSSRC
}

// NextAudioSSRC hands out a fresh per-peer audio SSRC, distinct from the
// shared video SSRC. peer.AddAudioTrack records it but does not apply it to
// the track.
func (r *Registry) NextAudioSSRC() uint32 {
	return r.nextAudioSSRC.Add(1)
}

// Create builds a new *webrtc.PeerConnection via the shared API and wraps it
// in a Peer, registering it under id.
func (r *Registry) Create(id string, cb peer.Callbacks) (*peer.Peer, error) {
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{ICEServers: r.ICEServers()})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := peer.New(id, pc, cb, r.metrics, r.logger)

	r.mu.Lock()
	if _, exists := r.peers[id]; exists {
		r.mu.Unlock()
		_ = p.Close()
		return nil, ErrPeerExists
	}
	r.peers[id] = p
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.PeersConnected.Inc()
		r.metrics.PeersActive.Set(float64(r.ConnectedCount()))
	}

	return p, nil
}

// Find looks up a peer by id.
func (r *Registry) Find(id string) (*peer.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Remove extracts the peer from the map under the registry lock, then closes
// it outside the lock — this ordering avoids deadlock against callbacks that
// themselves acquire the registry lock (spec §4.3).
func (r *Registry) Remove(id string) (*peer.Peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}

	if err := p.Close(); err != nil {
		r.logger.Debug().Err(err).Str("peer_id", id).Msg("peer close returned error")
	}
	if r.metrics != nil {
		r.metrics.PeersDisconnected.Inc()
		r.metrics.PeersActive.Set(float64(r.ConnectedCount()))
		r.metrics.ForgetPeer(id)
	}
	return p, true
}

// List returns a snapshot of all currently registered peers.
func (r *Registry) List() []*peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// ConnectedCount returns the number of registered peers (regardless of
// individual peer connection state, matching spec §4.3's connected_count
// used by MediaSender to gate frame drops).
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// BroadcastVideo hands pkt to every peer's video send queue. It never blocks
// on an individual peer — SendVideo is itself non-blocking.
func (r *Registry) BroadcastVideo(pkt *rtp.Packet) {
	for _, p := range r.List() {
		clone := *pkt
		clone.Payload = append([]byte(nil), pkt.Payload...)
		p.SendVideo(&clone)
	}
}

// BroadcastAudio hands pkt to every peer's audio send queue.
func (r *Registry) BroadcastAudio(pkt *rtp.Packet) {
	for _, p := range r.List() {
		clone := *pkt
		clone.Payload = append([]byte(nil), pkt.Payload...)
		p.SendAudio(&clone)
	}
}
