// Package peer wraps one WebRTC peer connection: SDP exchange, ICE trickle,
// media tracks, data channels and a bounded per-peer send queue.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/cloudcade/streamcore/internal/telemetry"
)

// State is the connection lifecycle of a Peer.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrMalformedSDP  = errors.New("peer: malformed sdp")
	ErrBadCandidate  = errors.New("peer: bad ice candidate")
	ErrNotConnected  = errors.New("peer: not connected")
	ErrUnknownLabel  = errors.New("peer: unknown data channel label")
	ErrTrackExists   = errors.New("peer: track already added")
	ErrUnsupportedCodec = errors.New("peer: unsupported video codec")
)

const (
	videoPayloadType = 96
	audioPayloadType = 111
	sendQueueDepth   = 128
)

// OnLocalCandidate, OnStateChange and OnDataMessage are invoked by the Peer's
// event loop, never directly from a pion callback — see runEvents. A closed
// Peer simply stops reading events, so a callback firing after Close has no
// observable effect. OnLocalDescription is called synchronously from
// CreateDescription on the caller's goroutine.
type Callbacks struct {
	OnLocalDescription func(sdp webrtc.SessionDescription)
	OnLocalCandidate   func(candidate webrtc.ICECandidateInit)
	OnStateChange      func(State)
	OnDataMessage      func(label string, data []byte, isString bool)
}

type event struct {
	kind      string
	candidate *webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
	label     string
	data      []byte
	isString  bool
}

// Peer is one browser's WebRTC connection to the server.
type Peer struct {
	ID     string
	logger zerolog.Logger
	cb     Callbacks

	pc *webrtc.PeerConnection

	state atomic.Int32

	videoTrack *webrtc.TrackLocalStaticRTP
	audioTrack *webrtc.TrackLocalStaticRTP
	audioSSRC  uint32

	dcMu         sync.Mutex
	dataChannels map[string]*webrtc.DataChannel

	videoQueue *packetQueue
	audioQueue *packetQueue

	metrics *telemetry.Metrics

	events chan event
	stopCh chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	VideoPacketsSent    atomic.Uint64
	AudioPacketsSent    atomic.Uint64
	VideoPacketsDropped atomic.Uint64
	AudioPacketsDropped atomic.Uint64
}

// New wraps an already-constructed *webrtc.PeerConnection. The caller (the
// registry) owns codec/interceptor configuration via the shared webrtc.API.
func New(id string, pc *webrtc.PeerConnection, cb Callbacks, metrics *telemetry.Metrics, logger zerolog.Logger) *Peer {
	p := &Peer{
		ID:           id,
		logger:       logger.With().Str("component", "peer").Str("peer_id", id).Logger(),
		cb:           cb,
		pc:           pc,
		dataChannels: make(map[string]*webrtc.DataChannel),
		videoQueue:   newPacketQueue(sendQueueDepth),
		audioQueue:   newPacketQueue(sendQueueDepth),
		metrics:      metrics,
		events:       make(chan event, 32),
		stopCh:       make(chan struct{}),
	}
	p.state.Store(int32(StateConnecting))

	// Apart from OnDataChannel registering the remote channel in dataChannels
	// (under dcMu), every pion callback only posts to the event channel;
	// runEvents handles those events, so a callback firing after Close has
	// nowhere to land once the event loop has exited.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.postEvent(event{kind: "candidate", candidate: &init})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.postEvent(event{kind: "state", state: s})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.dcMu.Lock()
		p.dataChannels[dc.Label()] = dc
		p.dcMu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			p.postEvent(event{kind: "data", label: dc.Label(), data: msg.Data, isString: msg.IsString})
		})
	})

	p.wg.Add(1)
	go p.runEvents()

	return p
}

func (p *Peer) postEvent(e event) {
	select {
	case p.events <- e:
	case <-p.stopCh:
	}
}

func (p *Peer) runEvents() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case e := <-p.events:
			switch e.kind {
			case "candidate":
				if p.cb.OnLocalCandidate != nil {
					p.cb.OnLocalCandidate(*e.candidate)
				}
			case "state":
				p.handleConnectionStateChange(e.state)
			case "data":
				if p.cb.OnDataMessage != nil {
					p.cb.OnDataMessage(e.label, e.data, e.isString)
				}
			}
		}
	}
}

func (p *Peer) handleConnectionStateChange(s webrtc.PeerConnectionState) {
	var next State
	switch s {
	case webrtc.PeerConnectionStateConnected:
		next = StateConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		next = StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		next = StateFailed
	default:
		return
	}

	old := State(p.state.Load())
	if old == next {
		return
	}
	// Disconnected and Failed are terminal (spec §4.2): once a peer reaches
	// either, no later pion callback may resurrect it, even if a stale
	// "Connected" event was already sitting in the event channel when Close
	// ran.
	if old == StateDisconnected || old == StateFailed {
		return
	}
	p.state.Store(int32(next))

	if next == StateConnected {
		p.wg.Add(2)
		go p.runSender(p.videoQueue, p.writeVideoPacket, &p.wg)
		go p.runSender(p.audioQueue, p.writeAudioPacket, &p.wg)
	}

	p.logger.Debug().Str("state", s.String()).Msg("peer connection state changed")
	if p.cb.OnStateChange != nil {
		p.cb.OnStateChange(next)
	}
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	return State(p.state.Load())
}

// SetRemoteDescription applies an SDP offer or answer from the browser.
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}
	return nil
}

// CreateDescription creates and sets a local offer or answer.
func (p *Peer) CreateDescription(typ webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	var err error
	switch typ {
	case webrtc.SDPTypeOffer:
		desc, err = p.pc.CreateOffer(nil)
	case webrtc.SDPTypeAnswer:
		desc, err = p.pc.CreateAnswer(nil)
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unsupported sdp type %s", ErrMalformedSDP, typ)
	}
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create description: %w", err)
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	if p.cb.OnLocalDescription != nil {
		p.cb.OnLocalDescription(desc)
	}
	return desc, nil
}

// AddICECandidate applies a trickled ICE candidate; failures are non-fatal.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCandidate, err)
	}
	return nil
}

// AddVideoTrack adds a video track for codec, payload type 96. Must be called
// before CreateDescription(offer). The ssrc argument is not applied: the SDP
// advertises the SSRC pion assigns to the track's sender, not the shared
// process-wide video SSRC.
func (p *Peer) AddVideoTrack(codec string, ssrc uint32) error {
	if p.videoTrack != nil {
		return ErrTrackExists
	}
	mime, err := mimeTypeForCodec(codec)
	if err != nil {
		return err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, "video", "streamcore-video")
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	go drainRTCP(sender)
	p.videoTrack = track
	_ = ssrc // unused; pion's TrackLocalStaticRTP writes its own sender SSRC into every packet.
	return nil
}

// AddAudioTrack adds an Opus track, payload type 111. ssrc is recorded on the
// Peer but not applied to the track: the SDP advertises the SSRC pion assigns
// to the track's sender.
func (p *Peer) AddAudioTrack(ssrc uint32) error {
	if p.audioTrack != nil {
		return ErrTrackExists
	}
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "streamcore-audio")
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	go drainRTCP(sender)
	p.audioTrack = track
	p.audioSSRC = ssrc
	return nil
}

func mimeTypeForCodec(codec string) (string, error) {
	switch codec {
	case "h264":
		return webrtc.MimeTypeH264, nil
	case "hevc":
		return webrtc.MimeTypeH265, nil
	case "av1":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec)
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// CreateDataChannel opens a new data channel. "input" is unreliable and
// unordered (max-retransmits = 0); every other label is reliable and ordered.
func (p *Peer) CreateDataChannel(label string) (*webrtc.DataChannel, error) {
	var init *webrtc.DataChannelInit
	if label == "input" {
		var maxRetransmits uint16
		ordered := false
		init = &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &maxRetransmits}
	}
	dc, err := p.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", label, err)
	}
	p.dcMu.Lock()
	p.dataChannels[label] = dc
	p.dcMu.Unlock()
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.postEvent(event{kind: "data", label: label, data: msg.Data, isString: msg.IsString})
	})
	return dc, nil
}

// SendVideo enqueues a pre-packetized RTP packet for the video track.
// Returns false when the peer is not Connected. When the queue is full the
// oldest queued packet is evicted and pkt is still accepted (returns true).
func (p *Peer) SendVideo(pkt *rtp.Packet) bool {
	return p.enqueue(p.videoQueue, pkt, "video")
}

// SendAudio enqueues a pre-packetized RTP packet for the audio track.
func (p *Peer) SendAudio(pkt *rtp.Packet) bool {
	return p.enqueue(p.audioQueue, pkt, "audio")
}

func (p *Peer) enqueue(q *packetQueue, pkt *rtp.Packet, kind string) bool {
	if p.State() != StateConnected {
		return false
	}
	ok, depth, dropped := q.push(pkt)
	if p.metrics != nil {
		p.metrics.ObserveQueueDepth(p.ID, kind, depth)
	}
	if dropped {
		if kind == "video" {
			p.VideoPacketsDropped.Add(1)
		} else {
			p.AudioPacketsDropped.Add(1)
		}
		if p.metrics != nil {
			p.metrics.RTPPacketsDropped.WithLabelValues(kind).Inc()
		}
	}
	return ok
}

func (p *Peer) writeVideoPacket(pkt *rtp.Packet) {
	if p.videoTrack == nil {
		return
	}
	if err := p.videoTrack.WriteRTP(pkt); err != nil {
		p.logger.Debug().Err(err).Msg("video track write failed")
		return
	}
	p.VideoPacketsSent.Add(1)
	if p.metrics != nil {
		p.metrics.RTPPacketsSent.WithLabelValues("video").Inc()
		p.metrics.RTPBytesSent.WithLabelValues("video").Add(float64(len(pkt.Payload)))
	}
}

func (p *Peer) writeAudioPacket(pkt *rtp.Packet) {
	if p.audioTrack == nil {
		return
	}
	if err := p.audioTrack.WriteRTP(pkt); err != nil {
		p.logger.Debug().Err(err).Msg("audio track write failed")
		return
	}
	p.AudioPacketsSent.Add(1)
	if p.metrics != nil {
		p.metrics.RTPPacketsSent.WithLabelValues("audio").Inc()
		p.metrics.RTPBytesSent.WithLabelValues("audio").Add(float64(len(pkt.Payload)))
	}
}

// runSender is the single task per peer per media kind that drains the
// bounded queue and writes to the underlying track; it must not block other
// peers, and it exits as soon as stopCh closes.
func (p *Peer) runSender(q *packetQueue, write func(*rtp.Packet), wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case pkt := <-q.ch:
			write(pkt)
		}
	}
}

// SendData writes text to a reliable ordered data channel.
func (p *Peer) SendData(label, text string) error {
	dc, err := p.dataChannel(label)
	if err != nil {
		return err
	}
	return dc.SendText(text)
}

// SendBinary writes bytes to a data channel; drops silently for unreliable channels on error.
func (p *Peer) SendBinary(label string, data []byte) error {
	dc, err := p.dataChannel(label)
	if err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		if label == "input" {
			return nil
		}
		return err
	}
	return nil
}

func (p *Peer) dataChannel(label string) (*webrtc.DataChannel, error) {
	p.dcMu.Lock()
	defer p.dcMu.Unlock()
	dc, ok := p.dataChannels[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLabel, label)
	}
	return dc, nil
}

// Close is idempotent: the sender tasks are joined before tracks and
// channels are released, and repeated calls are a no-op.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateDisconnected))
		close(p.stopCh)
		// Sender tasks observe stopCh within their select and exit promptly
		// (spec requires drain-on-stop within ~50ms; select has no poll delay).
		done := make(chan struct{})
		go func() { p.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			p.logger.Warn().Msg("timed out waiting for peer goroutines to stop")
		}
		err = p.pc.Close()
	})
	return err
}
