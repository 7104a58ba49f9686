// Package media runs the two long-running tasks that pull encoded frames off
// the encoder's output queues, packetize them, and fan them out through the
// peer registry.
package media

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudcade/streamcore/internal/registry"
	"github.com/cloudcade/streamcore/internal/rtpio"
	"github.com/cloudcade/streamcore/internal/telemetry"
)

// Frame is one encoded frame handed off by the external encoder collaborator
// (spec §3 EncoderFrame / §6 encoder queues).
type Frame struct {
	Data       []byte
	FrameIndex uint32
	IsIDR      bool
}

// Capture is the external capture/encoder collaborator interface (spec §6).
// This repo only defines the contract — the capture pipeline itself lives
// outside this module.
type Capture interface {
	StartVideoCapture() error
	StopVideoCapture() error
	StartAudioCapture() error
	StopAudioCapture() error
	RequestIDRFrame()
}

// QualityController is an optional Capture extension: implementations that
// can retune bitrate/framerate/resolution at runtime satisfy it. Sender type
// -asserts for it so capture backends without live quality control still
// satisfy Capture.
type QualityController interface {
	SetQuality(bitrateKbps, framerate, width, height int)
}

const idrRequestInterval = time.Second

// Sender owns the video_sender and audio_sender tasks.
type Sender struct {
	registry   *registry.Registry
	packetizer *rtpio.Packetizer
	capture    Capture
	metrics    *telemetry.Metrics
	logger     zerolog.Logger

	videoFrames <-chan Frame
	audioFrames <-chan Frame

	idrMu       sync.Mutex
	lastIDRTime time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Sender. videoFrames/audioFrames are the encoder's output
// queues; the caller (typically a capture adapter) owns their lifetime.
func New(reg *registry.Registry, packetizer *rtpio.Packetizer, capture Capture, videoFrames, audioFrames <-chan Frame, metrics *telemetry.Metrics, logger zerolog.Logger) *Sender {
	return &Sender{
		registry:    reg,
		packetizer:  packetizer,
		capture:     capture,
		metrics:     metrics,
		logger:      logger.With().Str("component", "media-sender").Logger(),
		videoFrames: videoFrames,
		audioFrames: audioFrames,
	}
}

// Start launches the video and audio sender tasks and starts capture. Called
// when the first peer joins the room.
func (s *Sender) Start(ctx context.Context) error {
	if err := s.capture.StartVideoCapture(); err != nil {
		return err
	}
	if err := s.capture.StartAudioCapture(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.runVideoSender(runCtx)
	go s.runAudioSender(runCtx)

	return nil
}

// Stop halts both sender tasks and stops capture. Called when the last peer
// leaves the room.
func (s *Sender) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.capture.StopVideoCapture(); err != nil {
		return err
	}
	return s.capture.StopAudioCapture()
}

func (s *Sender) runVideoSender(ctx context.Context) {
	defer s.wg.Done()
	ssrc := s.registry.VideoSSRC()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.videoFrames:
			if !ok {
				return
			}
			if s.registry.ConnectedCount() == 0 {
				continue
			}
			packets, err := s.packetizer.PacketizeVideo(frame.Data, frame.FrameIndex, frame.IsIDR, ssrc)
			if err != nil {
				s.logger.Debug().Err(err).Msg("video packetize failed")
				continue
			}
			for _, pkt := range packets {
				s.registry.BroadcastVideo(pkt)
			}
		}
	}
}

func (s *Sender) runAudioSender(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.audioFrames:
			if !ok {
				return
			}
			if s.registry.ConnectedCount() == 0 {
				continue
			}
			// Every audio packet is packetized once under the single
			// audioBroadcastSSRC, so the packetizer's audio sequence counter
			// tracks one shared stream broadcast identically to all peers.
			pkt := s.packetizer.PacketizeAudio(frame.Data, audioBroadcastSSRC)
			s.registry.BroadcastAudio(pkt)
		}
	}
}

// audioBroadcastSSRC is the single process-wide SSRC the packetizer stamps on
// every audio RTP packet before fan-out, keeping the broadcast sequence
// contiguous. The per-peer SSRC passed to peer.AddAudioTrack is not applied
// to the track; each peer's track writes its own pion-assigned sender SSRC.
const audioBroadcastSSRC = 0x53435231 // "SCR1"

// SetQuality forwards a clamped quality request to the capture collaborator
// if it implements QualityController; otherwise it is logged and dropped,
// since not every capture backend supports runtime retuning.
func (s *Sender) SetQuality(bitrateKbps, framerate, width, height int) {
	qc, ok := s.capture.(QualityController)
	if !ok {
		s.logger.Debug().Msg("capture collaborator does not support SetQuality, ignoring")
		return
	}
	qc.SetQuality(bitrateKbps, framerate, width, height)
}

// RequestIDR asks the capture collaborator for a keyframe, throttled to at
// most once per second per spec §5.
func (s *Sender) RequestIDR() {
	s.idrMu.Lock()
	defer s.idrMu.Unlock()
	if time.Since(s.lastIDRTime) < idrRequestInterval {
		return
	}
	s.lastIDRTime = time.Now()
	s.capture.RequestIDRFrame()
	if s.metrics != nil {
		s.metrics.IDRRequests.Inc()
	}
}
