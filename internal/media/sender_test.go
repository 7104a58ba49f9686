package media

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudcade/streamcore/internal/peer"
	"github.com/cloudcade/streamcore/internal/registry"
	"github.com/cloudcade/streamcore/internal/rtpio"
)

type fakeCapture struct {
	startVideo, stopVideo, startAudio, stopAudio int
	idrRequests                                  int
	quality                                      struct{ bitrate, framerate, width, height int }
}

func (f *fakeCapture) StartVideoCapture() error { f.startVideo++; return nil }
func (f *fakeCapture) StopVideoCapture() error  { f.stopVideo++; return nil }
func (f *fakeCapture) StartAudioCapture() error { f.startAudio++; return nil }
func (f *fakeCapture) StopAudioCapture() error  { f.stopAudio++; return nil }
func (f *fakeCapture) RequestIDRFrame()         { f.idrRequests++ }

type fakeQualityCapture struct {
	fakeCapture
}

func (f *fakeQualityCapture) SetQuality(bitrateKbps, framerate, width, height int) {
	f.quality.bitrate = bitrateKbps
	f.quality.framerate = framerate
	f.quality.width = width
	f.quality.height = height
}

func newTestSender(t *testing.T, capture Capture) (*Sender, *registry.Registry, chan Frame, chan Frame) {
	t.Helper()
	reg, err := registry.New(registry.Config{VideoCodec: "h264"}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	packetizer, err := rtpio.New("h264", 0)
	if err != nil {
		t.Fatalf("rtpio.New: %v", err)
	}
	videoFrames := make(chan Frame, 4)
	audioFrames := make(chan Frame, 4)
	s := New(reg, packetizer, capture, videoFrames, audioFrames, nil, zerolog.Nop())
	return s, reg, videoFrames, audioFrames
}

func TestStartStartsCapture(t *testing.T) {
	capture := &fakeCapture{}
	s, _, _, _ := newTestSender(t, capture)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if capture.startVideo != 1 || capture.startAudio != 1 {
		t.Fatalf("starts = %d/%d, want 1/1", capture.startVideo, capture.startAudio)
	}
}

func TestStopStopsCapture(t *testing.T) {
	capture := &fakeCapture{}
	s, _, _, _ := newTestSender(t, capture)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if capture.stopVideo != 1 || capture.stopAudio != 1 {
		t.Fatalf("stops = %d/%d, want 1/1", capture.stopVideo, capture.stopAudio)
	}
}

// TestFramesDroppedWithoutPeers feeds one frame with no registered peer and
// one with a registered (not yet connected) peer, and checks only that
// neither path panics or blocks; delivery to the peer is not asserted.
func TestFramesDroppedWithoutPeers(t *testing.T) {
	capture := &fakeCapture{}
	s, reg, videoFrames, _ := newTestSender(t, capture)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	videoFrames <- Frame{Data: []byte{0x65, 0x00, 0x00}, FrameIndex: 0, IsIDR: true}
	time.Sleep(20 * time.Millisecond)

	p, err := reg.Create("peer_1", peer.Callbacks{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Close()

	videoFrames <- Frame{Data: []byte{0x65, 0x00, 0x01}, FrameIndex: 1, IsIDR: true}
	time.Sleep(20 * time.Millisecond)
	// Nothing panics or blocks; BroadcastVideo is fire-and-forget into the
	// peer's own send queue, verified indirectly via no deadlock/timeout here.
}

func TestRequestIDRThrottled(t *testing.T) {
	capture := &fakeCapture{}
	s, _, _, _ := newTestSender(t, capture)

	s.RequestIDR()
	s.RequestIDR()
	if capture.idrRequests != 1 {
		t.Fatalf("idrRequests = %d, want 1 (second call within the throttle window)", capture.idrRequests)
	}
}

func TestSetQualityIgnoredWithoutQualityController(t *testing.T) {
	capture := &fakeCapture{}
	s, _, _, _ := newTestSender(t, capture)

	// Must not panic when the capture backend lacks SetQuality.
	s.SetQuality(5000, 60, 1920, 1080)
}

func TestSetQualityForwardsToController(t *testing.T) {
	capture := &fakeQualityCapture{}
	s, _, _, _ := newTestSender(t, capture)

	s.SetQuality(5000, 60, 1920, 1080)
	if capture.quality.bitrate != 5000 || capture.quality.framerate != 60 {
		t.Fatalf("quality = %+v, want bitrate=5000 framerate=60", capture.quality)
	}
}
