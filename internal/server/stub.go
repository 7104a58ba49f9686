package server

import (
	"github.com/rs/zerolog"

	"github.com/cloudcade/streamcore/internal/input"
	"github.com/cloudcade/streamcore/internal/media"
)

// NoopCapture is a placeholder media.Capture that produces no frames. The
// real encoder/capture pipeline (spec.md §6) is a platform-specific
// collaborator provided by the embedding application; wiring one in is out
// of scope for this module.
type NoopCapture struct {
	logger zerolog.Logger
}

// NewNoopCapture builds a Capture stub suitable for standalone runs (no
// host application supplying a real encoder).
func NewNoopCapture(logger zerolog.Logger) *NoopCapture {
	return &NoopCapture{logger: logger.With().Str("component", "noop-capture").Logger()}
}

func (c *NoopCapture) StartVideoCapture() error {
	c.logger.Warn().Msg("no capture backend configured, video stream will stay idle")
	return nil
}

func (c *NoopCapture) StopVideoCapture() error { return nil }

func (c *NoopCapture) StartAudioCapture() error { return nil }

func (c *NoopCapture) StopAudioCapture() error { return nil }

func (c *NoopCapture) RequestIDRFrame() {}

var _ media.Capture = (*NoopCapture)(nil)

// NoopSink is a placeholder input.Sink that discards every event. The real
// platform input-injection backend (spec.md §6) is a collaborator supplied
// by the embedding application.
type NoopSink struct {
	logger zerolog.Logger
}

// NewNoopSink builds an input.Sink stub suitable for standalone runs.
func NewNoopSink(logger zerolog.Logger) *NoopSink {
	return &NoopSink{logger: logger.With().Str("component", "noop-input-sink").Logger()}
}

func (s *NoopSink) Keyboard(keyCode uint16, pressed bool)             {}
func (s *NoopSink) MouseMoveAbs(x, y uint16)                          {}
func (s *NoopSink) MouseMoveRel(dx, dy int16)                         {}
func (s *NoopSink) MouseButton(button int, pressed bool)              {}
func (s *NoopSink) MouseScroll(deltaUnits int16, horizontal bool)     {}
func (s *NoopSink) Gamepad(serverSlot int, buttons uint16, lt, rt uint8, sx1, sy1, sx2, sy2 int16) {
}

var _ input.Sink = (*NoopSink)(nil)
