// Package input parses binary frames from the "input" data channel and
// dispatches them to a platform input sink, gated by Room permissions.
package input

import (
	"encoding/binary"
	"strconv"

	"github.com/rs/zerolog"
)

// Wire frame types (spec.md §4.8), first byte of every frame.
const (
	typeGamepad      = 0x01
	typeKeyboard     = 0x02
	typeMouseMove    = 0x03
	typeMouseButton  = 0x04
	typeMouseScroll  = 0x05
)

// Sink is the platform input collaborator (spec.md §6).
type Sink interface {
	Keyboard(keyCode uint16, pressed bool)
	MouseMoveAbs(x, y uint16)
	MouseMoveRel(dx, dy int16)
	MouseButton(button int, pressed bool)
	MouseScroll(deltaUnits int16, horizontal bool)
	Gamepad(serverSlot int, buttons uint16, lt, rt uint8, stickX1, stickY1, stickX2, stickY2 int16)
}

// RoomAccess is the subset of Room the router consults on every event.
type RoomAccess interface {
	IsPlayer(peerID string) bool
	CanUseKeyboard(peerID string) bool
	CanUseMouse(peerID string) bool
	ClaimGamepad(peerID, browserID string) (int, error)
}

// Router dispatches "input" data-channel frames to Sink, after a permission
// check against Room. Failed permission checks and malformed frames are
// dropped silently (spec.md §7: a hostile or lagged client would otherwise
// spam the log).
type Router struct {
	room   RoomAccess
	sink   Sink
	logger zerolog.Logger
}

// New builds a Router.
func New(rm RoomAccess, sink Sink, logger zerolog.Logger) *Router {
	return &Router{room: rm, sink: sink, logger: logger.With().Str("component", "input-router").Logger()}
}

// Dispatch parses one frame from peerID's "input" channel. label is only
// inspected to ignore traffic on any channel other than "input".
func (r *Router) Dispatch(peerID, label string, frame []byte) {
	if label != "input" {
		return
	}
	if len(frame) < 1 {
		return
	}

	switch frame[0] {
	case typeGamepad:
		r.dispatchGamepad(peerID, frame[1:])
	case typeKeyboard:
		r.dispatchKeyboard(peerID, frame[1:])
	case typeMouseMove:
		r.dispatchMouseMove(peerID, frame[1:])
	case typeMouseButton:
		r.dispatchMouseButton(peerID, frame[1:])
	case typeMouseScroll:
		r.dispatchMouseScroll(peerID, frame[1:])
	default:
		r.logger.Debug().Uint8("frame_type", frame[0]).Msg("unknown input frame type, dropped")
	}
}

// dispatchGamepad: 1 byte slot, 2 bytes button bitmask, 1 byte LT, 1 byte RT,
// 4x int16 stick axes = 13 bytes.
func (r *Router) dispatchGamepad(peerID string, body []byte) {
	if len(body) < 13 {
		return
	}
	if !r.room.IsPlayer(peerID) {
		return
	}

	browserSlot := int(body[0])
	buttons := binary.LittleEndian.Uint16(body[1:3])
	lt := body[3]
	rt := body[4]
	stickX1 := int16(binary.LittleEndian.Uint16(body[5:7]))
	stickY1 := int16(binary.LittleEndian.Uint16(body[7:9]))
	stickX2 := int16(binary.LittleEndian.Uint16(body[9:11]))
	stickY2 := int16(binary.LittleEndian.Uint16(body[11:13]))

	serverSlot, err := r.room.ClaimGamepad(peerID, strconv.Itoa(browserSlot))
	if err != nil {
		return
	}
	r.sink.Gamepad(serverSlot, buttons, lt, rt, stickX1, stickY1, stickX2, stickY2)
}

// dispatchKeyboard: 2 bytes virtual-key code, 1 byte modifiers, 1 byte pressed.
func (r *Router) dispatchKeyboard(peerID string, body []byte) {
	if len(body) < 4 {
		return
	}
	if !r.room.CanUseKeyboard(peerID) {
		return
	}
	keyCode := binary.LittleEndian.Uint16(body[0:2])
	pressed := body[3] != 0
	r.sink.Keyboard(keyCode, pressed)
}

// dispatchMouseMove: 1 byte flags (bit0 = absolute), 2 bytes x, 2 bytes y.
func (r *Router) dispatchMouseMove(peerID string, body []byte) {
	if len(body) < 5 {
		return
	}
	if !r.room.CanUseMouse(peerID) {
		return
	}
	absolute := body[0]&0x01 != 0
	if absolute {
		x := binary.LittleEndian.Uint16(body[1:3])
		y := binary.LittleEndian.Uint16(body[3:5])
		r.sink.MouseMoveAbs(x, y)
		return
	}
	dx := int16(binary.LittleEndian.Uint16(body[1:3]))
	dy := int16(binary.LittleEndian.Uint16(body[3:5]))
	r.sink.MouseMoveRel(dx, dy)
}

// dispatchMouseButton: 1 byte button (0=left,1=middle,2=right), 1 byte pressed.
// Browser buttons 0/1/2 remap to sink buttons 1/2/3.
func (r *Router) dispatchMouseButton(peerID string, body []byte) {
	if len(body) < 2 {
		return
	}
	if !r.room.CanUseMouse(peerID) {
		return
	}
	button := int(body[0]) + 1
	pressed := body[1] != 0
	r.sink.MouseButton(button, pressed)
}

// dispatchMouseScroll: 1 byte reserved, 2 bytes int16 dx, 2 bytes int16 dy.
func (r *Router) dispatchMouseScroll(peerID string, body []byte) {
	if len(body) < 5 {
		return
	}
	if !r.room.CanUseMouse(peerID) {
		return
	}
	dx := int16(binary.LittleEndian.Uint16(body[1:3]))
	dy := int16(binary.LittleEndian.Uint16(body[3:5]))
	if dx != 0 {
		r.sink.MouseScroll(dx, true)
	}
	if dy != 0 {
		r.sink.MouseScroll(dy, false)
	}
}
