package input

import (
	"testing"

	"github.com/rs/zerolog"
)

type fakeRoom struct {
	isPlayer       map[string]bool
	canKeyboard    map[string]bool
	canMouse       map[string]bool
	claimedBrowser map[string]int
	nextSlot       int
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{
		isPlayer:       map[string]bool{},
		canKeyboard:    map[string]bool{},
		canMouse:       map[string]bool{},
		claimedBrowser: map[string]int{},
	}
}

func (f *fakeRoom) IsPlayer(peerID string) bool       { return f.isPlayer[peerID] }
func (f *fakeRoom) CanUseKeyboard(peerID string) bool { return f.canKeyboard[peerID] }
func (f *fakeRoom) CanUseMouse(peerID string) bool    { return f.canMouse[peerID] }
func (f *fakeRoom) ClaimGamepad(peerID, browserID string) (int, error) {
	key := peerID + "/" + browserID
	if slot, ok := f.claimedBrowser[key]; ok {
		return slot, nil
	}
	slot := f.nextSlot
	f.nextSlot++
	f.claimedBrowser[key] = slot
	return slot, nil
}

type fakeSink struct {
	keyboardCalls []struct {
		code    uint16
		pressed bool
	}
	gamepadCalls int
	lastButton   int
	lastPressed  bool
}

func (f *fakeSink) Keyboard(keyCode uint16, pressed bool) {
	f.keyboardCalls = append(f.keyboardCalls, struct {
		code    uint16
		pressed bool
	}{keyCode, pressed})
}
func (f *fakeSink) MouseMoveAbs(x, y uint16)            {}
func (f *fakeSink) MouseMoveRel(dx, dy int16)           {}
func (f *fakeSink) MouseButton(button int, pressed bool) { f.lastButton = button; f.lastPressed = pressed }
func (f *fakeSink) MouseScroll(deltaUnits int16, horizontal bool) {}
func (f *fakeSink) Gamepad(serverSlot int, buttons uint16, lt, rt uint8, sx1, sy1, sx2, sy2 int16) {
	f.gamepadCalls++
}

// TestKeyboardEventGated reproduces spec scenario 4 literally: bytes
// 02 41 00 00 01 (VK_A down) are dropped when the peer lacks keyboard
// access, and dispatched as Keyboard(0x41, true) once access is granted.
func TestKeyboardEventGated(t *testing.T) {
	rm := newFakeRoom()
	sink := &fakeSink{}
	r := New(rm, sink, zerolog.Nop())

	frame := []byte{0x02, 0x41, 0x00, 0x00, 0x01}

	r.Dispatch("peer_2", "input", frame)
	if len(sink.keyboardCalls) != 0 {
		t.Fatalf("expected no keyboard dispatch without permission, got %d", len(sink.keyboardCalls))
	}

	rm.canKeyboard["peer_2"] = true
	r.Dispatch("peer_2", "input", frame)
	if len(sink.keyboardCalls) != 1 {
		t.Fatalf("expected one keyboard dispatch, got %d", len(sink.keyboardCalls))
	}
	if sink.keyboardCalls[0].code != 0x41 || !sink.keyboardCalls[0].pressed {
		t.Fatalf("got %+v, want code=0x41 pressed=true", sink.keyboardCalls[0])
	}
}

func TestNonInputLabelIgnored(t *testing.T) {
	rm := newFakeRoom()
	rm.canKeyboard["peer_1"] = true
	sink := &fakeSink{}
	r := New(rm, sink, zerolog.Nop())

	r.Dispatch("peer_1", "chat", []byte{0x02, 0x41, 0x00, 0x00, 0x01})
	if len(sink.keyboardCalls) != 0 {
		t.Fatal("expected frames on non-input labels to be ignored")
	}
}

func TestMouseButtonRemapsBrowserIndex(t *testing.T) {
	rm := newFakeRoom()
	rm.canMouse["peer_1"] = true
	sink := &fakeSink{}
	r := New(rm, sink, zerolog.Nop())

	r.Dispatch("peer_1", "input", []byte{0x04, 0x00, 0x01}) // browser left button down
	if sink.lastButton != 1 || !sink.lastPressed {
		t.Fatalf("button=%d pressed=%v, want 1/true", sink.lastButton, sink.lastPressed)
	}
}

func TestGamepadAutoClaimsBrowserSlot(t *testing.T) {
	rm := newFakeRoom()
	rm.isPlayer["peer_1"] = true
	sink := &fakeSink{}
	r := New(rm, sink, zerolog.Nop())

	frame := make([]byte, 14)
	frame[0] = 0x01 // gamepad type
	frame[1] = 0x00 // browser gamepad index 0
	r.Dispatch("peer_1", "input", frame)

	if sink.gamepadCalls != 1 {
		t.Fatalf("gamepadCalls=%d, want 1", sink.gamepadCalls)
	}
	if _, ok := rm.claimedBrowser["peer_1/0"]; !ok {
		t.Fatal("expected browser gamepad 0 to be auto-claimed")
	}
}

func TestGamepadDroppedForSpectator(t *testing.T) {
	rm := newFakeRoom()
	sink := &fakeSink{}
	r := New(rm, sink, zerolog.Nop())

	frame := make([]byte, 14)
	frame[0] = 0x01
	r.Dispatch("peer_2", "input", frame)

	if sink.gamepadCalls != 0 {
		t.Fatal("expected gamepad dispatch to be dropped for a non-player peer")
	}
}
