package peer

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	return New("peer_1", pc, Callbacks{}, nil, zerolog.Nop())
}

// TestTerminalStateSurvivesLateConnectedEvent reproduces the race where a
// buffered pion "Connected" callback is still processed after Close has
// already driven the peer to Disconnected: runEvents' select does not
// prioritize the already-closed stopCh over a pending event, so the state
// transition must be rejected explicitly once terminal.
func TestTerminalStateSurvivesLateConnectedEvent(t *testing.T) {
	p := newTestPeer(t)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.State() != StateDisconnected {
		t.Fatalf("state after Close = %v, want Disconnected", p.State())
	}

	// Simulate a late pion callback landing after Close, the way runEvents
	// could still deliver one from its buffered channel.
	p.handleConnectionStateChange(webrtc.PeerConnectionStateConnected)

	if p.State() != StateDisconnected {
		t.Fatalf("state after late Connected event = %v, want it to stay Disconnected (terminal)", p.State())
	}
}

// TestFailedStateSurvivesLateConnectedEvent checks the other terminal state.
func TestFailedStateSurvivesLateConnectedEvent(t *testing.T) {
	p := newTestPeer(t)

	p.handleConnectionStateChange(webrtc.PeerConnectionStateFailed)
	if p.State() != StateFailed {
		t.Fatalf("state = %v, want Failed", p.State())
	}

	p.handleConnectionStateChange(webrtc.PeerConnectionStateConnected)
	if p.State() != StateFailed {
		t.Fatalf("state after late Connected event = %v, want it to stay Failed (terminal)", p.State())
	}

	_ = p.Close()
}

func TestConnectedStateSpawnsSendersOnce(t *testing.T) {
	p := newTestPeer(t)

	p.handleConnectionStateChange(webrtc.PeerConnectionStateConnected)
	if p.State() != StateConnected {
		t.Fatalf("state = %v, want Connected", p.State())
	}
	// A duplicate Connected event (pion can report the same state twice)
	// must not spawn a second pair of sender goroutines. The goroutine count
	// is not observed here: the test drives the duplicate-event path and
	// then closes the peer.
	p.handleConnectionStateChange(webrtc.PeerConnectionStateConnected)

	_ = p.Close()
}
