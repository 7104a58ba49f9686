package registry

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cloudcade/streamcore/internal/peer"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Config{VideoCodec: "h264"}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Create("peer_1", peer.Callbacks{}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := r.Create("peer_1", peer.Callbacks{}); !errors.Is(err, ErrPeerExists) {
		t.Fatalf("second Create err = %v, want ErrPeerExists", err)
	}
	if r.ConnectedCount() != 1 {
		t.Fatalf("ConnectedCount = %d, want 1 (failed create must not leak a second entry)", r.ConnectedCount())
	}
}

func TestRemoveExtractsThenCloses(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Create("peer_1", peer.Callbacks{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	removed, ok := r.Remove("peer_1")
	if !ok || removed != p {
		t.Fatal("Remove did not return the created peer")
	}
	if r.ConnectedCount() != 0 {
		t.Fatalf("ConnectedCount = %d, want 0 after Remove", r.ConnectedCount())
	}
	if _, ok := r.Find("peer_1"); ok {
		t.Fatal("Find succeeded after Remove")
	}

	if _, ok := r.Remove("peer_1"); ok {
		t.Fatal("second Remove of the same id returned ok=true")
	}
}

func TestVideoSSRCStableAcrossPeers(t *testing.T) {
	r := newTestRegistry(t)
	want := r.VideoSSRC()

	if _, err := r.Create("peer_1", peer.Callbacks{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("peer_2", peer.Callbacks{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.VideoSSRC() != want {
		t.Fatalf("VideoSSRC changed across peer creation: got %x, want %x", r.VideoSSRC(), want)
	}
}

func TestNextAudioSSRCIsUniquePerCall(t *testing.T) {
	r := newTestRegistry(t)

	seen := make(map[uint32]bool)
	for i := 0; i < 5; i++ {
		ssrc := r.NextAudioSSRC()
		if seen[ssrc] {
			t.Fatalf("duplicate audio SSRC %x on call %d", ssrc, i)
		}
		seen[ssrc] = true
	}
}

func TestListReturnsSnapshot(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Create("peer_1", peer.Callbacks{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("peer_2", peer.Callbacks{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List length = %d, want 2", len(list))
	}

	r.Remove("peer_1")
	if len(list) != 2 {
		t.Fatal("earlier List() snapshot must not be affected by later Remove")
	}
}
