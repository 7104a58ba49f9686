package rtpio

import (
	"bytes"
	"testing"
)

func annexBFrame(nals ...[]byte) []byte {
	var buf bytes.Buffer
	for _, nal := range nals {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(nal)
	}
	return buf.Bytes()
}

// TestH264FUAFragmentation reproduces spec scenario 6 literally: an 1800
// byte IDR NAL with header 0x65 fragments into exactly two FU-A packets with
// the documented indicator/header bytes.
func TestH264FUAFragmentation(t *testing.T) {
	nal := make([]byte, 1800)
	nal[0] = 0x65 // NRI=3, type=5 (IDR)
	for i := 1; i < len(nal); i++ {
		nal[i] = byte(i)
	}

	p, err := New("h264", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	packets, err := p.PacketizeVideo(annexBFrame(nal), 0, true, 0xAAAA)
	if err != nil {
		t.Fatalf("PacketizeVideo: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}

	first, second := packets[0], packets[1]

	if first.Payload[0] != 0x7C {
		t.Fatalf("first FU indicator = 0x%02X, want 0x7C", first.Payload[0])
	}
	if first.Payload[1] != 0x85 {
		t.Fatalf("first FU header = 0x%02X, want 0x85", first.Payload[1])
	}
	if first.Marker {
		t.Fatal("first packet marker bit set, want clear")
	}

	if second.Payload[0] != 0x7C {
		t.Fatalf("second FU indicator = 0x%02X, want 0x7C", second.Payload[0])
	}
	if second.Payload[1] != 0x45 {
		t.Fatalf("second FU header = 0x%02X, want 0x45", second.Payload[1])
	}
	if !second.Marker {
		t.Fatal("second packet marker bit clear, want set (last packet of frame)")
	}

	wantPayload := append([]byte{}, nal[1:]...)
	gotPayload := append(append([]byte{}, first.Payload[2:]...), second.Payload[2:]...)
	if !bytes.Equal(gotPayload, wantPayload) {
		t.Fatal("reassembled FU-A payload does not match original NAL body")
	}
}

// TestH264MultiNALFrameSplitsCleanly reproduces an SPS+PPS+IDR keyframe
// bundle in one Annex-B buffer (the common encoder output shape) and checks
// that splitAnnexB does not leak the following NAL's start code into the
// previous NAL's payload.
func TestH264MultiNALFrameSplitsCleanly(t *testing.T) {
	sps := []byte{0x67, 0x01, 0x02, 0x03}
	pps := []byte{0x68, 0x04, 0x05}
	idr := make([]byte, 50)
	idr[0] = 0x65
	for i := 1; i < len(idr); i++ {
		idr[i] = byte(i)
	}

	p, err := New("h264", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	packets, err := p.PacketizeVideo(annexBFrame(sps, pps, idr), 0, true, 0xBEEF)
	if err != nil {
		t.Fatalf("PacketizeVideo: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3 (one per NAL, all below MTU)", len(packets))
	}

	if !bytes.Equal(packets[0].Payload, sps) {
		t.Fatalf("SPS payload = %x, want %x (must not include PPS start code)", packets[0].Payload, sps)
	}
	if !bytes.Equal(packets[1].Payload, pps) {
		t.Fatalf("PPS payload = %x, want %x (must not include IDR start code)", packets[1].Payload, pps)
	}
	if !bytes.Equal(packets[2].Payload, idr) {
		t.Fatalf("IDR payload = %x, want %x", packets[2].Payload, idr)
	}
}

func TestH264SingleNALBelowMTU(t *testing.T) {
	nal := make([]byte, 500)
	nal[0] = 0x67 // SPS

	p, err := New("h264", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	packets, err := p.PacketizeVideo(annexBFrame(nal), 0, false, 1)
	if err != nil {
		t.Fatalf("PacketizeVideo: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !bytes.Equal(packets[0].Payload, nal) {
		t.Fatal("single-NAL packet payload must equal the NAL verbatim")
	}
	if !packets[0].Marker {
		t.Fatal("marker bit must be set on the only (and therefore last) packet")
	}
}

func TestVideoSequenceNumbersContiguous(t *testing.T) {
	p, err := New("h264", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	nal := make([]byte, 100)
	nal[0] = 0x61

	var last uint16
	var first = true
	for frame := uint32(0); frame < 5; frame++ {
		packets, err := p.PacketizeVideo(annexBFrame(nal), frame, false, 1)
		if err != nil {
			t.Fatalf("PacketizeVideo: %v", err)
		}
		for _, pkt := range packets {
			if first {
				last = pkt.SequenceNumber
				first = false
				continue
			}
			if pkt.SequenceNumber != last+1 {
				t.Fatalf("sequence jumped from %d to %d", last, pkt.SequenceNumber)
			}
			last = pkt.SequenceNumber
		}
	}
}

func TestVideoTimestampFallsBackTo3000(t *testing.T) {
	p, err := New("h264", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	nal := make([]byte, 10)
	nal[0] = 0x61
	packets, err := p.PacketizeVideo(annexBFrame(nal), 7, false, 1)
	if err != nil {
		t.Fatalf("PacketizeVideo: %v", err)
	}
	if packets[0].Timestamp != 7*3000 {
		t.Fatalf("timestamp=%d, want %d", packets[0].Timestamp, 7*3000)
	}
}

func TestAudioTimestampIncrementsBy480(t *testing.T) {
	p, err := New("h264", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := p.PacketizeAudio([]byte{1, 2, 3}, 9)
	second := p.PacketizeAudio([]byte{4, 5, 6}, 9)
	if second.Timestamp-first.Timestamp != 480 {
		t.Fatalf("timestamp delta=%d, want 480", second.Timestamp-first.Timestamp)
	}
	if !first.Marker || !second.Marker {
		t.Fatal("opus packets must always set the marker bit")
	}
}
