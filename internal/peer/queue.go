package peer

import "github.com/pion/rtp"

// packetQueue is a bounded, single-producer queue with head-drop backpressure:
// when full, the oldest packet is evicted to make room for the newest one.
// Live media is worthless stale, so dropping from the head (not the tail) is
// the right policy — see spec §3 MediaPacket and §9 design notes.
type packetQueue struct {
	ch chan *rtp.Packet
}

func newPacketQueue(capacity int) *packetQueue {
	return &packetQueue{ch: make(chan *rtp.Packet, capacity)}
}

// push enqueues pkt, returns whether it was accepted, the queue depth after
// the push, and whether an older packet was dropped to make room.
func (q *packetQueue) push(pkt *rtp.Packet) (ok bool, depth int, dropped bool) {
	select {
	case q.ch <- pkt:
		return true, len(q.ch), false
	default:
	}

	select {
	case <-q.ch:
		dropped = true
	default:
	}

	select {
	case q.ch <- pkt:
		return true, len(q.ch), dropped
	default:
		// Another goroutine raced us for the freed slot (shouldn't happen with
		// a single producer, but stay non-blocking regardless).
		return false, len(q.ch), true
	}
}
