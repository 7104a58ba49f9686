// Package rtpio packetizes encoded video and audio frames into RTP packets
// per codec, maintaining per-SSRC sequence and timestamp bookkeeping.
package rtpio

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/rtp"
)

const (
	// MaxPayloadBytes bounds every emitted RTP packet's payload per spec §4.4.
	MaxPayloadBytes = 1200

	videoPayloadType = 96
	audioPayloadType = 111

	opusTimestampStep = 480 // 10ms @ 48kHz
)

// Packetizer converts encoder frames into RTP packets for one codec. Sequence
// counters are process-wide per SSRC (one video SSRC, one audio SSRC) so the
// sequence emitted is contiguous across every peer — a single logical stream
// fanned out, not packetized per peer.
type Packetizer struct {
	codec         string
	framerateHint int

	videoSeq atomic.Uint32
	audioSeq atomic.Uint32
	audioTS  atomic.Uint32
}

// New builds a Packetizer for codec ("h264", "hevc", "av1"); framerateHint is
// the assumed encoder frame rate, 0 meaning absent (falls back to the
// frame_index*3000 cadence per spec §4.4).
func New(codec string, framerateHint int) (*Packetizer, error) {
	switch codec {
	case "h264", "hevc", "av1":
	default:
		return nil, fmt.Errorf("rtpio: unsupported codec %q", codec)
	}
	return &Packetizer{codec: codec, framerateHint: framerateHint}, nil
}

func (p *Packetizer) videoTimestamp(frameIndex uint32) uint32 {
	if p.framerateHint > 0 {
		return frameIndex * (90000 / uint32(p.framerateHint))
	}
	return frameIndex * 3000
}

// PacketizeVideo splits one encoded video frame into RTP packets, dispatching
// on codec. The marker bit is set on exactly the last packet of the frame.
func (p *Packetizer) PacketizeVideo(frame []byte, frameIndex uint32, keyframe bool, ssrc uint32) ([]*rtp.Packet, error) {
	ts := p.videoTimestamp(frameIndex)

	var payloads [][]byte
	var err error
	switch p.codec {
	case "h264":
		payloads, err = fragmentAnnexB(frame, fragmentH264)
	case "hevc":
		payloads, err = fragmentAnnexB(frame, fragmentHEVC)
	case "av1":
		payloads = fragmentAV1(frame, keyframe)
	default:
		return nil, fmt.Errorf("rtpio: unsupported codec %q", p.codec)
	}
	if err != nil {
		return nil, err
	}

	packets := make([]*rtp.Packet, 0, len(payloads))
	for i, payload := range payloads {
		seq := uint16(p.videoSeq.Add(1))
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    videoPayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
				Marker:         i == len(payloads)-1,
			},
			Payload: payload,
		})
	}
	return packets, nil
}

// PacketizeAudio wraps one Opus frame in a single RTP packet; the marker bit
// is set for every Opus packet per spec §4.4.
func (p *Packetizer) PacketizeAudio(frame []byte, ssrc uint32) *rtp.Packet {
	seq := uint16(p.audioSeq.Add(1))
	ts := p.audioTS.Add(opusTimestampStep)
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    audioPayloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
			Marker:         true,
		},
		Payload: frame,
	}
}
