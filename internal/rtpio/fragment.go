package rtpio

import "fmt"

// splitAnnexB scans frame for Annex-B start codes (00 00 01 or 00 00 00 01)
// and returns each NAL unit's bytes (start code stripped).
func splitAnnexB(frame []byte) [][]byte {
	var codeStarts []int // index of the leading "0" of each "00 00 01" match
	var bodyStarts []int // index of the first byte of NAL data, just past the code
	i := 0
	for i < len(frame)-2 {
		if frame[i] == 0 && frame[i+1] == 0 && frame[i+2] == 1 {
			codeStarts = append(codeStarts, i)
			bodyStarts = append(bodyStarts, i+3)
			i += 3
			continue
		}
		i++
	}
	nals := make([][]byte, 0, len(bodyStarts))
	for idx, start := range bodyStarts {
		end := len(frame)
		if idx+1 < len(codeStarts) {
			end = codeStarts[idx+1]
			// A 4-byte start code ("00 00 00 01") leaves one extra zero byte
			// of padding ahead of the 3-byte pattern we matched; trim it off
			// this NAL's tail rather than the next NAL's body.
			for end > start && frame[end-1] == 0 {
				end--
			}
		}
		nals = append(nals, frame[start:end])
	}
	return nals
}

type fragmentFunc func(nal []byte) ([][]byte, error)

func fragmentAnnexB(frame []byte, fn fragmentFunc) ([][]byte, error) {
	nals := splitAnnexB(frame)
	if len(nals) == 0 {
		return nil, fmt.Errorf("rtpio: no NAL units found in frame")
	}
	var payloads [][]byte
	for _, nal := range nals {
		frags, err := fn(nal)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, frags...)
	}
	return payloads, nil
}

// fragmentH264 implements RFC 6184 single-NAL and FU-A fragmentation.
func fragmentH264(nal []byte) ([][]byte, error) {
	if len(nal) == 0 {
		return nil, fmt.Errorf("rtpio: empty h264 NAL")
	}
	if len(nal) <= MaxPayloadBytes {
		return [][]byte{nal}, nil
	}

	header := nal[0]
	fnri := header & 0xE0
	nalType := header & 0x1F
	payload := nal[1:]

	const overhead = 2 // FU indicator + FU header
	chunkSize := MaxPayloadBytes - overhead

	var out [][]byte
	for offset := 0; offset < len(payload); offset += chunkSize {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		fuIndicator := fnri | 28
		fuHeader := nalType
		if offset == 0 {
			fuHeader |= 0x80 // S
		}
		if end == len(payload) {
			fuHeader |= 0x40 // E
		}
		frag := make([]byte, 0, 2+end-offset)
		frag = append(frag, fuIndicator, fuHeader)
		frag = append(frag, payload[offset:end]...)
		out = append(out, frag)
	}
	return out, nil
}

// fragmentHEVC implements RFC 7798 single-NAL and FU fragmentation (2-byte
// NAL header, FU type 49).
func fragmentHEVC(nal []byte) ([][]byte, error) {
	if len(nal) < 2 {
		return nil, fmt.Errorf("rtpio: hevc NAL too short")
	}
	if len(nal) <= MaxPayloadBytes {
		return [][]byte{nal}, nil
	}

	b0, b1 := nal[0], nal[1]
	nalType := (b0 >> 1) & 0x3F
	payload := nal[2:]

	fuB0 := (b0 & 0x81) | (49 << 1)
	fuB1 := b1

	const overhead = 3 // 2-byte FU NAL header + 1-byte FU header
	chunkSize := MaxPayloadBytes - overhead

	var out [][]byte
	for offset := 0; offset < len(payload); offset += chunkSize {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		fuHeader := nalType
		if offset == 0 {
			fuHeader |= 0x80 // S
		}
		if end == len(payload) {
			fuHeader |= 0x40 // E
		}
		frag := make([]byte, 0, 3+end-offset)
		frag = append(frag, fuB0, fuB1, fuHeader)
		frag = append(frag, payload[offset:end]...)
		out = append(out, frag)
	}
	return out, nil
}

// AV1 aggregation header bits (aomediacodec AV1 RTP spec): Z (continuation
// from previous packet), Y (continues into next packet), W (OBU element
// count, 1 meaning "one element, no length field, extends to packet end"),
// N (first packet of a new coded video sequence / keyframe).
const (
	av1FlagY = 1 << 6
	av1FlagZ = 1 << 7
	av1W1    = 1 << 4
	av1FlagN = 1 << 3
)

// fragmentAV1 emits one aggregation unit per packet. This follows the
// current AV1 RTP draft's bit layout rather than the source implementation's
// (spec §9 flags this as an open question; the draft is authoritative).
func fragmentAV1(frame []byte, keyframe bool) [][]byte {
	if len(frame) <= MaxPayloadBytes-1 {
		header := byte(av1W1)
		if keyframe {
			header |= av1FlagN
		}
		return [][]byte{append([]byte{header}, frame...)}
	}

	chunkSize := MaxPayloadBytes - 1
	var out [][]byte
	for offset := 0; offset < len(frame); offset += chunkSize {
		end := offset + chunkSize
		if end > len(frame) {
			end = len(frame)
		}
		var header byte
		switch {
		case offset == 0:
			header = av1FlagY | av1W1
			if keyframe {
				header |= av1FlagN
			}
		case end == len(frame):
			header = av1FlagZ | av1W1
		default:
			header = av1FlagZ | av1FlagY | av1W1
		}
		frag := make([]byte, 0, 1+end-offset)
		frag = append(frag, header)
		frag = append(frag, frame[offset:end]...)
		out = append(out, frag)
	}
	return out
}
