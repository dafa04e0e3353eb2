package webrtc

import "strings"

// isKeyframe reports whether an RTP payload starts a decodable picture.
// Codecs it cannot inspect are treated as always decodable.
func isKeyframe(mimeType string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch strings.ToLower(mimeType) {
	case "video/vp8":
		return isVP8Keyframe(payload)
	case "video/vp9":
		return isVP9Keyframe(payload)
	case "video/h264":
		return isH264Keyframe(payload)
	}
	return true
}

// isVP8Keyframe parses the VP8 payload descriptor (RFC 7741 section 4.2) and
// checks the inverse key frame flag of the first partition.
func isVP8Keyframe(p []byte) bool {
	start := p[0]&0x10 != 0
	partition := p[0] & 0x07
	if !start || partition != 0 {
		return false
	}

	i := 1
	if p[0]&0x80 != 0 {
		if len(p) < 2 {
			return false
		}
		ext := p[1]
		i++
		if ext&0x80 != 0 {
			if len(p) <= i {
				return false
			}
			if p[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 {
			i++
		}
		if ext&0x30 != 0 {
			i++
		}
	}
	if len(p) <= i {
		return false
	}
	return p[i]&0x01 == 0
}

// isVP9Keyframe checks the descriptor's P (inter-picture predicted) and B
// (start of frame) bits.
func isVP9Keyframe(p []byte) bool {
	return p[0]&0x40 == 0 && p[0]&0x08 != 0
}

const (
	naluIDR  = 5
	naluSPS  = 7
	naluSTAP = 24
	naluFUA  = 28
)

func isH264Keyframe(p []byte) bool {
	switch p[0] & 0x1F {
	case naluIDR, naluSPS:
		return true
	case naluSTAP:
		for off := 1; off+2 < len(p); {
			size := int(p[off])<<8 | int(p[off+1])
			off += 2
			if t := p[off] & 0x1F; t == naluIDR || t == naluSPS {
				return true
			}
			off += size
		}
	case naluFUA:
		if len(p) < 2 {
			return false
		}
		t := p[1] & 0x1F
		return p[1]&0x80 != 0 && (t == naluIDR || t == naluSPS)
	}
	return false
}
