package domain

import "strings"

// The types below follow the JSON shapes used by mediasoup-client so browser
// clients can hand them straight to Device.load / Transport.produce.

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 MediaKind              `json:"kind" yaml:"kind"`
	MimeType             string                 `json:"mimeType" yaml:"mime_type"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty" yaml:"preferred_payload_type,omitempty"`
	ClockRate            uint32                 `json:"clockRate" yaml:"clock_rate"`
	Channels             uint16                 `json:"channels,omitempty" yaml:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback         `json:"rtcpFeedback,omitempty" yaml:"-"`
}

type RTPHeaderExtension struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt,omitempty"`
	Direction        string    `json:"direction,omitempty"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

type RTPCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback         `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RTPEncodingParameters struct {
	SSRC            uint32 `json:"ssrc,omitempty"`
	RID             string `json:"rid,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
	MaxBitrate      int    `json:"maxBitrate,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncodingParameters        `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp,omitempty"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportParameters is what a client needs to set up its side of a
// transport.
type TransportParameters struct {
	ID             TransportID    `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParameters finalizes a transport. ICE parameters and candidates are
// optional; engines running full ICE need them, ICE-lite engines that accept
// any remote credentials ignore them.
type ConnectParameters struct {
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *ICEParameters `json:"iceParameters,omitempty"`
	ICECandidates  []ICECandidate `json:"iceCandidates,omitempty"`
}

// MatchesCodec reports whether two codec descriptions name the same codec:
// same mime type (case-insensitive), clock rate and, for audio, channel count.
func MatchesCodec(mimeType string, clockRate uint32, channels uint16, c RTPCodecCapability) bool {
	if !strings.EqualFold(mimeType, c.MimeType) || clockRate != c.ClockRate {
		return false
	}
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		return normalizeChannels(channels) == normalizeChannels(c.Channels)
	}
	return true
}

func normalizeChannels(ch uint16) uint16 {
	if ch == 0 {
		return 1
	}
	return ch
}

// KindFromMimeType returns the media kind encoded in a mime type such as
// "video/VP8".
func KindFromMimeType(mimeType string) MediaKind {
	lower := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(lower, "audio/"):
		return KindAudio
	case strings.HasPrefix(lower, "video/"):
		return KindVideo
	}
	return ""
}
