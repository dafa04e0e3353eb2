package webrtc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"huddle/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

const (
	firstDynamicPayloadType = 96
	lastDynamicPayloadType  = 127
)

// assignPayloadTypes returns a copy of codecs where every entry has a payload
// type. Configured payload types are kept; the rest get the lowest free value
// from the dynamic range.
func assignPayloadTypes(codecs []domain.RTPCodecCapability) ([]domain.RTPCodecCapability, error) {
	out := make([]domain.RTPCodecCapability, len(codecs))
	used := make(map[uint8]bool, len(codecs))

	for i, c := range codecs {
		out[i] = c
		if len(out[i].RTCPFeedback) == 0 {
			out[i].RTCPFeedback = defaultFeedback(c.Kind)
		}
		pt := c.PreferredPayloadType
		if pt == 0 {
			continue
		}
		if used[pt] {
			return nil, fmt.Errorf("duplicate payload type %d for %s", pt, c.MimeType)
		}
		used[pt] = true
	}

	next := uint8(firstDynamicPayloadType)
	for i := range out {
		if out[i].PreferredPayloadType != 0 {
			continue
		}
		for next <= lastDynamicPayloadType && used[next] {
			next++
		}
		if next > lastDynamicPayloadType {
			return nil, fmt.Errorf("no dynamic payload type left for %s", out[i].MimeType)
		}
		out[i].PreferredPayloadType = next
		used[next] = true
	}
	return out, nil
}

func defaultFeedback(kind domain.MediaKind) []domain.RTCPFeedback {
	if kind != domain.KindVideo {
		return nil
	}
	return []domain.RTCPFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
	}
}

// fmtpLine renders codec parameters as an SDP fmtp value with sorted keys.
func fmtpLine(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatParam(params[k]))
	}
	return strings.Join(parts, ";")
}

func formatParam(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(val)
	}
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func pionFeedback(fb []domain.RTCPFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func pionCapability(c domain.RTPCodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: pionFeedback(c.RTCPFeedback),
	}
}

func pionRouterCodec(c domain.RTPCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: pionCapability(c),
		PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func pionProducerCodec(c domain.RTPCodecParameters) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: pionFeedback(c.RTCPFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}
}

// matchRouterCodec finds the router codec a producer codec maps onto.
func matchRouterCodec(routerCodecs []domain.RTPCodecCapability, c domain.RTPCodecParameters) (domain.RTPCodecCapability, bool) {
	for _, rc := range routerCodecs {
		if domain.MatchesCodec(c.MimeType, c.ClockRate, c.Channels, rc) {
			return rc, true
		}
	}
	return domain.RTPCodecCapability{}, false
}

// selectProducerCodec picks the first media codec of the producer's
// parameters that the router supports. RTX and FEC entries are skipped.
func selectProducerCodec(
	kind domain.MediaKind,
	params domain.RTPParameters,
	routerCodecs []domain.RTPCodecCapability,
) (domain.RTPCodecParameters, domain.RTPCodecCapability, error) {
	for _, c := range params.Codecs {
		if domain.KindFromMimeType(c.MimeType) != kind || isAuxiliaryCodec(c.MimeType) {
			continue
		}
		if rc, ok := matchRouterCodec(routerCodecs, c); ok {
			return c, rc, nil
		}
	}
	return domain.RTPCodecParameters{}, domain.RTPCodecCapability{}, errUnsupportedCodec
}

func isAuxiliaryCodec(mimeType string) bool {
	switch strings.ToLower(mimeType[strings.IndexByte(mimeType, '/')+1:]) {
	case "rtx", "red", "ulpfec", "flexfec-03":
		return true
	}
	return false
}

// capabilitiesAllow reports whether caps can receive the router codec rc.
func capabilitiesAllow(caps domain.RTPCapabilities, rc domain.RTPCodecCapability) bool {
	for _, c := range caps.Codecs {
		if domain.MatchesCodec(c.MimeType, c.ClockRate, c.Channels, rc) {
			return true
		}
	}
	return false
}

func domainICEParameters(p webrtc.ICEParameters, lite bool) domain.ICEParameters {
	return domain.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          lite,
	}
}

func domainICECandidates(cands []webrtc.ICECandidate) []domain.ICECandidate {
	out := make([]domain.ICECandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, domain.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func pionICECandidates(cands []domain.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(cands))
	for _, c := range cands {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

// domainDTLSParameters reports the local side with role "auto"; the remote
// picks its role on connect.
func domainDTLSParameters(p webrtc.DTLSParameters) domain.DTLSParameters {
	fps := make([]domain.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, fp := range p.Fingerprints {
		fps = append(fps, domain.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return domain.DTLSParameters{Role: "auto", Fingerprints: fps}
}

func pionDTLSParameters(p domain.DTLSParameters) webrtc.DTLSParameters {
	role := webrtc.DTLSRoleAuto
	switch strings.ToLower(p.Role) {
	case "client":
		role = webrtc.DTLSRoleClient
	case "server":
		role = webrtc.DTLSRoleServer
	}
	fps := make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, fp := range p.Fingerprints {
		fps = append(fps, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return webrtc.DTLSParameters{Role: role, Fingerprints: fps}
}
