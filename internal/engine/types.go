package engine

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// Kind is the media kind carried by a producer or consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// RTPCodec describes one negotiated codec entry. MimeType follows the
// "audio/opus" / "video/VP8" convention.
type RTPCodec struct {
	MimeType     string                 `json:"mimeType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	PayloadType  uint8                  `json:"payloadType,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback []string               `json:"rtcpFeedback,omitempty"`
}

func (c RTPCodec) Kind() Kind {
	switch {
	case strings.HasPrefix(strings.ToLower(c.MimeType), "audio/"):
		return KindAudio
	case strings.HasPrefix(strings.ToLower(c.MimeType), "video/"):
		return KindVideo
	}
	return ""
}

// Matches reports whether two codec entries describe the same codec,
// payload type aside. Payload types are transport-local and may differ
// between a producer and the consumers tapping it.
func (c RTPCodec) Matches(o RTPCodec) bool {
	if !strings.EqualFold(c.MimeType, o.MimeType) {
		return false
	}
	if c.ClockRate != o.ClockRate {
		return false
	}
	if c.Kind() == KindAudio && c.Channels != 0 && o.Channels != 0 && c.Channels != o.Channels {
		return false
	}
	return true
}

// RTPCapabilities is the codec set a router or a client can handle.
type RTPCapabilities struct {
	Codecs []RTPCodec `json:"codecs"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
}

// RTPParameters are the negotiated send/receive parameters of a producer
// or consumer. Immutable once the producer exists.
type RTPParameters struct {
	MID       string        `json:"mid,omitempty"`
	Codecs    []RTPCodec    `json:"codecs"`
	Encodings []RTPEncoding `json:"encodings,omitempty"`
}

// TransportTuple is the local endpoint a plain transport is bound to.
type TransportTuple struct {
	LocalIP   string `json:"localIp"`
	LocalPort int    `json:"localPort"`
	Protocol  string `json:"protocol"`
}

// ConnectionParameters carry everything a client needs to connect a
// WebRTC transport: transport id, ICE credentials and candidates, and
// the DTLS fingerprints of the server certificate.
type ConnectionParameters struct {
	Id             string                 `json:"id"`
	IceParameters  webrtc.ICEParameters  `json:"iceParameters"`
	IceCandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DtlsParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}
