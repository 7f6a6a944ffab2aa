// Package engine adapts the media engine to the signaling layer. The
// engine itself (ICE/DTLS/SRTP termination, RTP routing) sits behind the
// Driver interface; the rest of the process only ever sees the capability
// objects defined here: Router, WebRtcTransport, PlainTransport, Producer
// and Consumer.
package engine

import (
	"context"
	"errors"

	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/pion/webrtc/v3"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrTransportNotConnected = errors.New("transport is not connected")
	ErrTransportClosed       = errors.New("transport is closed")
	ErrAlreadyConnected      = errors.New("transport is already connected")
	ErrCannotConsume         = errors.New("incompatible rtp capabilities")
	ErrInvalidParameters     = errors.New("invalid rtp parameters")
)

type TransportState int32

const (
	TransportCreated TransportState = iota
	TransportConnecting
	TransportConnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportCreated:
		return "created"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the transport can no longer be used.
func (s TransportState) Terminal() bool {
	return s == TransportFailed || s == TransportClosed
}

// Driver creates routers. It is the process boundary toward the actual
// media engine implementation.
type Driver interface {
	NewRouter(cfg config.Engine) (Router, error)
}

// Router is one media-routing domain with a fixed codec capability set.
// Routers are shared read-only across sessions and never destroyed while
// the process runs.
type Router interface {
	RtpCapabilities() RTPCapabilities
	CreateWebRtcTransport(ctx context.Context) (WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context, port int) (PlainTransport, error)
	CanConsume(producer Producer, caps RTPCapabilities) bool
}

// WebRtcTransport is a negotiated ICE+DTLS endpoint. It starts out in the
// created state and accepts producers/consumers only once Connect has
// completed. Failed transports are force-closed; there is no retry.
type WebRtcTransport interface {
	Id() string
	State() TransportState
	ConnectionParameters() ConnectionParameters
	Connect(ctx context.Context, dtls webrtc.DTLSParameters) error
	Produce(ctx context.Context, kind Kind, params RTPParameters) (Producer, error)
	Consume(ctx context.Context, producer Producer, caps RTPCapabilities) (Consumer, error)
	Close()
}

// PlainTransport is a non-ICE UDP endpoint used server-side to tap a
// producer's RTP for local processing.
type PlainTransport interface {
	Id() string
	Tuple() TransportTuple
	Connect(ctx context.Context, ip string, port int) error
	Consume(ctx context.Context, producer Producer) (Consumer, error)
	Close()
}

// Producer is a media-sending endpoint bound to a connected transport.
type Producer interface {
	Id() string
	Kind() Kind
	RtpParameters() RTPParameters
	Closed() bool
	Close()
	OnClose(fn func())
}

// Consumer delivers one producer's media to one recipient. Video
// consumers are born paused and must be resumed explicitly.
type Consumer interface {
	Id() string
	Kind() Kind
	ProducerId() string
	RtpParameters() RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
	Close()
}
