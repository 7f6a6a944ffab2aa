// Package protocol defines the tagged JSON message surface spoken over
// the signaling websocket. Every inbound frame is `{type: string, ...}`;
// every outbound frame is `{type: string, data: {...}}`.
package protocol

import (
	"github.com/ReesavGupta/peer-link/internal/engine"
	"github.com/pion/webrtc/v3"
)

// Request type tags (client -> server).
const (
	TypeGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	TypeCreateProducerTransport  = "createProducerTransport"
	TypeConnectProducerTransport = "connectProducerTransport"
	TypeProduce                  = "produce"
	TypeCreateConsumerTransport  = "createConsumerTransport"
	TypeConnectConsumerTransport = "connectConsumerTransport"
	TypeConsume                  = "consume"
	TypeResume                   = "resume"
)

// Response type tags (server -> client).
const (
	TypeRouterCapabilities         = "routerCapabilities"
	TypeProducerTransportCreated   = "producerTransportCreated"
	TypeProducerTransportConnected = "producerTransportConnected"
	TypeProduced                   = "produced"
	TypeNewProducer                = "newProducer"
	TypeSubTransportCreated        = "subTransportCreated"
	TypeSubConnected               = "subConnected"
	TypeSubscribed                 = "subscribed"
	TypeResumed                    = "resumed"
	TypeError                      = "error"
)

type GetRouterRtpCapabilities struct{}

type CreateProducerTransport struct {
	ForceTcp        bool                   `json:"forceTcp,omitempty"`
	RtpCapabilities engine.RTPCapabilities `json:"routerRtpCapabilities,omitempty"`
}

type ConnectProducerTransport struct {
	DtlsParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type Produce struct {
	TransportId   string               `json:"transportId"`
	Kind          string               `json:"kind"`
	RtpParameters engine.RTPParameters `json:"rtpParameters"`
}

type CreateConsumerTransport struct {
	ForceTcp bool `json:"forceTcp,omitempty"`
}

type ConnectConsumerTransport struct {
	TransportId    string                `json:"transportId,omitempty"`
	DtlsParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type Consume struct {
	// ProducerId is optional; when absent the latest announced producer
	// is consumed.
	ProducerId      string                 `json:"producerId,omitempty"`
	RtpCapabilities engine.RTPCapabilities `json:"rtpCapabilities"`
}

type Resume struct{}

// Unknown is returned by Decode for well-formed frames whose type tag is
// not part of the protocol. The gateway logs and ignores them.
type Unknown struct {
	Type string
}

// Response wraps outbound payloads in the `{type, data}` envelope.
type Response struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type SubscribedData struct {
	ProducerId     string               `json:"producerId"`
	Id             string               `json:"id"`
	Kind           string               `json:"kind"`
	RtpParameters  engine.RTPParameters `json:"rtpParameters"`
	Type           string               `json:"type"`
	Paused         bool                 `json:"paused"`
	ProducerPaused bool                 `json:"producerPaused"`
}

type ackData struct {
	Success bool `json:"success"`
}

type errorData struct {
	Message string `json:"message"`
}

func RouterCapabilities(caps engine.RTPCapabilities) Response {
	return Response{Type: TypeRouterCapabilities, Data: caps}
}

func ProducerTransportCreated(params engine.ConnectionParameters) Response {
	return Response{Type: TypeProducerTransportCreated, Data: params}
}

func ProducerTransportConnected() Response {
	return Response{Type: TypeProducerTransportConnected, Data: ackData{Success: true}}
}

func Produced(producerId string) Response {
	return Response{Type: TypeProduced, Data: struct {
		Id string `json:"id"`
	}{Id: producerId}}
}

func NewProducer(producerId string) Response {
	return Response{Type: TypeNewProducer, Data: struct {
		ProducerId string `json:"producerId"`
	}{ProducerId: producerId}}
}

func SubTransportCreated(params engine.ConnectionParameters) Response {
	return Response{Type: TypeSubTransportCreated, Data: params}
}

func SubConnected() Response {
	return Response{Type: TypeSubConnected, Data: ackData{Success: true}}
}

func Subscribed(d SubscribedData) Response {
	return Response{Type: TypeSubscribed, Data: d}
}

func Resumed() Response {
	return Response{Type: TypeResumed, Data: ackData{Success: true}}
}

func Error(message string) Response {
	return Response{Type: TypeError, Data: errorData{Message: message}}
}
