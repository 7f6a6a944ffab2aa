package protocol

import (
	"fmt"

	"github.com/titanous/json5"
)

// Decode parses an inbound frame into its concrete request type. A frame
// that does not parse, or that lacks a string type tag, is a protocol
// error; a frame with an unrecognized tag decodes to Unknown.
func Decode(message []byte) (interface{}, error) {
	m := make(map[string]interface{})
	if err := json5.Unmarshal(message, &m); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	t, ok := m["type"].(string)
	if !ok {
		return nil, fmt.Errorf("message has no type tag")
	}

	var r interface{}
	var err error
	switch t {
	case TypeGetRouterRtpCapabilities:
		r = GetRouterRtpCapabilities{}
	case TypeCreateProducerTransport:
		s := CreateProducerTransport{}
		err = json5.Unmarshal(message, &s)
		r = s
	case TypeConnectProducerTransport:
		s := ConnectProducerTransport{}
		err = json5.Unmarshal(message, &s)
		r = s
	case TypeProduce:
		s := Produce{}
		err = json5.Unmarshal(message, &s)
		r = s
	case TypeCreateConsumerTransport:
		s := CreateConsumerTransport{}
		err = json5.Unmarshal(message, &s)
		r = s
	case TypeConnectConsumerTransport:
		s := ConnectConsumerTransport{}
		err = json5.Unmarshal(message, &s)
		r = s
	case TypeConsume:
		s := Consume{}
		err = json5.Unmarshal(message, &s)
		r = s
	case TypeResume:
		r = Resume{}
	default:
		r = Unknown{Type: t}
	}

	if err != nil {
		return nil, fmt.Errorf("malformed %s message: %w", t, err)
	}
	return r, nil
}
