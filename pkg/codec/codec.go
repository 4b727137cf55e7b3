// Package codec converts endpoints to and from registration node values.
package codec

import (
	"errors"
	"fmt"

	"github.com/dongjinleekr/armeria/pkg/endpoint"
)

// ErrDecode is returned when a node value cannot be decoded into an endpoint.
var ErrDecode = errors.New("codec: malformed node value")

// NodeValueCodec converts an endpoint to and from the byte payload stored in a
// registration node. Implementations must be symmetric: decoding an encoded
// endpoint yields the original endpoint.
type NodeValueCodec interface {
	Encode(e endpoint.Endpoint) ([]byte, error)
	Decode(data []byte) (endpoint.Endpoint, error)
}

// Default is the codec used when none is configured.
var Default NodeValueCodec = Text{}

// ForName returns the codec registered under the given name,
// currently "text" or "json".
func ForName(name string) (NodeValueCodec, error) {
	switch name {
	case "text":
		return Text{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Text stores the endpoint in its textual form: "host", "host:port" or
// "host:port:weight", with IPv6 hosts bracketed.
type Text struct{}

// Encode renders the endpoint as text.
func (Text) Encode(e endpoint.Endpoint) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return []byte(e.String()), nil
}

// Decode parses a textual node value.
func (Text) Decode(data []byte) (endpoint.Endpoint, error) {
	if len(data) == 0 {
		return endpoint.Endpoint{}, fmt.Errorf("%w: empty value", ErrDecode)
	}
	e, err := endpoint.Parse(string(data))
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return e, nil
}
