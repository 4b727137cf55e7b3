package codec

import (
	"encoding/json"
	"fmt"

	"github.com/dongjinleekr/armeria/pkg/endpoint"
)

// JSON stores the endpoint as a JSON object, e.g.
// {"host":"web-1","port":8080,"weight":500}.
type JSON struct{}

// Encode marshals the endpoint to JSON.
func (JSON) Encode(e endpoint.Endpoint) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode unmarshals a JSON node value.
func (JSON) Decode(data []byte) (endpoint.Endpoint, error) {
	if len(data) == 0 {
		return endpoint.Endpoint{}, fmt.Errorf("%w: empty value", ErrDecode)
	}
	var e endpoint.Endpoint
	if err := json.Unmarshal(data, &e); err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := e.Validate(); err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return e, nil
}
