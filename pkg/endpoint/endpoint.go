// Package endpoint defines the addressable identity of a service instance.
package endpoint

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidEndpoint is returned when an endpoint is malformed or out of range.
var ErrInvalidEndpoint = errors.New("endpoint: invalid endpoint")

// Endpoint identifies a single service instance by host and optional port.
// Weight is an optional routing hint; zero means unset.
type Endpoint struct {
	// Host name or address. Required.
	Host string `yaml:"host" json:"host" toml:"host"`
	// Port number in [0, 65535]; zero means the endpoint carries no port.
	Port int `yaml:"port" json:"port,omitempty" toml:"port"`
	// Weight is a relative routing weight; zero means unset.
	Weight int `yaml:"weight" json:"weight,omitempty" toml:"weight"`
}

// New returns an endpoint for the given host and port.
func New(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// WithWeight returns a copy of the endpoint with the given weight.
func (e Endpoint) WithWeight(weight int) Endpoint {
	e.Weight = weight
	return e
}

// Local returns the endpoint of the local host, resolved via the OS hostname.
func Local(port int) (Endpoint, error) {
	host, err := os.Hostname()
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: resolve local hostname: %w", err)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Parse parses the textual forms "host", "host:port" and "host:port:weight".
// IPv6 hosts must be bracketed when a port is present, e.g. "[::1]:8080".
func Parse(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: empty input", ErrInvalidEndpoint)
	}

	var host, rest string
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return Endpoint{}, fmt.Errorf("%w: unterminated bracket in %q", ErrInvalidEndpoint, s)
		}
		host = s[1:end]
		rest = s[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return Endpoint{}, fmt.Errorf("%w: unexpected trailer in %q", ErrInvalidEndpoint, s)
			}
			rest = rest[1:]
		}
	} else {
		host, rest, _ = strings.Cut(s, ":")
	}

	e := Endpoint{Host: host}
	if rest != "" {
		portPart, weightPart, hasWeight := strings.Cut(rest, ":")
		port, err := strconv.Atoi(portPart)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: bad port in %q", ErrInvalidEndpoint, s)
		}
		e.Port = port
		if hasWeight {
			weight, err := strconv.Atoi(weightPart)
			if err != nil {
				return Endpoint{}, fmt.Errorf("%w: bad weight in %q", ErrInvalidEndpoint, s)
			}
			e.Weight = weight
		}
	}

	if err := e.Validate(); err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

// Validate reports whether the endpoint is well formed.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if strings.ContainsAny(e.Host, "/ []") {
		return fmt.Errorf("%w: host %q contains illegal characters", ErrInvalidEndpoint, e.Host)
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	if e.Weight < 0 {
		return fmt.Errorf("%w: negative weight %d", ErrInvalidEndpoint, e.Weight)
	}
	if e.Weight > 0 && e.Port == 0 {
		return fmt.Errorf("%w: weight requires a port", ErrInvalidEndpoint)
	}
	return nil
}

// HasPort reports whether the endpoint carries a port.
func (e Endpoint) HasPort() bool {
	return e.Port > 0
}

// String renders the endpoint in a form Parse accepts. IPv6 hosts are bracketed.
func (e Endpoint) String() string {
	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if e.Port == 0 {
		return host
	}
	s := host + ":" + strconv.Itoa(e.Port)
	if e.Weight > 0 {
		s += ":" + strconv.Itoa(e.Weight)
	}
	return s
}

// HostPort returns "host:port" suitable for net.Dial. The host is bracketed
// for IPv6. Port-less endpoints return just the host.
func (e Endpoint) HostPort() string {
	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if e.Port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(e.Port)
}

// Equal reports whether two endpoints are identical.
func (e Endpoint) Equal(other Endpoint) bool {
	return e == other
}
