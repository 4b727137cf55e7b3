// Package registry registers a service endpoint in a coordination store
// and keeps that registration alive for the lifetime of the process.
//
// A ListenerBuilder assembles an immutable configuration and produces a
// Listener. Wired into the host's lifecycle hooks, the listener creates an
// ephemeral entry under the configured path on startup and removes it on
// shutdown; if the process dies instead, the entry lapses with its session.
package registry

import (
	"fmt"
	"math"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dongjinleekr/armeria/pkg/codec"
	"github.com/dongjinleekr/armeria/pkg/coord"
	"github.com/dongjinleekr/armeria/pkg/endpoint"
	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// Defaults applied by the builder in connection-string mode.
const (
	DefaultConnectTimeout = time.Second
	DefaultSessionTimeout = 10 * time.Second
)

// maxTimeoutMillis caps the millisecond setters at the largest count still
// representable as a duration.
const maxTimeoutMillis = int64(math.MaxInt64 / int64(time.Millisecond))

// MetricsRecorder observes the registration lifecycle on top of the
// per-operation recording of coord.Recorder. *metrics.RegistryMetrics
// satisfies it.
type MetricsRecorder interface {
	coord.Recorder
	RecordRegistration(err error)
	RecordDeregistration(err error)
	RecordSessionExpiry()
}

// builderMode tags which construction mode a builder is in.
type builderMode int

const (
	modeConnectString builderMode = iota
	modeExternalClient
	modeExternalStore
)

// ListenerBuilder assembles a Listener. Violations in the constructor or
// any setter are recorded and surface from Build, so call sites can chain
// setters without checking each step.
type ListenerBuilder struct {
	mode builderMode

	connectString string
	etcdClient    *clientv3.Client
	store         coord.Client

	path           string
	connectTimeout time.Duration
	sessionTimeout time.Duration

	endpoint   *endpoint.Endpoint
	instanceID string
	codec      codec.NodeValueCodec
	log        *xlog.Logger
	rec        MetricsRecorder
	reregister bool

	err error
}

// NewListenerBuilder configures registration against the cluster reachable
// through connectString, e.g. "etcd1:2379,etcd2:2379". The listener creates
// and owns the coordination client; Stop closes it.
func NewListenerBuilder(connectString, path string) *ListenerBuilder {
	b := newListenerBuilder(modeConnectString, path)
	b.connectString = connectString
	if strings.TrimSpace(connectString) == "" {
		b.fail(fmt.Errorf("%w: connectString is empty", ErrInvalidArgument))
	}
	return b
}

// NewListenerBuilderWithClient configures registration over an existing
// etcd client. The connection stays with the caller: Stop ends the
// listener's session but leaves cli open, and the timeout setters are
// rejected because the connection is not the listener's to configure.
func NewListenerBuilderWithClient(cli *clientv3.Client, path string) *ListenerBuilder {
	b := newListenerBuilder(modeExternalClient, path)
	b.etcdClient = cli
	if cli == nil {
		b.fail(fmt.Errorf("%w: cli is nil", ErrInvalidArgument))
	}
	return b
}

// NewListenerBuilderFromStore configures registration over any
// coordination store implementation. The store stays with the caller:
// the listener never closes it, and the timeout setters are rejected.
func NewListenerBuilderFromStore(store coord.Client, path string) *ListenerBuilder {
	b := newListenerBuilder(modeExternalStore, path)
	b.store = store
	if store == nil {
		b.fail(fmt.Errorf("%w: store is nil", ErrInvalidArgument))
	}
	return b
}

func newListenerBuilder(mode builderMode, path string) *ListenerBuilder {
	b := &ListenerBuilder{
		mode:           mode,
		path:           path,
		connectTimeout: DefaultConnectTimeout,
		sessionTimeout: DefaultSessionTimeout,
		codec:          codec.Default,
		log:            xlog.Default(),
	}
	if path == "" {
		b.fail(fmt.Errorf("%w: path is empty", ErrInvalidArgument))
	}
	return b
}

// fail records the first violation; later ones are dropped so Build reports
// the root cause.
func (b *ListenerBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// timeoutsMutable rejects timeout setters outside connection-string mode,
// where the connection is not the listener's to configure.
func (b *ListenerBuilder) timeoutsMutable(setter string) bool {
	if b.mode == modeConnectString {
		return true
	}
	b.fail(fmt.Errorf("%w: %s: timeout configuration requires internally managed client",
		ErrInvalidState, setter))
	return false
}

// ConnectTimeout bounds how long Start waits for a session. d must be
// positive. Only valid in connection-string mode.
func (b *ListenerBuilder) ConnectTimeout(d time.Duration) *ListenerBuilder {
	if !b.timeoutsMutable("ConnectTimeout") {
		return b
	}
	if d <= 0 {
		b.fail(fmt.Errorf("%w: connect timeout must be positive: %v", ErrInvalidArgument, d))
		return b
	}
	b.connectTimeout = d
	return b
}

// ConnectTimeoutMillis is ConnectTimeout taking a millisecond count.
func (b *ListenerBuilder) ConnectTimeoutMillis(ms int64) *ListenerBuilder {
	if !b.timeoutsMutable("ConnectTimeoutMillis") {
		return b
	}
	if ms <= 0 {
		b.fail(fmt.Errorf("%w: connect timeout must be positive: %dms", ErrInvalidArgument, ms))
		return b
	}
	if ms > maxTimeoutMillis {
		ms = maxTimeoutMillis
	}
	b.connectTimeout = time.Duration(ms) * time.Millisecond
	return b
}

// SessionTimeout sets the session lifetime backing the ephemeral entry:
// after this long without keepalives the store drops the registration. d
// must be positive. Only valid in connection-string mode.
func (b *ListenerBuilder) SessionTimeout(d time.Duration) *ListenerBuilder {
	if !b.timeoutsMutable("SessionTimeout") {
		return b
	}
	if d <= 0 {
		b.fail(fmt.Errorf("%w: session timeout must be positive: %v", ErrInvalidArgument, d))
		return b
	}
	b.sessionTimeout = d
	return b
}

// SessionTimeoutMillis is SessionTimeout taking a millisecond count.
func (b *ListenerBuilder) SessionTimeoutMillis(ms int64) *ListenerBuilder {
	if !b.timeoutsMutable("SessionTimeoutMillis") {
		return b
	}
	if ms <= 0 {
		b.fail(fmt.Errorf("%w: session timeout must be positive: %dms", ErrInvalidArgument, ms))
		return b
	}
	if ms > maxTimeoutMillis {
		ms = maxTimeoutMillis
	}
	b.sessionTimeout = time.Duration(ms) * time.Millisecond
	return b
}

// Endpoint sets the endpoint to register. Without it the listener registers
// the local host identity resolved at start time.
func (b *ListenerBuilder) Endpoint(ep endpoint.Endpoint) *ListenerBuilder {
	if err := ep.Validate(); err != nil {
		b.fail(fmt.Errorf("%w: endpoint: %v", ErrInvalidArgument, err))
		return b
	}
	b.endpoint = &ep
	return b
}

// InstanceID names the entry under the registration path. Default is the
// registered endpoint's text form.
func (b *ListenerBuilder) InstanceID(id string) *ListenerBuilder {
	if id == "" || strings.ContainsRune(id, '/') {
		b.fail(fmt.Errorf("%w: instance id must be non-empty without '/': %q", ErrInvalidArgument, id))
		return b
	}
	b.instanceID = id
	return b
}

// Codec selects how the endpoint payload is written.
func (b *ListenerBuilder) Codec(c codec.NodeValueCodec) *ListenerBuilder {
	if c == nil {
		b.fail(fmt.Errorf("%w: codec is nil", ErrInvalidArgument))
		return b
	}
	b.codec = c
	return b
}

// Logger routes the listener's diagnostics to l.
func (b *ListenerBuilder) Logger(l *xlog.Logger) *ListenerBuilder {
	if l == nil {
		b.fail(fmt.Errorf("%w: logger is nil", ErrInvalidArgument))
		return b
	}
	b.log = l
	return b
}

// Metrics attaches a recorder observing registrations and store traffic.
func (b *ListenerBuilder) Metrics(rec MetricsRecorder) *ListenerBuilder {
	if rec == nil {
		b.fail(fmt.Errorf("%w: recorder is nil", ErrInvalidArgument))
		return b
	}
	b.rec = rec
	return b
}

// ReregisterOnExpiry re-creates the entry after the store drops the
// session. Off by default: an expired registration then stays gone until
// the process restarts.
func (b *ListenerBuilder) ReregisterOnExpiry(enable bool) *ListenerBuilder {
	b.reregister = enable
	return b
}

// Build validates the assembled configuration and returns the listener.
// The first violation recorded by the constructor or any setter is
// returned here. In connection-string mode the coordination client is
// created now, but no network traffic happens until Start.
func (b *ListenerBuilder) Build() (*Listener, error) {
	if b.err != nil {
		return nil, b.err
	}

	store := b.store
	closeStore := false
	switch b.mode {
	case modeConnectString:
		s, err := coord.NewEtcd(coord.EtcdConfig{
			Endpoints:      coord.ParseEndpoints(b.connectString),
			ConnectTimeout: b.connectTimeout,
			SessionTimeout: b.sessionTimeout,
		}, coord.WithLogger(b.log))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		store = s
		closeStore = true
	case modeExternalClient:
		// The wrapper holds only the listener's session; closing it leaves
		// the caller's connection open.
		store = coord.WrapEtcd(b.etcdClient,
			coord.WithLogger(b.log), coord.WithSessionTimeout(b.sessionTimeout))
		closeStore = true
	}

	if b.rec != nil {
		store = coord.NewInstrumented(store, b.rec)
	}

	return &Listener{
		store:          store,
		closeStore:     closeStore,
		path:           strings.TrimSuffix(b.path, "/"),
		connectTimeout: b.connectTimeout,
		sessionTimeout: b.sessionTimeout,
		endpoint:       b.endpoint,
		instanceID:     b.instanceID,
		codec:          b.codec,
		log:            b.log,
		rec:            b.rec,
		reregister:     b.reregister,
		baseBackoff:    time.Second,
	}, nil
}
