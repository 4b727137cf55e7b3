// Package discovery consumes registration entries: a Group mirrors the set
// of endpoints registered under a path, and ResolverBuilder bridges that set
// into gRPC client connections.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dongjinleekr/armeria/pkg/codec"
	"github.com/dongjinleekr/armeria/pkg/coord"
	"github.com/dongjinleekr/armeria/pkg/endpoint"
	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// UpdateFunc receives the full endpoint set after a membership change.
type UpdateFunc func([]endpoint.Endpoint)

// Group mirrors the registrations under one path. Start seeds the set from
// the store and keeps it current through a watch; Endpoints returns the
// live snapshot at any time.
//
// The Group borrows its store: Stop ends the watch but leaves the store
// open for the caller.
type Group struct {
	store  coord.Client
	path   string
	prefix string
	codec  codec.NodeValueCodec
	log    *xlog.Logger

	mu        sync.RWMutex
	nodes     map[string]endpoint.Endpoint
	callbacks []UpdateFunc
	started   bool
	stopped   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// GroupOption customizes a Group.
type GroupOption func(*Group)

// WithCodec sets the codec used to decode node values.
func WithCodec(c codec.NodeValueCodec) GroupOption {
	return func(g *Group) {
		if c != nil {
			g.codec = c
		}
	}
}

// WithLogger routes the group's diagnostics to l.
func WithLogger(l *xlog.Logger) GroupOption {
	return func(g *Group) {
		if l != nil {
			g.log = l
		}
	}
}

// NewGroup creates a Group over the registrations at path. The store must
// already be usable; NewGroup does not connect it.
func NewGroup(store coord.Client, path string, opts ...GroupOption) *Group {
	path = strings.TrimSuffix(path, "/")
	g := &Group{
		store:  store,
		path:   path,
		prefix: path + "/",
		codec:  codec.Default,
		log:    xlog.Default(),
		nodes:  make(map[string]endpoint.Endpoint),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.WithAttrs("component", "discovery", "path", g.path)
	return g
}

// OnUpdate registers fn to run after every membership change, including the
// initial load performed by Start. Callbacks run on the watch goroutine and
// must not block. Register before Start.
func (g *Group) OnUpdate(fn UpdateFunc) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.callbacks = append(g.callbacks, fn)
	g.mu.Unlock()
}

// Start loads the current set and begins watching for changes. The ctx
// bounds the initial load only; the watch runs until Stop.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("discovery: group already started")
	}
	g.started = true
	g.mu.Unlock()

	if err := g.reload(ctx); err != nil {
		return fmt.Errorf("discovery: initial load: %w", err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	ch := g.store.Watch(wctx, g.prefix)

	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	go g.run(ch)

	g.notify()
	return nil
}

// Endpoints returns the current endpoint set, sorted.
func (g *Group) Endpoints() []endpoint.Endpoint {
	g.mu.RLock()
	eps := make([]endpoint.Endpoint, 0, len(g.nodes))
	for _, ep := range g.nodes {
		eps = append(eps, ep)
	}
	g.mu.RUnlock()

	sort.Slice(eps, func(i, j int) bool { return eps[i].String() < eps[j].String() })
	return eps
}

// Len returns the number of known endpoints.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Stop ends the watch and waits for the watch goroutine to exit. The store
// stays open. Idempotent.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	cancel, started := g.cancel, g.started
	g.mu.Unlock()

	if !started || cancel == nil {
		return
	}
	cancel()
	<-g.done
	g.log.Info("discovery group stopped")
}

// reload replaces the whole set from a fresh listing.
func (g *Group) reload(ctx context.Context) error {
	kvs, err := g.store.List(ctx, g.prefix)
	if err != nil {
		return err
	}

	nodes := make(map[string]endpoint.Endpoint, len(kvs))
	for _, kv := range kvs {
		ep, err := g.codec.Decode(kv.Value)
		if err != nil {
			g.log.Warn("skipping malformed registration", "key", kv.Key, "error", err)
			continue
		}
		nodes[kv.Key] = ep
	}

	g.mu.Lock()
	g.nodes = nodes
	g.mu.Unlock()
	return nil
}

// run applies watch events until the channel closes.
func (g *Group) run(ch <-chan coord.Event) {
	defer close(g.done)
	for ev := range ch {
		if g.apply(ev) {
			g.notify()
		}
	}
}

// apply folds one event into the set and reports whether it changed.
func (g *Group) apply(ev coord.Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch ev.Type {
	case coord.EventPut:
		ep, err := g.codec.Decode(ev.Value)
		if err != nil {
			g.log.Warn("skipping malformed registration", "key", ev.Key, "error", err)
			return false
		}
		if prev, ok := g.nodes[ev.Key]; ok && prev.Equal(ep) {
			return false
		}
		g.nodes[ev.Key] = ep
		g.log.Info("endpoint joined", "key", ev.Key, "endpoint", ep.String())
		return true

	case coord.EventDelete:
		ep, ok := g.nodes[ev.Key]
		if !ok {
			return false
		}
		delete(g.nodes, ev.Key)
		g.log.Info("endpoint left", "key", ev.Key, "endpoint", ep.String())
		return true

	default:
		return false
	}
}

// notify fans the current snapshot out to the callbacks, outside the lock.
func (g *Group) notify() {
	eps := g.Endpoints()

	g.mu.RLock()
	callbacks := make([]UpdateFunc, len(g.callbacks))
	copy(callbacks, g.callbacks)
	g.mu.RUnlock()

	for _, fn := range callbacks {
		fn(eps)
	}
}
