package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	grpcresolver "google.golang.org/grpc/resolver"

	"github.com/dongjinleekr/armeria/pkg/coord"
	"github.com/dongjinleekr/armeria/pkg/endpoint"
	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// Scheme is the gRPC resolver scheme served by ResolverBuilder. Targets
// take the form "armeria:///<path>", where path is the registration path
// the services announce themselves under.
const Scheme = "armeria"

// resolveTimeout bounds the listing triggered by ResolveNow.
const resolveTimeout = 3 * time.Second

// ResolverBuilder implements gRPC's resolver.Builder over a coordination
// store. Every target built from it shares the one store handle, which
// stays with the caller: closing a resolver stops its watch only.
type ResolverBuilder struct {
	store coord.Client
	opts  []GroupOption
	log   *xlog.Logger
}

var _ grpcresolver.Builder = (*ResolverBuilder)(nil)

// NewResolverBuilder creates a builder resolving targets through store.
// The options are applied to the Group backing each target.
func NewResolverBuilder(store coord.Client, opts ...GroupOption) *ResolverBuilder {
	return &ResolverBuilder{
		store: store,
		opts:  opts,
		log:   xlog.Default(),
	}
}

// RegisterResolver installs b as the process-wide builder for the
// "armeria" scheme. To scope the builder to a single connection, pass it
// to grpc.WithResolvers instead.
func RegisterResolver(b *ResolverBuilder) {
	grpcresolver.Register(b)
}

// Scheme returns the scheme used in gRPC target URLs.
func (b *ResolverBuilder) Scheme() string {
	return Scheme
}

// Build starts a Group for the target path and feeds its membership into
// cc. The initial endpoint set is pushed before Build returns.
func (b *ResolverBuilder) Build(target grpcresolver.Target, cc grpcresolver.ClientConn, _ grpcresolver.BuildOptions) (grpcresolver.Resolver, error) {
	path := strings.TrimPrefix(target.Endpoint(), "/")
	if path == "" {
		return nil, fmt.Errorf("discovery: target %q has no registration path", target.URL.String())
	}

	g := NewGroup(b.store, "/"+path, b.opts...)
	r := &groupResolver{group: g, cc: cc, log: g.log}
	g.OnUpdate(r.push)

	if err := g.Start(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// groupResolver adapts a Group to gRPC's resolver.Resolver.
type groupResolver struct {
	group *Group
	cc    grpcresolver.ClientConn
	log   *xlog.Logger
}

var _ grpcresolver.Resolver = (*groupResolver)(nil)

// push hands the endpoint set to the gRPC connection.
func (r *groupResolver) push(eps []endpoint.Endpoint) {
	addrs := make([]grpcresolver.Address, 0, len(eps))
	for _, ep := range eps {
		addrs = append(addrs, grpcresolver.Address{Addr: ep.HostPort(), Metadata: ep})
	}
	if len(addrs) == 0 {
		r.log.Warn("no endpoints registered")
	}
	r.cc.UpdateState(grpcresolver.State{Addresses: addrs})
}

// ResolveNow refreshes the set from a fresh listing. The watch keeps the
// set current in the common case, so failures here only defer updates.
func (r *groupResolver) ResolveNow(grpcresolver.ResolveNowOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	if err := r.group.reload(ctx); err != nil {
		r.log.Error("resolve now failed", "error", err)
		return
	}
	r.group.notify()
}

// Close stops the underlying Group. The shared store stays open.
func (r *groupResolver) Close() {
	r.group.Stop()
	r.log.Info("resolver closed")
}
