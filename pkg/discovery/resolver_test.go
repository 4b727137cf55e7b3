package discovery

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	grpcresolver "google.golang.org/grpc/resolver"
)

// fakeClientConn records state pushes. The embedded interface covers the
// methods the resolver never calls.
type fakeClientConn struct {
	grpcresolver.ClientConn

	mu     sync.Mutex
	states []grpcresolver.State
}

func (c *fakeClientConn) UpdateState(s grpcresolver.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, s)
	return nil
}

func (c *fakeClientConn) pushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func (c *fakeClientConn) lastAddrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.states) == 0 {
		return nil
	}
	last := c.states[len(c.states)-1]
	addrs := make([]string, len(last.Addresses))
	for i, a := range last.Addresses {
		addrs[i] = a.Addr
	}
	return addrs
}

func target(path string) grpcresolver.Target {
	return grpcresolver.Target{URL: url.URL{Scheme: Scheme, Path: path}}
}

func TestResolverScheme(t *testing.T) {
	b := NewResolverBuilder(seedMock(t, nil))
	if b.Scheme() != "armeria" {
		t.Fatalf("Scheme() = %q, want %q", b.Scheme(), "armeria")
	}
}

func TestResolverRejectsEmptyTarget(t *testing.T) {
	b := NewResolverBuilder(seedMock(t, nil))
	if _, err := b.Build(target("/"), &fakeClientConn{}, grpcresolver.BuildOptions{}); err == nil {
		t.Fatal("Build with empty path succeeded, want error")
	}
}

func TestResolverPushesInitialState(t *testing.T) {
	m := seedMock(t, map[string]string{
		"/svc/a": "10.0.0.1:8080",
		"/svc/b": "10.0.0.2:9090",
	})

	cc := &fakeClientConn{}
	b := NewResolverBuilder(m)
	r, err := b.Build(target("/svc"), cc, grpcresolver.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer r.Close()

	got := cc.lastAddrs()
	want := []string{"10.0.0.1:8080", "10.0.0.2:9090"}
	if len(got) != len(want) {
		t.Fatalf("addresses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("addresses[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolverTracksMembership(t *testing.T) {
	m := seedMock(t, map[string]string{"/svc/a": "10.0.0.1:8080"})

	cc := &fakeClientConn{}
	b := NewResolverBuilder(m)
	r, err := b.Build(target("/svc"), cc, grpcresolver.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer r.Close()

	if err := m.PutEphemeral(context.Background(), "/svc/b", []byte("10.0.0.2:9090")); err != nil {
		t.Fatalf("PutEphemeral: %v", err)
	}
	waitFor(t, time.Second, "membership push", func() bool {
		addrs := cc.lastAddrs()
		return len(addrs) == 2
	})

	if err := m.Delete(context.Background(), "/svc/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitFor(t, time.Second, "removal push", func() bool {
		addrs := cc.lastAddrs()
		return len(addrs) == 1 && addrs[0] == "10.0.0.2:9090"
	})
}

func TestResolverResolveNow(t *testing.T) {
	m := seedMock(t, map[string]string{"/svc/a": "10.0.0.1:8080"})

	cc := &fakeClientConn{}
	b := NewResolverBuilder(m)
	r, err := b.Build(target("/svc"), cc, grpcresolver.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer r.Close()

	before := cc.pushes()
	r.ResolveNow(grpcresolver.ResolveNowOptions{})

	if cc.pushes() != before+1 {
		t.Fatalf("pushes = %d, want %d", cc.pushes(), before+1)
	}
	addrs := cc.lastAddrs()
	if len(addrs) != 1 || addrs[0] != "10.0.0.1:8080" {
		t.Fatalf("addresses = %v, want [10.0.0.1:8080]", addrs)
	}
}
