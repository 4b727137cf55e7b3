package registry

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dongjinleekr/armeria/pkg/codec"
	"github.com/dongjinleekr/armeria/pkg/coord"
	"github.com/dongjinleekr/armeria/pkg/endpoint"
)

// fakeRecorder captures lifecycle and store-operation recordings.
type fakeRecorder struct {
	mu              sync.Mutex
	registrations   []error
	deregistrations []error
	expiries        int
	ops             []string
}

func (r *fakeRecorder) RecordOperation(op string, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *fakeRecorder) RecordRegistration(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = append(r.registrations, err)
}

func (r *fakeRecorder) RecordDeregistration(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistrations = append(r.deregistrations, err)
}

func (r *fakeRecorder) RecordSessionExpiry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiries++
}

func (r *fakeRecorder) expiryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiries
}

func (r *fakeRecorder) opSeen(op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.ops {
		if o == op {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func buildListener(t *testing.T, mock *coord.Mock, opts func(*ListenerBuilder) *ListenerBuilder) *Listener {
	t.Helper()
	b := NewListenerBuilderFromStore(mock, "/svc")
	if opts != nil {
		b = opts(b)
	}
	l, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return l
}

func TestStartRegistersEndpoint(t *testing.T) {
	mock := coord.NewMock()
	ep := endpoint.New("10.0.0.1", 8080).WithWeight(2)
	l := buildListener(t, mock, func(b *ListenerBuilder) *ListenerBuilder {
		return b.Endpoint(ep)
	})

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop(context.Background())

	if l.State() != StateRegistered {
		t.Fatalf("State() = %v, want %v", l.State(), StateRegistered)
	}
	wantKey := "/svc/10.0.0.1:8080:2"
	if l.Key() != wantKey {
		t.Errorf("Key() = %q, want %q", l.Key(), wantKey)
	}

	kv, err := mock.Get(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", wantKey, err)
	}
	got, err := codec.Default.Decode(kv.Value)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !got.Equal(ep) {
		t.Errorf("stored endpoint = %v, want %v", got, ep)
	}
}

func TestStartLocalIdentityFallback(t *testing.T) {
	mock := coord.NewMock()
	l := buildListener(t, mock, nil)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop(context.Background())

	got, ok := l.RegisteredEndpoint()
	if !ok {
		t.Fatal("RegisteredEndpoint() not available after Start")
	}
	hostname, err := os.Hostname()
	if err != nil {
		t.Fatalf("os.Hostname() error = %v", err)
	}
	if got.Host != hostname {
		t.Errorf("registered host = %q, want local hostname %q", got.Host, hostname)
	}
	if l.Key() != "/svc/"+got.String() {
		t.Errorf("Key() = %q, want %q", l.Key(), "/svc/"+got.String())
	}
}

func TestStartConnectTimeout(t *testing.T) {
	mock := coord.NewMock()
	mock.ConnectDelay = 500 * time.Millisecond
	l := buildListener(t, mock, nil)
	l.connectTimeout = 50 * time.Millisecond

	err := l.Start(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Start() error = %v, want %v", err, ErrConnectTimeout)
	}
	if l.State() != StateStopped {
		t.Errorf("State() = %v, want %v", l.State(), StateStopped)
	}
	if mock.PutCount() != 0 {
		t.Errorf("PutCount() = %d, want no entry attempts", mock.PutCount())
	}
	if mock.CloseCount() != 0 {
		t.Errorf("CloseCount() = %d, borrowed store must stay open", mock.CloseCount())
	}
}

func TestStartKeyConflict(t *testing.T) {
	mock := coord.NewMock()
	if err := mock.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := mock.PutEphemeral(context.Background(), "/svc/dup", []byte("other")); err != nil {
		t.Fatalf("PutEphemeral() error = %v", err)
	}

	l := buildListener(t, mock, func(b *ListenerBuilder) *ListenerBuilder {
		return b.Endpoint(endpoint.New("10.0.0.1", 8080)).InstanceID("dup")
	})
	err := l.Start(context.Background())
	if !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("Start() error = %v, want %v", err, ErrRegistrationFailed)
	}
	if l.State() != StateStopped {
		t.Errorf("State() = %v, want %v", l.State(), StateStopped)
	}
}

func TestStopRemovesEntry(t *testing.T) {
	mock := coord.NewMock()
	rec := &fakeRecorder{}
	l := buildListener(t, mock, func(b *ListenerBuilder) *ListenerBuilder {
		return b.Endpoint(endpoint.New("10.0.0.1", 8080)).Metrics(rec)
	})

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	key := l.Key()
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := mock.Get(context.Background(), key); !errors.Is(err, coord.ErrKeyNotFound) {
		t.Errorf("Get(%q) error = %v, want %v", key, err, coord.ErrKeyNotFound)
	}
	if l.State() != StateStopped {
		t.Errorf("State() = %v, want %v", l.State(), StateStopped)
	}
	if mock.CloseCount() != 0 {
		t.Errorf("CloseCount() = %d, externally supplied store must stay open", mock.CloseCount())
	}
	if !rec.opSeen("connect") || !rec.opSeen("put_ephemeral") || !rec.opSeen("delete") {
		t.Errorf("recorded ops = %v, want connect, put_ephemeral and delete", rec.ops)
	}
}

func TestStopNeverStartedClosesOwnedStore(t *testing.T) {
	mock := coord.NewMock()
	l := buildListener(t, mock, nil)
	l.closeStore = true

	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if mock.CloseCount() != 1 {
		t.Errorf("CloseCount() = %d, want owned store closed", mock.CloseCount())
	}
	if l.State() != StateStopped {
		t.Errorf("State() = %v, want %v", l.State(), StateStopped)
	}
}

func TestStopIdempotent(t *testing.T) {
	mock := coord.NewMock()
	l := buildListener(t, mock, func(b *ListenerBuilder) *ListenerBuilder {
		return b.Endpoint(endpoint.New("10.0.0.1", 8080))
	})
	l.closeStore = true

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := l.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() #%d error = %v", i+1, err)
		}
	}
	if mock.CloseCount() != 1 {
		t.Errorf("CloseCount() = %d, want exactly one close", mock.CloseCount())
	}
}

func TestDoubleStart(t *testing.T) {
	mock := coord.NewMock()
	l := buildListener(t, mock, func(b *ListenerBuilder) *ListenerBuilder {
		return b.Endpoint(endpoint.New("10.0.0.1", 8080))
	})

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop(context.Background())

	if err := l.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start() error = %v, want %v", err, ErrInvalidState)
	}
}

func TestStopDuringStartLeavesNoEntry(t *testing.T) {
	mock := coord.NewMock()
	mock.ConnectDelay = 500 * time.Millisecond
	l := buildListener(t, mock, func(b *ListenerBuilder) *ListenerBuilder {
		return b.Endpoint(endpoint.New("10.0.0.1", 8080))
	})

	startErr := make(chan error, 1)
	go func() { startErr <- l.Start(context.Background()) }()
	waitFor(t, 2*time.Second, "start in flight", func() bool { return l.State() == StateStarting })

	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := <-startErr; !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start() error = %v, want %v", err, ErrInvalidState)
	}

	if l.State() != StateStopped {
		t.Errorf("State() = %v, want %v", l.State(), StateStopped)
	}
	kvs, err := mock.List(context.Background(), "/svc/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(kvs) != 0 {
		t.Errorf("store holds %d entries after stop, want 0", len(kvs))
	}
	if mock.CloseCount() != 0 {
		t.Errorf("CloseCount() = %d, externally supplied store must stay open", mock.CloseCount())
	}
}

func TestFailedStartClosesOwnedStore(t *testing.T) {
	mock := coord.NewMock()
	mock.ConnectErr = errors.New("unreachable")
	l := buildListener(t, mock, nil)
	l.closeStore = true

	err := l.Start(context.Background())
	if !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("Start() error = %v, want %v", err, ErrRegistrationFailed)
	}
	if mock.CloseCount() != 1 {
		t.Errorf("CloseCount() = %d, want owned store closed after failed start", mock.CloseCount())
	}
}

func TestSessionExpiryWithoutReregister(t *testing.T) {
	mock := coord.NewMock()
	rec := &fakeRecorder{}
	l := buildListener(t, mock, func(b *ListenerBuilder) *ListenerBuilder {
		return b.Endpoint(endpoint.New("10.0.0.1", 8080)).Metrics(rec)
	})

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop(context.Background())
	key := l.Key()

	mock.ExpireSession()
	waitFor(t, 2*time.Second, "expiry recording", func() bool { return rec.expiryCount() == 1 })

	// Give a would-be re-registration a chance to happen, then check none did.
	time.Sleep(50 * time.Millisecond)
	if mock.PutCount() != 1 {
		t.Errorf("PutCount() = %d, want no re-registration", mock.PutCount())
	}
	if _, err := mock.Get(context.Background(), key); !errors.Is(err, coord.ErrKeyNotFound) {
		t.Errorf("Get(%q) error = %v, want entry gone after expiry", key, err)
	}
}

func TestSessionExpiryReregisters(t *testing.T) {
	mock := coord.NewMock()
	rec := &fakeRecorder{}
	l := buildListener(t, mock, func(b *ListenerBuilder) *ListenerBuilder {
		return b.Endpoint(endpoint.New("10.0.0.1", 8080)).ReregisterOnExpiry(true).Metrics(rec)
	})
	l.baseBackoff = 10 * time.Millisecond

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop(context.Background())
	key := l.Key()

	mock.ExpireSession()
	waitFor(t, 2*time.Second, "re-registration", func() bool {
		_, err := mock.Get(context.Background(), key)
		return err == nil
	})

	if l.State() != StateRegistered {
		t.Errorf("State() = %v, want %v", l.State(), StateRegistered)
	}
	if rec.expiryCount() != 1 {
		t.Errorf("expiry count = %d, want 1", rec.expiryCount())
	}
	if mock.PutCount() < 2 {
		t.Errorf("PutCount() = %d, want a second registration", mock.PutCount())
	}
}
