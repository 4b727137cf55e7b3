package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dongjinleekr/armeria/pkg/codec"
	"github.com/dongjinleekr/armeria/pkg/coord"
	"github.com/dongjinleekr/armeria/pkg/endpoint"
	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// maxReregisterBackoff caps the delay between re-registration attempts.
const maxReregisterBackoff = 30 * time.Second

// State is the listener lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRegistered
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRegistered:
		return "registered"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Listener maintains one ephemeral registration entry. Wire Start and Stop
// into the host's lifecycle hooks; Start must succeed before the host
// accepts traffic, and a failed Start leaves the listener stopped with no
// entry behind.
type Listener struct {
	store coord.Client
	// closeStore permits Stop to close the store handle. False only when
	// the store object itself was supplied by the caller.
	closeStore bool

	path           string
	connectTimeout time.Duration
	sessionTimeout time.Duration
	endpoint       *endpoint.Endpoint
	instanceID     string
	codec          codec.NodeValueCodec
	log            *xlog.Logger
	rec            MetricsRecorder
	reregister     bool
	baseBackoff    time.Duration

	mu         sync.Mutex
	state      State
	key        string
	registered endpoint.Endpoint
	payload    []byte
	stopCh     chan struct{}
	watchDone  chan struct{}
}

// Start connects to the store and creates the registration entry. It
// blocks until the entry exists or fails with ErrConnectTimeout when no
// session forms within the connect timeout, or ErrRegistrationFailed when
// the entry cannot be created. A failed Start closes an internally owned
// client and leaves the listener stopped. A Stop arriving while Start is
// in flight wins: Start removes any entry it created and reports
// ErrInvalidState.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateIdle {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}
	l.state = StateStarting
	l.mu.Unlock()

	if err := l.register(ctx); err != nil {
		l.log.Error("registration failed", "path", l.path, "error", err)
		if l.rec != nil {
			l.rec.RecordRegistration(err)
		}
		if l.closeStore {
			if cerr := l.store.Close(); cerr != nil {
				l.log.Warn("close coordination client", "error", cerr)
			}
		}
		l.mu.Lock()
		l.state = StateStopped
		l.mu.Unlock()
		return err
	}

	l.mu.Lock()
	if l.state != StateStarting {
		// Stop intervened while the entry was being created. The entry
		// must not outlive that Stop call, so it is removed here and the
		// watcher never arms. An owned store was already closed by Stop,
		// which takes the session-scoped entry with it.
		key := l.key
		l.key = ""
		l.mu.Unlock()
		err := fmt.Errorf("%w: stopped during start", ErrInvalidState)
		l.log.Warn("registration aborted by concurrent stop", "key", key)
		if !l.closeStore {
			dctx, cancel := context.WithTimeout(context.Background(), l.sessionTimeout)
			if derr := l.store.Delete(dctx, key); derr != nil {
				l.log.Warn("deregistration failed", "key", key, "error", derr)
			}
			cancel()
		}
		if l.rec != nil {
			l.rec.RecordRegistration(err)
		}
		return err
	}
	l.state = StateRegistered
	l.stopCh = make(chan struct{})
	l.watchDone = make(chan struct{})
	key, ep := l.key, l.registered
	go l.watchSession(l.stopCh, l.watchDone)
	l.mu.Unlock()

	if l.rec != nil {
		l.rec.RecordRegistration(nil)
	}
	l.log.Info("service registered", "key", key, "endpoint", ep.String())
	return nil
}

// register establishes the session and writes the entry.
func (l *Listener) register(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, l.connectTimeout)
	defer cancel()
	if err := l.store.Connect(cctx); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w after %v: %v", ErrConnectTimeout, l.connectTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	ep := l.endpoint
	if ep == nil {
		local, err := endpoint.Local(0)
		if err != nil {
			return fmt.Errorf("%w: resolve local endpoint: %v", ErrRegistrationFailed, err)
		}
		ep = &local
	}

	payload, err := l.codec.Encode(*ep)
	if err != nil {
		return fmt.Errorf("%w: encode endpoint: %v", ErrRegistrationFailed, err)
	}

	id := l.instanceID
	if id == "" {
		id = ep.String()
	}
	key := l.path + "/" + id

	pctx, pcancel := context.WithTimeout(ctx, l.sessionTimeout)
	defer pcancel()
	if err := l.store.PutEphemeral(pctx, key, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	l.mu.Lock()
	l.key = key
	l.registered = *ep
	l.payload = payload
	l.mu.Unlock()
	return nil
}

// Stop removes the registration entry and, for an internally owned client,
// closes it. Deregistration is best effort: failures are logged and
// swallowed so shutdown never hangs on an unreachable store. Stop is
// idempotent and safe to call on a never-started listener.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateIdle:
		// Never started; still release a client created by Build.
		l.state = StateStopped
		l.mu.Unlock()
		if l.closeStore {
			if err := l.store.Close(); err != nil {
				l.log.Warn("close coordination client", "error", err)
			}
		}
		return nil
	case StateStopped, StateStopping:
		l.mu.Unlock()
		return nil
	}
	l.state = StateStopping
	key := l.key
	stopCh, watchDone := l.stopCh, l.watchDone
	l.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-watchDone
	}

	if key != "" {
		dctx, cancel := context.WithTimeout(ctx, l.sessionTimeout)
		err := l.store.Delete(dctx, key)
		cancel()
		if err != nil {
			l.log.Warn("deregistration failed", "key", key, "error", err)
		} else {
			l.log.Info("service deregistered", "key", key)
		}
		if l.rec != nil {
			l.rec.RecordDeregistration(err)
		}
	}

	if l.closeStore {
		if err := l.store.Close(); err != nil {
			l.log.Warn("close coordination client", "error", err)
		}
	}

	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
	return nil
}

// watchSession observes session expiry while registered. The entry is
// already gone once the session drops; whether a new one is created is up
// to the reregister flag.
func (l *Listener) watchSession(stopCh, done chan struct{}) {
	defer close(done)

	for {
		lost := l.store.SessionLost()
		if lost == nil {
			return
		}
		select {
		case <-stopCh:
			return
		case <-lost:
		}
		select {
		case <-stopCh:
			// Deliberate shutdown also ends the session.
			return
		default:
		}

		l.mu.Lock()
		key := l.key
		l.mu.Unlock()
		l.log.Warn("registration lost with coordination session", "key", key)
		if l.rec != nil {
			l.rec.RecordSessionExpiry()
		}

		if !l.reregister {
			return
		}
		if !l.reregisterLoop(stopCh) {
			return
		}
	}
}

// reregisterLoop re-establishes the session and entry with exponential
// backoff. Returns false when interrupted by Stop.
func (l *Listener) reregisterLoop(stopCh chan struct{}) bool {
	backoff := l.baseBackoff
	for {
		select {
		case <-stopCh:
			return false
		case <-time.After(backoff):
		}

		if err := l.reregisterOnce(); err != nil {
			l.log.Warn("re-registration failed", "error", err)
			backoff *= 2
			if backoff > maxReregisterBackoff {
				backoff = maxReregisterBackoff
			}
			continue
		}

		l.mu.Lock()
		key := l.key
		l.mu.Unlock()
		if l.rec != nil {
			l.rec.RecordRegistration(nil)
		}
		l.log.Info("service re-registered", "key", key)
		return true
	}
}

func (l *Listener) reregisterOnce() error {
	cctx, cancel := context.WithTimeout(context.Background(), l.connectTimeout)
	defer cancel()
	if err := l.store.Connect(cctx); err != nil {
		return err
	}

	l.mu.Lock()
	key, payload := l.key, l.payload
	l.mu.Unlock()

	pctx, pcancel := context.WithTimeout(context.Background(), l.sessionTimeout)
	defer pcancel()
	return l.store.PutEphemeral(pctx, key, payload)
}

// State reports the listener lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Key returns the entry's full key, empty until registration succeeds.
func (l *Listener) Key() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key
}

// RegisteredEndpoint returns the endpoint written to the store. ok is
// false until registration succeeds.
func (l *Listener) RegisteredEndpoint() (ep endpoint.Endpoint, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.key == "" {
		return endpoint.Endpoint{}, false
	}
	return l.registered, true
}
