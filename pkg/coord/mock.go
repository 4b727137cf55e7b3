package coord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mock is an in-memory Client for tests. The exported fields inject
// failures into individual operations, and ExpireSession simulates the
// store dropping the session.
type Mock struct {
	// ConnectDelay stalls Connect, modelling an unreachable store. Connect
	// returns ctx.Err() when the context expires first.
	ConnectDelay time.Duration
	// ConnectErr fails Connect after any delay.
	ConnectErr error
	// PutErr fails PutEphemeral.
	PutErr error
	// DeleteErr fails Delete.
	DeleteErr error

	mu         sync.Mutex
	state      State
	data       map[string]KV
	ephemeral  map[string]bool
	version    int64
	lost       chan struct{}
	watchers   []*mockWatcher
	putCalls   int
	closeCalls int
}

type mockWatcher struct {
	prefix string
	ch     chan Event
}

var _ Client = (*Mock)(nil)

// NewMock returns an empty disconnected Mock.
func NewMock() *Mock {
	return &Mock{
		data:      make(map[string]KV),
		ephemeral: make(map[string]bool),
	}
}

func (m *Mock) Connect(ctx context.Context) error {
	if m.ConnectDelay > 0 {
		select {
		case <-time.After(m.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return ErrClientClosed
	}
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	if m.state == StateConnected {
		return nil
	}
	m.lost = make(chan struct{})
	m.state = StateConnected
	return nil
}

func (m *Mock) PutEphemeral(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++

	if err := m.sessionErrLocked(); err != nil {
		return err
	}
	if m.PutErr != nil {
		return m.PutErr
	}
	if _, ok := m.data[key]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, key)
	}

	m.version++
	kv := KV{Key: key, Value: append([]byte(nil), value...), Version: m.version}
	m.data[key] = kv
	m.ephemeral[key] = true
	m.notifyLocked(Event{Type: EventPut, Key: key, Value: kv.Value})
	return nil
}

func (m *Mock) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return ErrClientClosed
	}
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	if _, ok := m.data[key]; ok {
		delete(m.data, key)
		delete(m.ephemeral, key)
		m.notifyLocked(Event{Type: EventDelete, Key: key})
	}
	return nil
}

func (m *Mock) Get(ctx context.Context, key string) (KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return KV{}, ErrClientClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return KV{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return kv, nil
}

func (m *Mock) List(ctx context.Context, prefix string) ([]KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return nil, ErrClientClosed
	}
	var out []KV
	for key, kv := range m.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, kv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Mock) Watch(ctx context.Context, prefix string) <-chan Event {
	w := &mockWatcher{prefix: prefix, ch: make(chan Event, 16)}
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, cand := range m.watchers {
			if cand == w {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(w.ch)
	}()
	return w.ch
}

func (m *Mock) SessionLost() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

func (m *Mock) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if m.state == StateClosed {
		return nil
	}
	if m.state == StateConnected {
		m.dropEphemeralLocked()
		close(m.lost)
	}
	m.state = StateClosed
	return nil
}

// ExpireSession simulates the store expiring the session: ephemeral entries
// vanish and SessionLost fires. No-op unless connected.
func (m *Mock) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return
	}
	m.state = StateExpired
	m.dropEphemeralLocked()
	close(m.lost)
}

// PutCount reports how many PutEphemeral calls were made, including failed
// ones.
func (m *Mock) PutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCalls
}

// CloseCount reports how many times Close was called.
func (m *Mock) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

func (m *Mock) sessionErrLocked() error {
	switch m.state {
	case StateClosed:
		return ErrClientClosed
	case StateExpired:
		return ErrSessionExpired
	case StateConnected:
		return nil
	default:
		return ErrNotConnected
	}
}

func (m *Mock) dropEphemeralLocked() {
	for key := range m.ephemeral {
		delete(m.data, key)
		m.notifyLocked(Event{Type: EventDelete, Key: key})
	}
	clear(m.ephemeral)
}

func (m *Mock) notifyLocked(ev Event) {
	for _, w := range m.watchers {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
		}
	}
}
