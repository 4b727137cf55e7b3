package coord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// Defaults applied by EtcdConfig.withDefaults.
const (
	DefaultConnectTimeout = time.Second
	DefaultSessionTimeout = 10 * time.Second
)

// minSessionTTL is the smallest lease TTL etcd accepts, in seconds.
const minSessionTTL = 1

// revokeTimeout bounds the lease revocation issued by Close.
const revokeTimeout = 3 * time.Second

// EtcdConfig configures an etcd-backed Client.
type EtcdConfig struct {
	// Endpoints lists the cluster members, e.g. ["127.0.0.1:2379"].
	Endpoints []string `yaml:"endpoints" json:"endpoints" toml:"endpoints"`
	// ConnectTimeout bounds dialing and session establishment. Default 1s.
	ConnectTimeout time.Duration `yaml:"connectTimeout" json:"connectTimeout" toml:"connectTimeout"`
	// SessionTimeout is the lease TTL backing ephemeral entries: after this
	// long without keepalives the store drops the session and its entries.
	// Default 10s.
	SessionTimeout time.Duration `yaml:"sessionTimeout" json:"sessionTimeout" toml:"sessionTimeout"`
	// AutoSyncInterval refreshes the member list periodically. Zero disables.
	AutoSyncInterval time.Duration `yaml:"autoSyncInterval" json:"autoSyncInterval" toml:"autoSyncInterval"`
	// Username and Password enable etcd authentication when non-empty.
	Username string `yaml:"username" json:"username" toml:"username"`
	Password string `yaml:"password" json:"password" toml:"password"`
}

// Validate checks the configuration for usability.
func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("coord: no etcd endpoints")
	}
	for _, ep := range c.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return fmt.Errorf("coord: empty etcd endpoint")
		}
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("coord: negative connect timeout: %v", c.ConnectTimeout)
	}
	if c.SessionTimeout < 0 {
		return fmt.Errorf("coord: negative session timeout: %v", c.SessionTimeout)
	}
	return nil
}

func (c EtcdConfig) withDefaults() EtcdConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	return c
}

// sessionTTL converts the session timeout to whole lease seconds.
func (c EtcdConfig) sessionTTL() int64 {
	ttl := int64(c.SessionTimeout / time.Second)
	if ttl < minSessionTTL {
		ttl = minSessionTTL
	}
	return ttl
}

// ParseEndpoints splits a comma-separated connection string such as
// "etcd1:2379,etcd2:2379" into endpoint addresses.
func ParseEndpoints(connectString string) []string {
	parts := strings.Split(connectString, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// session is one lease-backed etcd session.
type session struct {
	leaseID clientv3.LeaseID
	// lost closes when the keepalive stream ends.
	lost chan struct{}
	// cancel stops the keepalive stream.
	cancel context.CancelFunc
}

// Etcd is the etcd-backed Client.
type Etcd struct {
	cli *clientv3.Client
	cfg EtcdConfig
	log *xlog.Logger
	// owned reports whether Close may close cli.
	owned bool

	mu    sync.Mutex
	state State
	sess  *session
	wg    sync.WaitGroup
}

var _ Client = (*Etcd)(nil)

// EtcdOption customizes an Etcd client.
type EtcdOption func(*Etcd)

// WithLogger routes the client's diagnostics to l.
func WithLogger(l *xlog.Logger) EtcdOption {
	return func(e *Etcd) { e.log = l }
}

// WithSessionTimeout overrides the session timeout, useful with WrapEtcd
// where no EtcdConfig is supplied.
func WithSessionTimeout(d time.Duration) EtcdOption {
	return func(e *Etcd) { e.cfg.SessionTimeout = d }
}

// NewEtcd dials the cluster described by cfg and returns a client that owns
// the connection: Close tears it down.
func NewEtcd(cfg EtcdConfig, opts ...EtcdOption) (*Etcd, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:        cfg.Endpoints,
		DialTimeout:      cfg.ConnectTimeout,
		AutoSyncInterval: cfg.AutoSyncInterval,
		Username:         cfg.Username,
		Password:         cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("coord: create etcd client: %w", err)
	}

	e := newEtcd(cli, cfg, true)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// MustNewEtcd is NewEtcd that panics on error.
func MustNewEtcd(cfg EtcdConfig, opts ...EtcdOption) *Etcd {
	e, err := NewEtcd(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// WrapEtcd adapts an existing etcd client. The connection stays with the
// caller: Close ends the session but leaves cli open.
func WrapEtcd(cli *clientv3.Client, opts ...EtcdOption) *Etcd {
	e := newEtcd(cli, EtcdConfig{}.withDefaults(), false)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newEtcd(cli *clientv3.Client, cfg EtcdConfig, owned bool) *Etcd {
	return &Etcd{
		cli:   cli,
		cfg:   cfg,
		log:   xlog.Default(),
		owned: owned,
		state: StateDisconnected,
	}
}

// Connect grants a lease and starts keeping it alive. The grant doubles as
// the reachability probe: an unreachable cluster surfaces here as a context
// deadline error. When ctx carries no deadline the configured connect
// timeout applies.
func (e *Etcd) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		return ErrClientClosed
	case StateConnected:
		return nil
	}
	e.endSessionLocked(false)
	e.state = StateConnecting

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		defer cancel()
	}

	lease, err := e.cli.Grant(ctx, e.cfg.sessionTTL())
	if err != nil {
		e.state = StateDisconnected
		return fmt.Errorf("coord: establish session: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := e.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		e.state = StateDisconnected
		return fmt.Errorf("coord: keep session alive: %w", err)
	}

	sess := &session{
		leaseID: lease.ID,
		lost:    make(chan struct{}),
		cancel:  cancel,
	}
	e.sess = sess
	e.state = StateConnected

	e.wg.Add(1)
	go e.drainKeepAlive(sess, ch)

	e.log.Debug("coordination session established",
		"leaseID", fmt.Sprintf("%x", int64(sess.leaseID)), "ttl", e.cfg.sessionTTL())
	return nil
}

// drainKeepAlive consumes keepalive acks until the channel closes, which
// means the lease is gone or the session was cancelled.
func (e *Etcd) drainKeepAlive(sess *session, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer e.wg.Done()

	for resp := range ch {
		if resp == nil {
			break
		}
	}
	close(sess.lost)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == sess && e.state == StateConnected {
		e.state = StateExpired
		e.log.Warn("coordination session expired",
			"leaseID", fmt.Sprintf("%x", int64(sess.leaseID)))
	}
}

// currentSession returns the live session, or an error describing why there
// is none.
func (e *Etcd) currentSession() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateClosed:
		return nil, ErrClientClosed
	case StateExpired:
		return nil, ErrSessionExpired
	case StateConnected:
		return e.sess, nil
	default:
		return nil, ErrNotConnected
	}
}

// PutEphemeral writes value under key bound to the session lease. A
// transaction guards against overwriting an entry left by another instance.
func (e *Etcd) PutEphemeral(ctx context.Context, key string, value []byte) error {
	sess, err := e.currentSession()
	if err != nil {
		return err
	}

	resp, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value), clientv3.WithLease(sess.leaseID))).
		Commit()
	if err != nil {
		return fmt.Errorf("coord: put %s: %w", key, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", ErrNodeExists, key)
	}
	return nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	if e.State() == StateClosed {
		return ErrClientClosed
	}
	if _, err := e.cli.Delete(ctx, key); err != nil {
		return fmt.Errorf("coord: delete %s: %w", key, err)
	}
	return nil
}

func (e *Etcd) Get(ctx context.Context, key string) (KV, error) {
	if e.State() == StateClosed {
		return KV{}, ErrClientClosed
	}
	resp, err := e.cli.Get(ctx, key)
	if err != nil {
		return KV{}, fmt.Errorf("coord: get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return KV{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	kv := resp.Kvs[0]
	return KV{Key: string(kv.Key), Value: kv.Value, Version: kv.ModRevision}, nil
}

func (e *Etcd) List(ctx context.Context, prefix string) ([]KV, error) {
	if e.State() == StateClosed {
		return nil, ErrClientClosed
	}
	resp, err := e.cli.Get(ctx, prefix,
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("coord: list %s: %w", prefix, err)
	}
	out := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KV{Key: string(kv.Key), Value: kv.Value, Version: kv.ModRevision})
	}
	return out, nil
}

// Watch relays etcd watch events under prefix until ctx is cancelled.
func (e *Etcd) Watch(ctx context.Context, prefix string) <-chan Event {
	out := make(chan Event)
	wch := e.cli.Watch(ctx, prefix, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				e.log.Warn("watch interrupted", "prefix", prefix, "error", err)
				continue
			}
			for _, ev := range resp.Events {
				var typ EventType
				switch ev.Type {
				case mvccpb.PUT:
					typ = EventPut
				case mvccpb.DELETE:
					typ = EventDelete
				default:
					continue
				}
				if !emit(ctx, out, Event{Type: typ, Key: string(ev.Kv.Key), Value: ev.Kv.Value}) {
					return
				}
			}
		}
	}()
	return out
}

func (e *Etcd) SessionLost() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil
	}
	return e.sess.lost
}

func (e *Etcd) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close revokes the session lease so ephemeral entries disappear at once
// rather than after the TTL, then closes the connection when owned.
func (e *Etcd) Close() error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	e.endSessionLocked(true)
	e.mu.Unlock()

	e.wg.Wait()
	if e.owned {
		if err := e.cli.Close(); err != nil {
			return fmt.Errorf("coord: close etcd client: %w", err)
		}
	}
	return nil
}

// endSessionLocked stops the keepalive stream and optionally revokes the
// lease. Callers hold e.mu.
func (e *Etcd) endSessionLocked(revoke bool) {
	if e.sess == nil {
		return
	}
	sess := e.sess
	e.sess = nil
	sess.cancel()

	if revoke {
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		defer cancel()
		if _, err := e.cli.Revoke(ctx, sess.leaseID); err != nil {
			e.log.Warn("revoke session lease",
				"leaseID", fmt.Sprintf("%x", int64(sess.leaseID)), "error", err)
		}
	}
}
