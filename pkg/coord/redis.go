package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// scanBatch is the COUNT hint passed to SCAN when listing a prefix.
const scanBatch = 100

// minRefreshInterval floors how often session keys are re-expired.
const minRefreshInterval = 100 * time.Millisecond

// RedisConfig configures a Redis-backed Client.
type RedisConfig struct {
	// Addr is the server address, e.g. "127.0.0.1:6379".
	Addr string `yaml:"addr" json:"addr" toml:"addr"`
	// Username and Password enable AUTH when non-empty.
	Username string `yaml:"username" json:"username" toml:"username"`
	Password string `yaml:"password" json:"password" toml:"password"`
	// DB selects the logical database.
	DB int `yaml:"db" json:"db" toml:"db"`
	// ConnectTimeout bounds dialing and the connect probe. Default 1s.
	ConnectTimeout time.Duration `yaml:"connectTimeout" json:"connectTimeout" toml:"connectTimeout"`
	// SessionTimeout is the TTL on ephemeral keys. The session refreshes
	// them at a third of this interval; once refreshes fail for longer, the
	// session counts as expired. Default 10s.
	SessionTimeout time.Duration `yaml:"sessionTimeout" json:"sessionTimeout" toml:"sessionTimeout"`
}

// Validate checks the configuration for usability.
func (c *RedisConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("coord: no redis address")
	}
	if c.DB < 0 {
		return fmt.Errorf("coord: negative redis db: %d", c.DB)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("coord: negative connect timeout: %v", c.ConnectTimeout)
	}
	if c.SessionTimeout < 0 {
		return fmt.Errorf("coord: negative session timeout: %v", c.SessionTimeout)
	}
	return nil
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	return c
}

// redisSession is one TTL-refresh session.
type redisSession struct {
	keys     map[string]struct{}
	lost     chan struct{}
	lostOnce sync.Once
	cancel   context.CancelFunc
}

func (s *redisSession) end() {
	s.lostOnce.Do(func() { close(s.lost) })
}

// Redis is a Client backed by plain Redis. Ephemeral entries are keys with
// a TTL that a background goroutine keeps refreshing; when the refreshes
// stop, the keys lapse on their own, mirroring session expiry.
type Redis struct {
	cli   *redis.Client
	cfg   RedisConfig
	log   *xlog.Logger
	owned bool

	mu    sync.Mutex
	state State
	sess  *redisSession
	wg    sync.WaitGroup
}

var _ Client = (*Redis)(nil)

// RedisOption customizes a Redis client.
type RedisOption func(*Redis)

// WithRedisLogger routes the client's diagnostics to l.
func WithRedisLogger(l *xlog.Logger) RedisOption {
	return func(r *Redis) { r.log = l }
}

// WithRedisSessionTimeout overrides the session timeout, useful with
// WrapRedis where no RedisConfig is supplied.
func WithRedisSessionTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.cfg.SessionTimeout = d }
}

// NewRedis builds a client owning its connection.
func NewRedis(cfg RedisConfig, opts ...RedisOption) (*Redis, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cli := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.ConnectTimeout,
	})
	r := newRedis(cli, cfg, true)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// WrapRedis adapts an existing Redis client. The connection stays with the
// caller: Close ends the session but leaves cli open.
func WrapRedis(cli *redis.Client, opts ...RedisOption) *Redis {
	r := newRedis(cli, RedisConfig{}.withDefaults(), false)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newRedis(cli *redis.Client, cfg RedisConfig, owned bool) *Redis {
	return &Redis{
		cli:   cli,
		cfg:   cfg,
		log:   xlog.Default(),
		owned: owned,
		state: StateDisconnected,
	}
}

// Connect probes the server and starts the key refresh loop. When ctx
// carries no deadline the configured connect timeout applies.
func (r *Redis) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		return ErrClientClosed
	case StateConnected:
		return nil
	}
	r.endSessionLocked(false)
	r.state = StateConnecting

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := r.cli.Ping(ctx).Err(); err != nil {
		r.state = StateDisconnected
		return fmt.Errorf("coord: ping redis: %w", err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	sess := &redisSession{
		keys:   make(map[string]struct{}),
		lost:   make(chan struct{}),
		cancel: cancel,
	}
	r.sess = sess
	r.state = StateConnected

	r.wg.Add(1)
	go r.refreshLoop(refreshCtx, sess)
	return nil
}

// refreshLoop re-expires the session's keys until it is cancelled or the
// server stays unreachable past the session timeout.
func (r *Redis) refreshLoop(ctx context.Context, sess *redisSession) {
	defer r.wg.Done()

	interval := r.cfg.SessionTimeout / 3
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := r.refreshKeys(ctx, sess); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("refresh session keys", "error", err)
			if time.Since(lastOK) > r.cfg.SessionTimeout {
				r.expire(sess)
				return
			}
			continue
		}
		lastOK = time.Now()
	}
}

func (r *Redis) refreshKeys(ctx context.Context, sess *redisSession) error {
	r.mu.Lock()
	keys := make([]string, 0, len(sess.keys))
	for k := range sess.keys {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, key := range keys {
		if err := r.cli.Expire(ctx, key, r.cfg.SessionTimeout).Err(); err != nil {
			return err
		}
	}
	return nil
}

// expire marks the session lost. Its keys lapse via their TTL since nothing
// refreshes them anymore.
func (r *Redis) expire(sess *redisSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != sess || r.state != StateConnected {
		return
	}
	r.state = StateExpired
	sess.end()
	r.log.Warn("coordination session expired")
}

func (r *Redis) currentSession() (*redisSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateClosed:
		return nil, ErrClientClosed
	case StateExpired:
		return nil, ErrSessionExpired
	case StateConnected:
		return r.sess, nil
	default:
		return nil, ErrNotConnected
	}
}

func (r *Redis) PutEphemeral(ctx context.Context, key string, value []byte) error {
	sess, err := r.currentSession()
	if err != nil {
		return err
	}

	ok, err := r.cli.SetNX(ctx, key, value, r.cfg.SessionTimeout).Result()
	if err != nil {
		return fmt.Errorf("coord: put %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, key)
	}

	r.mu.Lock()
	if r.sess == sess {
		sess.keys[key] = struct{}{}
	}
	r.mu.Unlock()
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if r.State() == StateClosed {
		return ErrClientClosed
	}
	if err := r.cli.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("coord: delete %s: %w", key, err)
	}
	r.mu.Lock()
	if r.sess != nil {
		delete(r.sess.keys, key)
	}
	r.mu.Unlock()
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (KV, error) {
	if r.State() == StateClosed {
		return KV{}, ErrClientClosed
	}
	value, err := r.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return KV{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return KV{}, fmt.Errorf("coord: get %s: %w", key, err)
	}
	return KV{Key: key, Value: value}, nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]KV, error) {
	if r.State() == StateClosed {
		return nil, ErrClientClosed
	}

	var keys []string
	iter := r.cli.Scan(ctx, 0, globEscape(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coord: scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := r.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("coord: fetch %s: %w", prefix, err)
	}
	out := make([]KV, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Lapsed between SCAN and MGET.
			continue
		}
		out = append(out, KV{Key: keys[i], Value: []byte(s)})
	}
	return out, nil
}

// Watch polls the prefix; Redis offers no ordered change feed without
// keyspace notifications, which need server-side configuration.
func (r *Redis) Watch(ctx context.Context, prefix string) <-chan Event {
	out := make(chan Event)
	go pollEvents(ctx, defaultPollInterval, func(ctx context.Context) ([]KV, error) {
		return r.List(ctx, prefix)
	}, out)
	return out
}

func (r *Redis) SessionLost() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return nil
	}
	return r.sess.lost
}

func (r *Redis) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close deletes the session's keys so they disappear at once rather than
// after the TTL, then closes the connection when owned.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosed
	keys := r.endSessionLocked(true)
	r.mu.Unlock()

	if len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		if err := r.cli.Del(ctx, keys...).Err(); err != nil {
			r.log.Warn("drop session keys", "error", err)
		}
		cancel()
	}

	r.wg.Wait()
	if r.owned {
		if err := r.cli.Close(); err != nil {
			return fmt.Errorf("coord: close redis client: %w", err)
		}
	}
	return nil
}

// endSessionLocked stops the refresh loop and reports which keys to drop.
// Callers hold r.mu.
func (r *Redis) endSessionLocked(drop bool) []string {
	if r.sess == nil {
		return nil
	}
	sess := r.sess
	r.sess = nil
	sess.cancel()
	sess.end()

	if !drop {
		return nil
	}
	keys := make([]string, 0, len(sess.keys))
	for k := range sess.keys {
		keys = append(keys, k)
	}
	return keys
}

// globEscape quotes characters that carry meaning in MATCH patterns.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
