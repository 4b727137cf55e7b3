package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// DefaultSQLTable holds registration rows when SQLConfig.Table is empty.
const DefaultSQLTable = "coordination_nodes"

// mysqlDuplicateEntry is the MySQL server error for unique-key conflicts.
const mysqlDuplicateEntry = 1062

// SQLConfig configures a MySQL-backed Client.
type SQLConfig struct {
	// DSN is the MySQL data source name. It must carry parseTime=true so
	// expiry timestamps scan into time.Time.
	DSN string `yaml:"dsn" json:"dsn" toml:"dsn"`
	// Table names the registration table. Default "coordination_nodes".
	Table string `yaml:"table" json:"table" toml:"table"`
	// ConnectTimeout bounds the connect probe. Default 1s.
	ConnectTimeout time.Duration `yaml:"connectTimeout" json:"connectTimeout" toml:"connectTimeout"`
	// SessionTimeout is how long rows outlive their last heartbeat.
	// Default 10s.
	SessionTimeout time.Duration `yaml:"sessionTimeout" json:"sessionTimeout" toml:"sessionTimeout"`
}

// Validate checks the configuration for usability.
func (c *SQLConfig) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("coord: no sql dsn")
	}
	if !validTableName(c.Table) {
		return fmt.Errorf("coord: invalid table name: %q", c.Table)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("coord: negative connect timeout: %v", c.ConnectTimeout)
	}
	if c.SessionTimeout < 0 {
		return fmt.Errorf("coord: negative session timeout: %v", c.SessionTimeout)
	}
	return nil
}

func (c SQLConfig) withDefaults() SQLConfig {
	if c.Table == "" {
		c.Table = DefaultSQLTable
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	return c
}

// validTableName accepts identifiers safe to splice into statements.
func validTableName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// sqlSession is one heartbeat-backed session.
type sqlSession struct {
	id       string
	lost     chan struct{}
	lostOnce sync.Once
	cancel   context.CancelFunc
}

func (s *sqlSession) end() {
	s.lostOnce.Do(func() { close(s.lost) })
}

// nodeRow maps one registration row.
type nodeRow struct {
	Key     string `db:"node_key"`
	Value   []byte `db:"node_value"`
	Version int64  `db:"version"`
}

// SQL is a Client backed by a MySQL table. Each entry row carries an expiry
// timestamp that a heartbeat goroutine keeps pushing forward; rows whose
// session stopped heartbeating drop out of every query and are eventually
// reaped.
type SQL struct {
	db    *sqlx.DB
	cfg   SQLConfig
	log   *xlog.Logger
	owned bool

	mu    sync.Mutex
	state State
	sess  *sqlSession
	wg    sync.WaitGroup
}

var _ Client = (*SQL)(nil)

// SQLOption customizes a SQL client.
type SQLOption func(*SQL)

// WithSQLLogger routes the client's diagnostics to l.
func WithSQLLogger(l *xlog.Logger) SQLOption {
	return func(s *SQL) { s.log = l }
}

// NewSQL opens a connection pool for cfg.DSN. The pool is owned: Close
// tears it down. No network traffic happens until Connect.
func NewSQL(cfg SQLConfig, opts ...SQLOption) (*SQL, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("coord: open mysql: %w", err)
	}
	s := newSQL(db, cfg, true)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WrapSQL adapts an existing pool. The pool stays with the caller: Close
// ends the session but leaves db open.
func WrapSQL(db *sqlx.DB, opts ...SQLOption) *SQL {
	s := newSQL(db, SQLConfig{}.withDefaults(), false)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newSQL(db *sqlx.DB, cfg SQLConfig, owned bool) *SQL {
	return &SQL{
		db:    db,
		cfg:   cfg,
		log:   xlog.Default(),
		owned: owned,
		state: StateDisconnected,
	}
}

// Connect probes the database, creates the registration table when missing
// and starts the heartbeat. When ctx carries no deadline the configured
// connect timeout applies.
func (s *SQL) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClientClosed
	case StateConnected:
		return nil
	}
	s.endSessionLocked()
	s.state = StateConnecting

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := s.db.PingContext(ctx); err != nil {
		s.state = StateDisconnected
		return fmt.Errorf("coord: ping mysql: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		s.state = StateDisconnected
		return err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	sess := &sqlSession{
		id:     uuid.NewString(),
		lost:   make(chan struct{}),
		cancel: cancel,
	}
	s.sess = sess
	s.state = StateConnected

	s.wg.Add(1)
	go s.heartbeatLoop(hbCtx, sess)
	return nil
}

func (s *SQL) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	node_key   VARCHAR(512)    NOT NULL PRIMARY KEY,
	node_value VARBINARY(8192) NOT NULL,
	session_id CHAR(36)        NOT NULL,
	expires_at DATETIME(3)     NOT NULL,
	version    BIGINT          NOT NULL,
	KEY idx_session (session_id),
	KEY idx_expires (expires_at)
)`, s.cfg.Table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("coord: create table %s: %w", s.cfg.Table, err)
	}
	return nil
}

// heartbeatLoop pushes the session rows' expiry forward and reaps rows left
// behind by long-dead sessions.
func (s *SQL) heartbeatLoop(ctx context.Context, sess *sqlSession) {
	defer s.wg.Done()

	interval := s.cfg.SessionTimeout / 3
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

		if err := s.heartbeat(ctx, sess); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("session heartbeat", "error", err)
			if time.Since(lastOK) > s.cfg.SessionTimeout {
				s.expire(sess)
				return
			}
			continue
		}
		lastOK = time.Now()
		s.reap(ctx)
	}
}

func (s *SQL) heartbeat(ctx context.Context, sess *sqlSession) error {
	q := fmt.Sprintf("UPDATE %s SET expires_at = ? WHERE session_id = ?", s.cfg.Table)
	_, err := s.db.ExecContext(ctx, q, time.Now().Add(s.cfg.SessionTimeout), sess.id)
	return err
}

// reap removes rows expired for longer than a full session timeout.
func (s *SQL) reap(ctx context.Context) {
	q := fmt.Sprintf("DELETE FROM %s WHERE expires_at < ?", s.cfg.Table)
	if _, err := s.db.ExecContext(ctx, q, time.Now().Add(-s.cfg.SessionTimeout)); err != nil {
		s.log.Warn("reap expired rows", "error", err)
	}
}

func (s *SQL) expire(sess *sqlSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != sess || s.state != StateConnected {
		return
	}
	s.state = StateExpired
	sess.end()
	s.log.Warn("coordination session expired", "sessionID", sess.id)
}

func (s *SQL) currentSession() (*sqlSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return nil, ErrClientClosed
	case StateExpired:
		return nil, ErrSessionExpired
	case StateConnected:
		return s.sess, nil
	default:
		return nil, ErrNotConnected
	}
}

func (s *SQL) PutEphemeral(ctx context.Context, key string, value []byte) error {
	sess, err := s.currentSession()
	if err != nil {
		return err
	}

	// Clear a lapsed leftover first so the insert only conflicts with a
	// live owner.
	del := fmt.Sprintf("DELETE FROM %s WHERE node_key = ? AND expires_at < ?", s.cfg.Table)
	if _, err := s.db.ExecContext(ctx, del, key, time.Now()); err != nil {
		return fmt.Errorf("coord: put %s: %w", key, err)
	}

	ins := fmt.Sprintf(
		"INSERT INTO %s (node_key, node_value, session_id, expires_at, version) VALUES (?, ?, ?, ?, 1)",
		s.cfg.Table)
	_, err = s.db.ExecContext(ctx, ins, key, value, sess.id, time.Now().Add(s.cfg.SessionTimeout))
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return fmt.Errorf("%w: %s", ErrNodeExists, key)
		}
		return fmt.Errorf("coord: put %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	if s.State() == StateClosed {
		return ErrClientClosed
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE node_key = ?", s.cfg.Table)
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("coord: delete %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) (KV, error) {
	if s.State() == StateClosed {
		return KV{}, ErrClientClosed
	}
	q := fmt.Sprintf(
		"SELECT node_key, node_value, version FROM %s WHERE node_key = ? AND expires_at > ?",
		s.cfg.Table)
	var row nodeRow
	err := s.db.GetContext(ctx, &row, q, key, time.Now())
	if errors.Is(err, sql.ErrNoRows) {
		return KV{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return KV{}, fmt.Errorf("coord: get %s: %w", key, err)
	}
	return KV{Key: row.Key, Value: row.Value, Version: row.Version}, nil
}

func (s *SQL) List(ctx context.Context, prefix string) ([]KV, error) {
	if s.State() == StateClosed {
		return nil, ErrClientClosed
	}
	q := fmt.Sprintf(
		"SELECT node_key, node_value, version FROM %s WHERE node_key LIKE ? AND expires_at > ? ORDER BY node_key",
		s.cfg.Table)
	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, q, likeEscape(prefix)+"%", time.Now()); err != nil {
		return nil, fmt.Errorf("coord: list %s: %w", prefix, err)
	}
	out := make([]KV, 0, len(rows))
	for _, row := range rows {
		out = append(out, KV{Key: row.Key, Value: row.Value, Version: row.Version})
	}
	return out, nil
}

// Watch polls the prefix; the table has no change feed.
func (s *SQL) Watch(ctx context.Context, prefix string) <-chan Event {
	out := make(chan Event)
	go pollEvents(ctx, defaultPollInterval, func(ctx context.Context) ([]KV, error) {
		return s.List(ctx, prefix)
	}, out)
	return out
}

func (s *SQL) SessionLost() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return s.sess.lost
}

func (s *SQL) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close deletes the session's rows so they disappear at once rather than
// after the heartbeat lapses, then closes the pool when owned.
func (s *SQL) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	sess := s.sess
	s.endSessionLocked()
	s.mu.Unlock()

	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		q := fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", s.cfg.Table)
		if _, err := s.db.ExecContext(ctx, q, sess.id); err != nil {
			s.log.Warn("drop session rows", "sessionID", sess.id, "error", err)
		}
		cancel()
	}

	s.wg.Wait()
	if s.owned {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("coord: close mysql pool: %w", err)
		}
	}
	return nil
}

// endSessionLocked stops the heartbeat. Callers hold s.mu.
func (s *SQL) endSessionLocked() {
	if s.sess == nil {
		return
	}
	sess := s.sess
	s.sess = nil
	sess.cancel()
	sess.end()
}

// likeEscape quotes characters that carry meaning in LIKE patterns.
func likeEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
