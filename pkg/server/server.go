// Package server hosts a gin HTTP server with lifecycle hooks. Wiring a
// registration listener's Start and Stop into OnStart and OnStop announces
// the server for exactly as long as it serves.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dongjinleekr/armeria/pkg/endpoint"
	"github.com/dongjinleekr/armeria/pkg/server/middleware"
	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// Engine aliases gin.Engine so callers can register routes without
// importing gin.
type Engine = gin.Engine

// Hook runs at a lifecycle edge. Start hooks run after the listen socket
// is bound and before serving; an error aborts startup. Stop hooks run at
// the beginning of shutdown, while the server still accepts requests.
type Hook func(ctx context.Context) error

// Server is the HTTP host.
type Server struct {
	cfg    Config
	engine *gin.Engine
	log    *xlog.Logger

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	ep         endpoint.Endpoint
	started    bool
	closed     bool
	startHooks []Hook
	stopHooks  []Hook

	serveErr chan error
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger routes the server's diagnostics to l.
func WithLogger(l *xlog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a Server. Routes registered on Engine before Start are
// served alongside the built-in /health, /metrics and pprof routes.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		log:      xlog.Default(),
		serveErr: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.AppName != "" {
		s.log = s.log.WithAttrs("app", cfg.AppName)
	}

	gin.SetMode(cfg.Mode)
	engine := gin.New()
	engine.Use(
		middleware.Recovery(s.log),
		middleware.Logging(s.log),
	)
	s.engine = engine
	s.mountBuiltin()

	return s, nil
}

// Engine returns the underlying gin engine for route registration.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Use appends middleware to the engine.
func (s *Server) Use(middlewares ...gin.HandlerFunc) {
	s.engine.Use(middlewares...)
}

// OnStart registers a hook to run during Start, in registration order.
func (s *Server) OnStart(h Hook) *Server {
	if h != nil {
		s.mu.Lock()
		s.startHooks = append(s.startHooks, h)
		s.mu.Unlock()
	}
	return s
}

// OnStop registers a hook to run during Shutdown, in registration order.
func (s *Server) OnStop(h Hook) *Server {
	if h != nil {
		s.mu.Lock()
		s.stopHooks = append(s.stopHooks, h)
		s.mu.Unlock()
	}
	return s
}

// Endpoint returns the address the server advertises: the configured host
// with the actually bound port, or the local hostname when binding a
// wildcard address. Valid once Start has bound the socket.
func (s *Server) Endpoint() endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ep
}

// Start binds the listen socket, runs the start hooks and begins serving
// in the background. A failing hook aborts startup and closes the socket,
// so a half-started server never accepts traffic.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: already started")
	}
	s.started = true
	hooks := s.startHooks
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	port := lis.Addr().(*net.TCPAddr).Port
	ep := s.advertised(port)

	s.mu.Lock()
	s.listener = lis
	s.ep = ep
	s.mu.Unlock()

	for _, h := range hooks {
		if err := h(ctx); err != nil {
			lis.Close()
			return fmt.Errorf("server: start hook: %w", err)
		}
	}

	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		err := srv.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
			s.serveErr <- err
			return
		}
		s.serveErr <- nil
	}()

	s.log.Info("http server started", "addr", lis.Addr().String(), "endpoint", ep.String())
	return nil
}

// Shutdown runs the stop hooks and then drains the HTTP server. Hooks run
// first so a registration entry disappears before the server stops
// accepting requests; their errors are logged, not fatal. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpServer
	hooks := s.stopHooks
	s.mu.Unlock()

	for _, h := range hooks {
		if err := h(ctx); err != nil {
			s.log.Warn("stop hook failed", "error", err)
		}
	}

	if srv == nil {
		return nil
	}
	s.log.Info("shutting down http server")
	return srv.Shutdown(ctx)
}

// Run starts the server and blocks until SIGINT, SIGTERM or ctx
// cancellation, then shuts down gracefully within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	nctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(nctx)
	g.Go(func() error {
		select {
		case err := <-s.serveErr:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

// advertised maps the bind address to the endpoint other services should
// reach this one at.
func (s *Server) advertised(port int) endpoint.Endpoint {
	switch s.cfg.Host {
	case "", "0.0.0.0", "::":
		ep, err := endpoint.Local(port)
		if err == nil {
			return ep
		}
		s.log.Warn("resolve local hostname", "error", err)
		return endpoint.New("127.0.0.1", port)
	default:
		return endpoint.New(s.cfg.Host, port)
	}
}

func (s *Server) mountBuiltin() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.cfg.EnableMetrics {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	if s.cfg.EnablePProf {
		s.registerPProf()
	}
}

func (s *Server) registerPProf() {
	g := s.engine.Group("/debug/pprof")
	{
		g.GET("/", gin.WrapF(pprof.Index))
		g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		g.GET("/profile", gin.WrapF(pprof.Profile))
		g.POST("/symbol", gin.WrapF(pprof.Symbol))
		g.GET("/symbol", gin.WrapF(pprof.Symbol))
		g.GET("/trace", gin.WrapF(pprof.Trace))
		g.GET("/allocs", gin.WrapH(pprof.Handler("allocs")))
		g.GET("/block", gin.WrapH(pprof.Handler("block")))
		g.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		g.GET("/heap", gin.WrapH(pprof.Handler("heap")))
		g.GET("/mutex", gin.WrapH(pprof.Handler("mutex")))
		g.GET("/threadcreate", gin.WrapH(pprof.Handler("threadcreate")))
	}
}
