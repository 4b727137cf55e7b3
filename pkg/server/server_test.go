package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "zero config", cfg: Config{}},
		{name: "negative port", cfg: Config{Port: -1}, wantErr: true},
		{name: "port too large", cfg: Config{Port: 70000}, wantErr: true},
		{name: "bad mode", cfg: Config{Mode: "turbo"}, wantErr: true},
		{name: "negative timeout", cfg: Config{ReadTimeout: -time.Second}, wantErr: true},
		{name: "full config", cfg: Config{Host: "127.0.0.1", Port: 8080, Mode: gin.ReleaseMode}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Mode == "" {
		cfg.Mode = gin.TestMode
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServerServesHealth(t *testing.T) {
	s := newTestServer(t, Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	ep := s.Endpoint()
	if !ep.HasPort() || ep.Port == 0 {
		t.Fatalf("Endpoint() = %v, want bound port", ep)
	}

	status, body := get(t, fmt.Sprintf("http://%s/health", ep.HostPort()))
	if status != http.StatusOK {
		t.Fatalf("health status = %d, want %d", status, http.StatusOK)
	}
	if !strings.Contains(body, "ok") {
		t.Fatalf("health body = %q, want it to contain %q", body, "ok")
	}
}

func TestServerServesMetrics(t *testing.T) {
	s := newTestServer(t, Config{EnableMetrics: true})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	status, body := get(t, fmt.Sprintf("http://%s/metrics", s.Endpoint().HostPort()))
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", status, http.StatusOK)
	}
	if !strings.Contains(body, "# HELP") {
		t.Fatalf("metrics body lacks prometheus exposition text")
	}
}

func TestStartHooksSeeBoundPort(t *testing.T) {
	s := newTestServer(t, Config{})

	var order []string
	s.OnStart(func(ctx context.Context) error {
		if s.Endpoint().Port == 0 {
			t.Error("start hook ran before the socket was bound")
		}
		order = append(order, "first")
		return nil
	}).OnStart(func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("hook order = %v, want [first second]", order)
	}
}

func TestStartHookErrorAbortsStartup(t *testing.T) {
	s := newTestServer(t, Config{})

	hookErr := errors.New("no database")
	var secondRan bool
	s.OnStart(func(ctx context.Context) error { return hookErr })
	s.OnStart(func(ctx context.Context) error { secondRan = true; return nil })

	err := s.Start(context.Background())
	if !errors.Is(err, hookErr) {
		t.Fatalf("Start error = %v, want %v", err, hookErr)
	}
	if secondRan {
		t.Error("hook after the failing one still ran")
	}

	conn, err := net.DialTimeout("tcp", s.Endpoint().HostPort(), 100*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Fatal("socket still accepting after aborted startup")
	}
}

func TestShutdownRunsStopHooksWhileServing(t *testing.T) {
	s := newTestServer(t, Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	url := fmt.Sprintf("http://%s/health", s.Endpoint().HostPort())

	var hookRan bool
	s.OnStop(func(ctx context.Context) error {
		hookRan = true
		// Deregistration happens here: the server must still answer.
		status, _ := get(t, url)
		if status != http.StatusOK {
			t.Errorf("health during stop hook = %d, want %d", status, http.StatusOK)
		}
		return nil
	})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !hookRan {
		t.Fatal("stop hook did not run")
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still answering after Shutdown")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s := newTestServer(t, Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var hookRuns int
	s.OnStop(func(ctx context.Context) error { hookRuns++; return nil })

	for i := 0; i < 3; i++ {
		if err := s.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown #%d: %v", i+1, err)
		}
	}
	if hookRuns != 1 {
		t.Fatalf("stop hook ran %d times, want 1", hookRuns)
	}
}

func TestDoubleStart(t *testing.T) {
	s := newTestServer(t, Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ep := s.Endpoint(); ep.Port != 0 {
			resp, err := http.Get(fmt.Sprintf("http://%s/health", ep.HostPort()))
			if err == nil {
				resp.Body.Close()
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("server never became reachable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
