package registry

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dongjinleekr/armeria/pkg/coord"
	"github.com/dongjinleekr/armeria/pkg/endpoint"
)

func TestBuilderValidation(t *testing.T) {
	mock := coord.NewMock()
	tests := []struct {
		name    string
		builder func() *ListenerBuilder
		want    error
	}{
		{
			name:    "empty connect string",
			builder: func() *ListenerBuilder { return NewListenerBuilder("", "/svc") },
			want:    ErrInvalidArgument,
		},
		{
			name:    "blank connect string",
			builder: func() *ListenerBuilder { return NewListenerBuilder("   ", "/svc") },
			want:    ErrInvalidArgument,
		},
		{
			name:    "empty path",
			builder: func() *ListenerBuilder { return NewListenerBuilder("etcd:2379", "") },
			want:    ErrInvalidArgument,
		},
		{
			name:    "nil etcd client",
			builder: func() *ListenerBuilder { return NewListenerBuilderWithClient(nil, "/svc") },
			want:    ErrInvalidArgument,
		},
		{
			name:    "nil store",
			builder: func() *ListenerBuilder { return NewListenerBuilderFromStore(nil, "/svc") },
			want:    ErrInvalidArgument,
		},
		{
			name: "zero connect timeout",
			builder: func() *ListenerBuilder {
				return NewListenerBuilder("etcd:2379", "/svc").ConnectTimeout(0)
			},
			want: ErrInvalidArgument,
		},
		{
			name: "negative session timeout",
			builder: func() *ListenerBuilder {
				return NewListenerBuilder("etcd:2379", "/svc").SessionTimeout(-time.Second)
			},
			want: ErrInvalidArgument,
		},
		{
			name: "zero connect timeout millis",
			builder: func() *ListenerBuilder {
				return NewListenerBuilder("etcd:2379", "/svc").ConnectTimeoutMillis(0)
			},
			want: ErrInvalidArgument,
		},
		{
			name: "negative session timeout millis",
			builder: func() *ListenerBuilder {
				return NewListenerBuilder("etcd:2379", "/svc").SessionTimeoutMillis(-5)
			},
			want: ErrInvalidArgument,
		},
		{
			name: "endpoint with weight but no port",
			builder: func() *ListenerBuilder {
				return NewListenerBuilderFromStore(mock, "/svc").
					Endpoint(endpoint.Endpoint{Host: "a", Weight: 3})
			},
			want: ErrInvalidArgument,
		},
		{
			name: "empty instance id",
			builder: func() *ListenerBuilder {
				return NewListenerBuilderFromStore(mock, "/svc").InstanceID("")
			},
			want: ErrInvalidArgument,
		},
		{
			name: "instance id with slash",
			builder: func() *ListenerBuilder {
				return NewListenerBuilderFromStore(mock, "/svc").InstanceID("a/b")
			},
			want: ErrInvalidArgument,
		},
		{
			name: "nil codec",
			builder: func() *ListenerBuilder {
				return NewListenerBuilderFromStore(mock, "/svc").Codec(nil)
			},
			want: ErrInvalidArgument,
		},
		{
			name: "nil logger",
			builder: func() *ListenerBuilder {
				return NewListenerBuilderFromStore(mock, "/svc").Logger(nil)
			},
			want: ErrInvalidArgument,
		},
		{
			name: "nil recorder",
			builder: func() *ListenerBuilder {
				return NewListenerBuilderFromStore(mock, "/svc").Metrics(nil)
			},
			want: ErrInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := tt.builder().Build()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
			if l != nil {
				t.Errorf("Build() returned a listener alongside the error")
			}
		})
	}
}

func TestTimeoutSettersRequireOwnedClient(t *testing.T) {
	setters := []struct {
		name  string
		apply func(*ListenerBuilder) *ListenerBuilder
	}{
		{"ConnectTimeout", func(b *ListenerBuilder) *ListenerBuilder { return b.ConnectTimeout(time.Second) }},
		{"ConnectTimeoutMillis", func(b *ListenerBuilder) *ListenerBuilder { return b.ConnectTimeoutMillis(500) }},
		{"SessionTimeout", func(b *ListenerBuilder) *ListenerBuilder { return b.SessionTimeout(time.Minute) }},
		{"SessionTimeoutMillis", func(b *ListenerBuilder) *ListenerBuilder { return b.SessionTimeoutMillis(5000) }},
	}
	for _, tt := range setters {
		t.Run("store/"+tt.name, func(t *testing.T) {
			b := tt.apply(NewListenerBuilderFromStore(coord.NewMock(), "/svc"))
			if _, err := b.Build(); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("Build() error = %v, want %v", err, ErrInvalidState)
			}
		})
	}

	cli := clientv3.NewCtxClient(context.Background())
	b := NewListenerBuilderWithClient(cli, "/svc").ConnectTimeout(time.Second)
	_, err := b.Build()
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Build() error = %v, want %v", err, ErrInvalidState)
	}
	if !strings.Contains(err.Error(), "internally managed client") {
		t.Errorf("error %q does not name the ownership rule", err)
	}
}

func TestFirstViolationWins(t *testing.T) {
	b := NewListenerBuilder("", "/svc").ConnectTimeout(-time.Second)
	_, err := b.Build()
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Build() error = %v, want %v", err, ErrInvalidArgument)
	}
	if !strings.Contains(err.Error(), "connectString") {
		t.Errorf("Build() error = %q, want the first violation (connectString)", err)
	}
}

func TestBuildDefaults(t *testing.T) {
	l, err := NewListenerBuilderFromStore(coord.NewMock(), "/svc/").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if l.connectTimeout != DefaultConnectTimeout {
		t.Errorf("connectTimeout = %v, want %v", l.connectTimeout, DefaultConnectTimeout)
	}
	if l.sessionTimeout != DefaultSessionTimeout {
		t.Errorf("sessionTimeout = %v, want %v", l.sessionTimeout, DefaultSessionTimeout)
	}
	if l.codec == nil {
		t.Error("codec not defaulted")
	}
	if l.path != "/svc" {
		t.Errorf("path = %q, want trailing slash trimmed", l.path)
	}
	if l.closeStore {
		t.Error("closeStore = true for an externally supplied store")
	}
	if l.State() != StateIdle {
		t.Errorf("State() = %v, want %v", l.State(), StateIdle)
	}
}

func TestTimeoutMillisConversion(t *testing.T) {
	l, err := NewListenerBuilder("etcd:2379", "/svc").
		ConnectTimeoutMillis(1500).
		SessionTimeoutMillis(math.MaxInt64).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer l.Stop(context.Background())

	if want := 1500 * time.Millisecond; l.connectTimeout != want {
		t.Errorf("connectTimeout = %v, want %v", l.connectTimeout, want)
	}
	if want := time.Duration(maxTimeoutMillis) * time.Millisecond; l.sessionTimeout != want {
		t.Errorf("sessionTimeout = %v, want capped at %v", l.sessionTimeout, want)
	}
	if !l.closeStore {
		t.Error("closeStore = false in connection-string mode")
	}
}
