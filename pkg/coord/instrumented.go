package coord

import (
	"context"
	"time"
)

// Recorder observes coordination operations. Implementations must be safe
// for concurrent use.
type Recorder interface {
	// RecordOperation is called once per operation with its latency and
	// outcome.
	RecordOperation(op string, elapsed time.Duration, err error)
}

// Instrumented decorates a Client with per-operation recording. A nil
// recorder turns it into a plain passthrough.
type Instrumented struct {
	inner Client
	rec   Recorder
}

var _ Client = (*Instrumented)(nil)

// NewInstrumented wraps inner so every operation is reported to rec.
func NewInstrumented(inner Client, rec Recorder) *Instrumented {
	return &Instrumented{inner: inner, rec: rec}
}

func (c *Instrumented) record(op string, start time.Time, err error) {
	if c.rec != nil {
		c.rec.RecordOperation(op, time.Since(start), err)
	}
}

func (c *Instrumented) Connect(ctx context.Context) error {
	start := time.Now()
	err := c.inner.Connect(ctx)
	c.record("connect", start, err)
	return err
}

func (c *Instrumented) PutEphemeral(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := c.inner.PutEphemeral(ctx, key, value)
	c.record("put_ephemeral", start, err)
	return err
}

func (c *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := c.inner.Delete(ctx, key)
	c.record("delete", start, err)
	return err
}

func (c *Instrumented) Get(ctx context.Context, key string) (KV, error) {
	start := time.Now()
	kv, err := c.inner.Get(ctx, key)
	c.record("get", start, err)
	return kv, err
}

func (c *Instrumented) List(ctx context.Context, prefix string) ([]KV, error) {
	start := time.Now()
	kvs, err := c.inner.List(ctx, prefix)
	c.record("list", start, err)
	return kvs, err
}

func (c *Instrumented) Watch(ctx context.Context, prefix string) <-chan Event {
	return c.inner.Watch(ctx, prefix)
}

func (c *Instrumented) SessionLost() <-chan struct{} {
	return c.inner.SessionLost()
}

func (c *Instrumented) State() State {
	return c.inner.State()
}

func (c *Instrumented) Close() error {
	start := time.Now()
	err := c.inner.Close()
	c.record("close", start, err)
	return err
}
