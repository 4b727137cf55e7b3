package coord

import (
	"bytes"
	"context"
	"time"
)

// defaultPollInterval paces polling watches on backends without native
// change notification.
const defaultPollInterval = time.Second

// pollEvents implements Watch by listing the prefix every interval and
// diffing against the previous snapshot. The first listing seeds the
// snapshot, so only changes after the call are emitted. Closes out when ctx
// ends.
func pollEvents(ctx context.Context, interval time.Duration, list func(context.Context) ([]KV, error), out chan<- Event) {
	defer close(out)

	prev := map[string]KV{}
	if kvs, err := list(ctx); err == nil {
		for _, kv := range kvs {
			prev[kv.Key] = kv
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		kvs, err := list(ctx)
		if err != nil {
			continue
		}

		next := make(map[string]KV, len(kvs))
		for _, kv := range kvs {
			next[kv.Key] = kv
			old, seen := prev[kv.Key]
			if !seen || old.Version != kv.Version || !bytes.Equal(old.Value, kv.Value) {
				if !emit(ctx, out, Event{Type: EventPut, Key: kv.Key, Value: kv.Value}) {
					return
				}
			}
		}
		for key := range prev {
			if _, ok := next[key]; !ok {
				if !emit(ctx, out, Event{Type: EventDelete, Key: key}) {
					return
				}
			}
		}
		prev = next
	}
}

func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
