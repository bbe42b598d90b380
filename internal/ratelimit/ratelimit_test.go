package ratelimit

import (
	"context"
	"testing"
	"time"
)

// recordingBackend captures the composed key.
type recordingBackend struct {
	lastKey    string
	lastLimit  int
	lastWindow time.Duration
}

func (r *recordingBackend) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.lastKey = key
	r.lastLimit = limit
	r.lastWindow = window
	return true, nil
}

func TestServiceKeyComposition(t *testing.T) {
	t.Parallel()
	backend := &recordingBackend{}
	svc := NewService(backend)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() (bool, error)
		key  string
	}{
		{
			name: "user scope",
			call: func() (bool, error) { return svc.AllowUser(ctx, 42, "broadcast", 20, time.Minute) },
			key:  "user:broadcast:42",
		},
		{
			name: "global scope",
			call: func() (bool, error) { return svc.AllowGlobal(ctx, "webhook", 300, time.Second) },
			key:  "global:webhook",
		},
		{
			name: "raw key",
			call: func() (bool, error) { return svc.Allow(ctx, "custom", 1, time.Second) },
			key:  "custom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.call()
			if err != nil || !ok {
				t.Fatalf("call: ok=%v err=%v", ok, err)
			}
			if backend.lastKey != tt.key {
				t.Fatalf("key = %q, want %q", backend.lastKey, tt.key)
			}
		})
	}
}
