// Package cache holds encoded polygon documents keyed by id and CRS.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-value store with per-entry expiry. Get reports a miss
// with ok == false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Del(context.Context, ...string) error { return nil }

// Tiered reads from the first layer that has the key and back-fills the
// layers in front of it. Writes and deletes go to every layer.
type Tiered struct {
	layers []Cache
	ttl    time.Duration
}

// NewTiered stacks layers front to back. ttl is used when back-filling.
func NewTiered(ttl time.Duration, layers ...Cache) *Tiered {
	return &Tiered{layers: layers, ttl: ttl}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	for i, l := range t.layers {
		val, ok, err := l.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			_ = t.layers[j].Set(ctx, key, val, t.ttl)
		}
		return val, true, nil
	}
	return nil, false, nil
}

func (t *Tiered) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	for _, l := range t.layers {
		if err := l.Set(ctx, key, val, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tiered) Del(ctx context.Context, keys ...string) error {
	var firstErr error
	for _, l := range t.layers {
		if err := l.Del(ctx, keys...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
