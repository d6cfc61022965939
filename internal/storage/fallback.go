package storage

import (
	"context"
	"log/slog"

	"github.com/MrWong99/capturebot/internal/resilience"
)

var _ ObjectStore = (*FallbackStore)(nil)

// FallbackStore writes to the first healthy store of a chain. Each store
// has its own circuit breaker, so a dead primary is skipped quickly.
type FallbackStore struct {
	group *resilience.FallbackGroup[ObjectStore]
}

// NewFallbackStore creates a chain with primary first.
func NewFallbackStore(name string, primary ObjectStore, cfg resilience.CircuitBreakerConfig) *FallbackStore {
	return &FallbackStore{group: resilience.NewFallbackGroup(name, primary, cfg)}
}

// Add appends a store tried after all earlier ones. Call it before the
// store is shared.
func (f *FallbackStore) Add(name string, s ObjectStore) {
	f.group.AddFallback(name, s)
}

// Put implements [ObjectStore].
func (f *FallbackStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	name, err := f.group.Execute(ctx, func(ctx context.Context, s ObjectStore) error {
		return s.Put(ctx, key, body, contentType)
	})
	if err != nil {
		return err
	}
	slog.Debug("storage: object stored", "key", key, "store", name, "bytes", len(body))
	return nil
}
