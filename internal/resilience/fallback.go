package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// had an open breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// fallbackEntry pairs a backend with its own breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and any number of fallbacks of the
// same type. Execute tries them in registration order, skipping entries
// whose breaker is open.
//
// Entries must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     CircuitBreakerConfig
}

// NewFallbackGroup creates a group with primary as its first entry. cfg is
// the template for every entry's breaker; its Name is replaced by the
// entry's name.
func NewFallbackGroup[T any](name string, primary T, cfg CircuitBreakerConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(name, primary)
	return fg
}

// AddFallback appends a backend tried after every earlier entry.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Execute runs fn against each entry until one succeeds and returns the
// name of that entry. When every entry fails the error wraps
// [ErrAllFailed] and each entry's error.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(ctx context.Context, v T) error) (string, error) {
	_, name, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return name, err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It returns the value and the name of the entry that produced it.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(ctx context.Context, v T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(ctx, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = fn(ctx, entry.value)
			return innerErr
		})
		if err == nil {
			return result, entry.name, nil
		}
		if ctx.Err() != nil {
			return zero, "", err
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping backend with open circuit", "backend", entry.name)
		} else {
			slog.Warn("resilience: backend failed, trying next", "backend", entry.name, "error", err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
