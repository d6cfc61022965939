package resilience

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	t.Parallel()

	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")

	tests := []struct {
		name      string
		cfg       RetryConfig
		failures  int
		failWith  error
		wantCalls int32
		wantErr   error
	}{
		{
			name:      "first attempt succeeds",
			cfg:       RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond},
			wantCalls: 1,
		},
		{
			name:      "succeeds after failures",
			cfg:       RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond},
			failures:  2,
			failWith:  errTransient,
			wantCalls: 3,
		},
		{
			name:      "attempts exhausted",
			cfg:       RetryConfig{MaxAttempts: 2, Backoff: time.Millisecond},
			failures:  5,
			failWith:  errTransient,
			wantCalls: 2,
			wantErr:   errTransient,
		},
		{
			name: "non-retryable error stops at once",
			cfg: RetryConfig{
				MaxAttempts: 5,
				Backoff:     time.Millisecond,
				Retryable:   func(err error) bool { return !errors.Is(err, errFatal) },
			},
			failures:  5,
			failWith:  errFatal,
			wantCalls: 1,
			wantErr:   errFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			v, err := Retry(context.Background(), tt.cfg, func(context.Context) (string, error) {
				if int(calls.Add(1)) <= tt.failures {
					return "", tt.failWith
				}
				return "conn", nil
			})
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantErr == nil {
				if err != nil || v != "conn" {
					t.Errorf("Retry = %q, %v; want conn, nil", v, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetry_BackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	var stamps []time.Time
	_, _ = Retry(context.Background(), RetryConfig{
		MaxAttempts: 4,
		Backoff:     20 * time.Millisecond,
		MaxBackoff:  30 * time.Millisecond,
	}, func(context.Context) (int, error) {
		stamps = append(stamps, time.Now())
		return 0, errors.New("down")
	})

	if len(stamps) != 4 {
		t.Fatalf("calls = %d, want 4", len(stamps))
	}
	// Pauses are 20ms, 30ms (capped from 40ms), 30ms.
	mins := []time.Duration{20 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond}
	for i, want := range mins {
		if gap := stamps[i+1].Sub(stamps[i]); gap < want {
			t.Errorf("pause %d = %v, want >= %v", i, gap, want)
		}
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, RetryConfig{Name: "join", MaxAttempts: 10, Backoff: time.Hour},
			func(context.Context) (struct{}, error) {
				calls.Add(1)
				return struct{}{}, errors.New("refused")
			})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if !strings.Contains(err.Error(), "refused") {
			t.Errorf("err = %v, want last failure mentioned", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancel")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRetry_Defaults(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{}.withDefaults()
	if cfg.MaxAttempts != defaultMaxAttempts || cfg.Backoff != defaultBackoff || cfg.MaxBackoff != defaultMaxBackoff {
		t.Errorf("defaults = %+v", cfg)
	}
}
