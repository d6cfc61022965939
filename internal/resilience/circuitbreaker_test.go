package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "meeting-api"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "meeting-api" {
		t.Errorf("Name = %q, want meeting-api", cb.Name())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour})
	ctx := context.Background()

	for range 3 {
		_ = cb.Execute(ctx, fail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while the breaker was open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after a cancelled call", cb.State())
	}

	if err := cb.Execute(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute with done ctx = %v, want context.Canceled", err)
	}
}

func TestCircuitBreaker_HalfOpenTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func(context.Context) error
		want  State
	}{
		{name: "successful probes close", probe: succeed, want: StateClosed},
		{name: "failed probe re-opens", probe: fail, want: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cb := NewCircuitBreaker(CircuitBreakerConfig{
				MaxFailures:  2,
				ResetTimeout: 10 * time.Millisecond,
				HalfOpenMax:  2,
			})
			ctx := context.Background()
			_ = cb.Execute(ctx, fail)
			_ = cb.Execute(ctx, fail)

			time.Sleep(15 * time.Millisecond)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open after timeout", cb.State())
			}

			for range 2 {
				_ = cb.Execute(ctx, tt.probe)
			}

			cb.mu.Lock()
			got := cb.state
			cb.mu.Unlock()
			if got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	var (
		mu          sync.Mutex
		transitions []string
	)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "api",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"api:closed->open", "api:open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
