package capture

import (
	"fmt"
	"log/slog"
)

// bestEffort runs one teardown step. Errors and panics are logged and
// returned so the caller can carry on with the next step.
func bestEffort(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capture: %s: panic: %v", step, r)
			slog.Warn("capture: teardown step panicked", "step", step, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		slog.Warn("capture: teardown step failed", "step", step, "error", err)
		return fmt.Errorf("capture: %s: %w", step, err)
	}
	return nil
}
