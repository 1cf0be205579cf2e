package process

import (
	"errors"
	"fmt"
	"time"
)

// ShutdownStep is one action of a shutdown sequence: either send Signal or
// wait for Wait. Exactly one of the two is set.
type ShutdownStep struct {
	Signal string
	Wait   time.Duration
}

// SignalStep returns a step sending the named signal.
func SignalStep(name string) ShutdownStep {
	return ShutdownStep{Signal: name}
}

// WaitStep returns a step waiting for d.
func WaitStep(d time.Duration) ShutdownStep {
	return ShutdownStep{Wait: d}
}

// DefaultShutdownSequence is SIGINT, one minute of grace, then SIGKILL.
func DefaultShutdownSequence() []ShutdownStep {
	return []ShutdownStep{
		SignalStep("SIGINT"),
		WaitStep(60 * time.Second),
		SignalStep("SIGKILL"),
	}
}

// ValidateShutdownSequence checks that every step is well formed.
func ValidateShutdownSequence(steps []ShutdownStep) error {
	var errs []error

	for i, step := range steps {
		switch {
		case step.Signal != "" && step.Wait != 0:
			errs = append(errs, fmt.Errorf("step %d: both signal and wait are set", i))
		case step.Signal != "":
			if _, err := ParseSignal(step.Signal); err != nil {
				errs = append(errs, fmt.Errorf("step %d: %w", i, err))
			}
		case step.Wait < 0:
			errs = append(errs, fmt.Errorf("step %d: negative wait %v", i, step.Wait))
		}
	}

	return errors.Join(errs...)
}

// shouldSkipFirst reports whether the first step must be elided because the
// caller already delivered that signal.
func shouldSkipFirst(steps []ShutdownStep, alreadyDelivered string) bool {
	if len(steps) == 0 || alreadyDelivered == "" {
		return false
	}

	return steps[0].Signal != "" && SameSignal(steps[0].Signal, alreadyDelivered)
}
