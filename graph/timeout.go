package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// stepTimeout determines the timeout for a step based on precedence:
// 1. StepTimeout option (per-step override)
// 2. defaultTimeout (engine-wide default)
// 3. 0 (no timeout)
func stepTimeout(def *stepDef, defaultTimeout time.Duration) time.Duration {
	if def != nil && def.timeout > 0 {
		return def.timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeStep runs a step with timeout enforcement and panic recovery.
//
// A step that exceeds its timeout fails with ErrStepTimeout even if it
// returned a result. A panic is converted into a failed Result.
func executeStep(ctx context.Context, def *stepDef, state State, defaultTimeout time.Duration) (result Result) {
	timeout := stepTimeout(def, defaultTimeout)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = Fail(fmt.Errorf("panic: %v", r))
		}
	}()

	result = def.step.Run(runCtx, state.Clone())

	if timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Fail(fmt.Errorf("%w: %s exceeded %v", ErrStepTimeout, def.name, timeout))
	}
	return result
}
