package backoff

import (
	"context"
	"time"
)

// SleepWithContext blocks for duration or until ctx is cancelled, whichever
// comes first. A non-positive duration returns immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepWithBackoff sleeps for policy's computed duration at attempt, honoring
// ctx cancellation.
func SleepWithBackoff(ctx context.Context, policy BackoffPolicy, attempt int) error {
	return SleepWithContext(ctx, ComputeBackoff(policy, attempt))
}
