package providers

import (
	"context"
	"time"
)

// BaseProvider holds the retry knobs a provider's SDK wrapper delegates to.
// Unlike internal/backoff's exponential policy (built for the harness's own
// telemetry writes), BaseProvider retries (used by the Bedrock provider)
// use linear backoff: Bedrock throttling tends to clear within a couple of request-sized windows, and a
// fixed ramp keeps turn latency predictable under that load pattern.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider, defaulting maxRetries to 3 and
// retryDelay to 1s when the caller leaves either unset.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{name: name, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Retry runs op, retrying with linear backoff (retryDelay * attempt) as long
// as isRetryable approves the returned error and attempts remain. A nil
// isRetryable treats every error as terminal.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable == nil || !isRetryable(err) || attempt >= b.maxRetries {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}
