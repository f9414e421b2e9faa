package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// IsRetryableResult reports whether a failed step may be attempted again.
// Results without a code are treated as retryable.
func IsRetryableResult(r *schema.StepResult) bool {
	if r == nil || !r.Failed() {
		return false
	}
	if r.ErrorCode == "" {
		return true
	}
	return schema.NewError(r.ErrorCode, "").IsRetryable()
}

// IsRetryableError classifies a handler error.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return true
}

// ComputeBackoff returns the delay before attempt+1, where attempt counts the
// failures so far starting at 0. Invalid durations mean no delay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	delay := base
	switch policy.Backoff {
	case "exponential":
		for i := 0; i < attempt && delay < time.Hour; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx ends.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func maxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}
