package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy bounds the retry behavior around a remote operation.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt, so a
	// fully failing operation is attempted MaxRetries+1 times.
	MaxRetries int

	// Retry disabled means a single attempt, no backoff.
	Retry bool

	// Sleep is replaceable in tests. Nil uses a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy mirrors the reference behavior: three retries with
// exponential backoff.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Retry: true}
}

// ExhaustedError reports that an operation failed on every attempt the
// policy allowed. Attempts counts the total attempts made, including the
// first.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Retry runs op under the policy, waiting 2^attempt seconds between
// attempts. Only transient errors are retried; a permanent error ends the
// loop immediately. Any failure is reported as an ExhaustedError carrying
// the attempt count and the last error.
func Retry(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	sleep := policy.Sleep
	if sleep == nil {
		sleep = waitFor
	}

	maxRetries := policy.MaxRetries
	if !policy.Retry {
		maxRetries = 0
	}

	attempts := 0
	for {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}

		var transient *TransientError
		if !errors.As(err, &transient) || attempts > maxRetries {
			return &ExhaustedError{Attempts: attempts, Last: err}
		}

		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		if err := sleep(ctx, backoff); err != nil {
			return &ExhaustedError{Attempts: attempts, Last: err}
		}
	}
}

func waitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
