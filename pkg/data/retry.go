package data

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Conflict retry bounds for read-modify-write loops.
const (
	conflictInitialInterval = 5 * time.Millisecond
	conflictMaxInterval     = 200 * time.Millisecond
	conflictMaxElapsed      = 5 * time.Second
)

// RetryOnConflict runs op until it succeeds, fails with an error other than
// ErrConcurrentModification, or the retry budget is spent. op must re-read
// the aggregate it modifies on every attempt.
func RetryOnConflict(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conflictInitialInterval
	b.MaxInterval = conflictMaxInterval
	b.MaxElapsedTime = conflictMaxElapsed

	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, ErrConcurrentModification) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}
