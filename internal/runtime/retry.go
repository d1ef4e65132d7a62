package runtime

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
)

// renderTries is one retry on top of the first attempt.
const renderTries = 2

// retryPolicy is exponential backoff between base and max, bounded by a
// number of tries per stage.
type retryPolicy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
}

func (r retryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.base
	b.MaxInterval = r.max
	return b
}

// retryStage runs op until it succeeds, returns an error outside retryable,
// or tries is reached. It returns the number of executions.
func retryStage[T any](ctx context.Context, policy retryPolicy, tries int, retryable []errspkg.Class, onRetry func(error, time.Duration), op func() (T, error)) (T, int, error) {
	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		res, err := op()
		if err != nil && !slices.Contains(retryable, errspkg.Classify(err)) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(max(tries, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(onRetry),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return res, attempts, err
}
