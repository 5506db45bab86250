package router

import (
	"context"
	"fmt"
	"time"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/address"
)

// RetrySchedule is the delay before each attempt of
// FetchWithRetry.
var RetrySchedule = []time.Duration{
	0,
	10 * time.Second,
	30 * time.Second,
	70 * time.Second,
	150 * time.Second,
}

// FetchWithRetry calls fn once per entry of schedule,
// waiting the entry's delay first, until fn succeeds or
// fails with an error that is not worth retrying.
func FetchWithRetry[T any]( // A
	ctx context.Context,
	schedule []time.Duration,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	if len(schedule) == 0 {
		schedule = []time.Duration{0}
	}
	var (
		zero T
		err  error
	)
	for attempt, delay := range schedule {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("%w: after %d attempts: %w", sderrors.ErrTimeout, attempt, err)
			case <-timer.C:
			}
		}
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !sderrors.IsRetryable(err) {
			return zero, err
		}
	}
	return zero, err
}

// FetchObjectWithRetry is FetchObject under the configured
// retry schedule. Forged answers end the retries at once.
func (r *Router) FetchObjectWithRetry( // A
	ctx context.Context,
	h address.ObjectHash,
) ([]byte, error) {
	return FetchWithRetry(ctx, r.retries, func(ctx context.Context) ([]byte, error) {
		return r.FetchObject(ctx, h)
	})
}
