package services

import (
	"context"
	"time"

	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

// RetryPolicy retries read-only fetches that failed with a rate-limit or
// network error. Delays[i] is the wait before attempt i+2, so the total
// number of attempts is len(Delays)+1. A nil Delays means the default
// schedule; an empty non-nil slice turns retries off. Never wrap a call that
// changes state.
type RetryPolicy struct {
	Delays []time.Duration
	// Sleep is replaced in tests; it must return ctx.Err() when ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error
}

var DefaultRetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}

// DefaultRetryPolicy waits 5s, 15s then 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delays: DefaultRetryDelays}
}

// Attempts is the maximum number of calls the policy will make.
func (p RetryPolicy) Attempts() int {
	return len(p.delays()) + 1
}

func (p RetryPolicy) delays() []time.Duration {
	if p.Delays == nil {
		return DefaultRetryDelays
	}
	return p.Delays
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or the
// policy runs out of attempts. The last error is returned unchanged.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	delays := p.delays()
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		kind := models.KindOf(err)
		if !kind.Retryable() || attempt >= len(delays) {
			return zero, err
		}

		delay := delays[attempt]
		log := utils.LoggerFrom(ctx)
		log.Warn().
			Str("kind", string(kind)).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg(utils.MaskString(err.Error()))

		if err := p.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}
