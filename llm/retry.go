package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/m4xw311/tandem/errors"
)

var (
	// ErrIncompleteStream reports a stream that ended before its terminal
	// event. It is always wrapped as transient.
	ErrIncompleteStream = errors.Sentinel("stream ended before completion")
	// ErrNoCandidate reports a generate-content response without candidates.
	ErrNoCandidate = errors.Sentinel("no candidate in response")
)

// newRetryBackOff waits min(2*2^attempt, 16) seconds with no jitter and no
// overall deadline.
func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 16 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// withRetry runs call until it succeeds, fails permanently, or the retry cap
// is reached. Only errors classified by errors.IsRetryable are retried.
func withRetry[T any](ctx context.Context, o Options, provider string, call func(ctx context.Context) (T, error)) (T, error) {
	var b backoff.BackOff
	if o.NewBackOff != nil {
		b = o.NewBackOff()
	} else {
		b = newRetryBackOff()
	}
	if o.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(o.MaxRetries))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	op := func() (T, error) {
		res, err := call(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !errors.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, d time.Duration) {
		attempt++
		o.logger().Warn("retrying provider call",
			slog.String("provider", provider),
			slog.String("model", o.Model),
			slog.Int("attempt", attempt),
			slog.Duration("delay", d),
			slog.Any("err", err))
	}
	return backoff.RetryNotifyWithData(op, b, notify)
}
