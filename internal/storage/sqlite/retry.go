package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BusyRetry controls how a store call that hit SQLITE_BUSY is retried.
type BusyRetry struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the randomization factor, e.g. 0.25 for +/-25%.
	Jitter float64
}

// DefaultBusyRetry is 7 retries from 50ms, capped at 2s, with 25% jitter.
func DefaultBusyRetry() BusyRetry {
	return BusyRetry{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Jitter:     0.25,
	}
}

func (r BusyRetry) policy(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.BaseDelay,
		RandomizationFactor: r.Jitter,
		Multiplier:          2,
		MaxInterval:         r.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx)
}

// RetryOnBusy runs fn, retrying while sqlite reports the database busy.
// Any other error is returned at once. When retries run out or ctx ends the
// last busy error is returned.
func RetryOnBusy(ctx context.Context, fn func() error) error {
	return retryOnBusy(ctx, DefaultBusyRetry(), fn, nil, nil)
}

func retryOnBusy(ctx context.Context, r BusyRetry, fn func() error, notify backoff.Notify, timer backoff.Timer) error {
	var busy error
	op := func() error {
		err := fn()
		if err != nil && !isDBLocked(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			busy = err
		}
		return err
	}
	err := backoff.RetryNotifyWithTimer(op, r.policy(ctx), notify, timer)
	if err != nil && busy != nil && errors.Is(err, ctx.Err()) {
		return busy
	}
	return err
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
