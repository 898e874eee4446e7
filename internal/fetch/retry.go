package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryNotify is called before each retry.
type RetryNotify func(url string, attempt int, err error, wait time.Duration)

// Retrying retries transport failures a bounded number of times with a
// constant delay. HTTP status codes are returned as-is and never retried.
type Retrying struct {
	next    Fetcher
	retries uint64
	delay   time.Duration
	notify  RetryNotify
}

// NewRetrying wraps next. retries is the number of extra attempts after
// the first one.
func NewRetrying(next Fetcher, retries int, delay time.Duration, notify RetryNotify) *Retrying {
	if retries < 0 {
		retries = 0
	}
	return &Retrying{next: next, retries: uint64(retries), delay: delay, notify: notify}
}

// Fetch implements Fetcher.
func (r *Retrying) Fetch(ctx context.Context, req Request) (*Response, error) {
	if r.retries == 0 {
		return r.next.Fetch(ctx, req)
	}

	var resp *Response
	attempts := 0

	op := func() error {
		attempts++
		var err error
		resp, err = r.next.Fetch(ctx, req)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransport(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if r.notify != nil {
			r.notify(req.URL, attempts, err, wait)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), r.retries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			te.Attempts = attempts
		}
		return nil, err
	}
	return resp, nil
}
