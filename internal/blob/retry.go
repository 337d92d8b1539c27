package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Retrying decorates a Storage with bounded-backoff retries. Storage
// failures are retriable per the engine's error policy; the caller's
// deadline bounds the total time spent.
type Retrying struct {
	inner    Storage
	attempts int
	backoff  time.Duration
	sleep    func(context.Context, time.Duration) error
}

// NewRetrying wraps inner with up to attempts tries per call, doubling the
// backoff between tries.
func NewRetrying(inner Storage, attempts int, backoff time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{
		inner:    inner,
		attempts: attempts,
		backoff:  backoff,
		sleep:    sleepCtx,
	}
}

var _ Storage = (*Retrying)(nil)

func (r *Retrying) Put(ctx context.Context, path string, data []byte) (string, error) {
	var (
		url string
		err error
	)
	wait := r.backoff
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			if serr := r.sleep(ctx, wait); serr != nil {
				return "", serr
			}
			wait *= 2
		}
		url, err = r.inner.Put(ctx, path, data)
		if err == nil {
			return url, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", err
}

func (r *Retrying) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	wait := r.backoff
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			if serr := r.sleep(ctx, wait); serr != nil {
				return nil, serr
			}
			wait *= 2
		}
		rc, err = r.inner.Open(ctx, path)
		if err == nil {
			return rc, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
