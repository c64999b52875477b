// Package retry executes outbound HTTP calls with a per-attempt deadline and
// a fixed backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrAttemptTimeout marks an attempt aborted by the per-attempt deadline.
	ErrAttemptTimeout = errors.New("upstream attempt timed out")
	// ErrAllRetriesFailed is returned when the attempt budget ran out
	// without any attempt producing an error to report.
	ErrAllRetriesFailed = errors.New("all retries failed")
)

// Defaults for the AMap proxy.
const (
	DefaultAttempts = 2
	DefaultTimeout  = 6 * time.Second
	DefaultBackoff  = 800 * time.Millisecond
)

// Doer sends a single HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RequestFunc builds a fresh request bound to ctx for each attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Executor retries transport failures. Any HTTP response, whatever its
// status, ends the loop.
type Executor struct {
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration

	// OnRetry, when set, is called before waiting for the next attempt.
	OnRetry func(attempt int, err error)
}

// New creates an Executor.
func New(attempts int, timeout, backoff time.Duration) *Executor {
	return &Executor{Attempts: attempts, Timeout: timeout, Backoff: backoff}
}

// Do runs newRequest through d until a response arrives or the attempts are
// exhausted, in which case the last attempt's error is returned. Errors from
// newRequest itself are returned immediately. When ctx ends, no further
// attempt is made.
//
// The deadline covers the wait for response headers only; on success the
// returned body stays readable until closed.
func (e *Executor) Do(ctx context.Context, d Doer, newRequest RequestFunc) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= e.Attempts; attempt++ {
		resp, err := e.try(ctx, d, newRequest)
		if err == nil {
			return resp, nil
		}
		var be *buildError
		if errors.As(err, &be) {
			return nil, be.err
		}
		lastErr = err

		if ctx.Err() != nil || attempt == e.Attempts {
			break
		}
		if e.OnRetry != nil {
			e.OnRetry(attempt, err)
		}
		if !wait(ctx, e.Backoff) {
			break
		}
	}
	if lastErr == nil {
		return nil, ErrAllRetriesFailed
	}
	return nil, lastErr
}

// buildError marks failures to construct a request, which are not retried.
type buildError struct{ err error }

func (b *buildError) Error() string { return b.err.Error() }

func (e *Executor) try(ctx context.Context, d Doer, newRequest RequestFunc) (*http.Response, error) {
	actx, cancel := context.WithCancelCause(ctx)

	var timer *time.Timer
	if e.Timeout > 0 {
		timer = time.AfterFunc(e.Timeout, func() { cancel(ErrAttemptTimeout) })
	}
	stop := func() bool {
		return timer == nil || timer.Stop()
	}

	req, err := newRequest(actx)
	if err != nil {
		stop()
		cancel(nil)
		return nil, &buildError{err: err}
	}

	resp, err := d.Do(req)
	if !stop() {
		// The deadline fired; a response that raced it is discarded.
		if resp != nil {
			_ = resp.Body.Close()
		}
		cancel(nil)
		if err == nil {
			err = context.Cause(actx)
		}
		return nil, fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, e.Timeout, err)
	}
	if err != nil {
		cancel(nil)
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, nil
}

// wait sleeps for d, returning false if ctx ends first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// cancelOnClose releases the attempt context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
