package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// RetryConfig bounds the backoff between attempts on transient upstream
// failures.
type RetryConfig struct {
	MaxRetries int           // attempts after the first; 0 disables retrying
	BaseDelay  time.Duration // backoff ceiling for the first retry
	MaxDelay   time.Duration // backoff ceiling for any retry
}

// DefaultRetryConfig retries twice, backing off from 500ms up to 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryableFunc is one attempt of an upstream call.
type RetryableFunc func(ctx context.Context) error

// Retry calls fn until it succeeds, fails with an error IsRetryable rejects,
// or MaxRetries further attempts have failed. Between attempts it sleeps a
// full-jitter backoff. A 429 is returned at once: the caller degrades it to
// rate-limit text instead of hammering the upstream.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: %w", err)
		}

		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case !IsRetryable(err):
			return err
		case attempt >= cfg.MaxRetries:
			if cfg.MaxRetries == 0 {
				return err
			}
			return fmt.Errorf("retry: gave up after %d attempts: %w", attempt+1, err)
		}

		t := time.NewTimer(backoff(attempt, cfg.BaseDelay, cfg.MaxDelay))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry: backoff interrupted: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// backoff returns rand(0, min(limit, base*2^attempt)), at least 1ms.
func backoff(attempt int, base, limit time.Duration) time.Duration {
	ceiling := math.Min(float64(base)*math.Pow(2, float64(attempt)), float64(limit))
	if d := time.Duration(rand.Float64() * ceiling); d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

// statusOf extracts the upstream status from err, or 0 when none is known.
func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// IsServerError returns true if the error represents a 5xx or 429 error
// that should count as a circuit breaker failure.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	if code := statusOf(err); code != 0 {
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	errMsg := err.Error()
	for _, code := range []string{"429", "500", "502", "503", "504"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}
	return false
}

// IsTransportError reports whether err is a network failure (dial, reset,
// early EOF) rather than an upstream answer. Context errors are excluded.
func IsTransportError(err error) bool {
	if err == nil || isContextErr(err) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRetryable reports whether err is a transient 5xx or transport failure
// worth another attempt. Context errors and 429s are not.
func IsRetryable(err error) bool {
	if err == nil || isContextErr(err) {
		return false
	}
	if code := statusOf(err); code != 0 {
		return code >= http.StatusInternalServerError
	}
	if IsTransportError(err) {
		return true
	}
	return IsServerError(err) && !strings.Contains(err.Error(), "429")
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
