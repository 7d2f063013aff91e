package httputil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls the retry behavior for HTTP requests.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first one.
	// Zero or less means retry until the context is done.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultRetryConfig returns sensible defaults for updater→server calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// ExponentialConfig returns a jitter-free schedule whose n-th delay
// (n starting at 1) is unit × base^n.
func ExponentialConfig(maxAttempts int, unit time.Duration, base float64) RetryConfig {
	if base < 1 {
		base = 2
	}
	if unit <= 0 {
		unit = time.Second
	}
	return RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  time.Duration(float64(unit) * base),
		BackoffFactor: base,
	}
}

// NewBackOff builds the cenkalti backoff policy for cfg, bound to ctx.
func NewBackOff(ctx context.Context, cfg RetryConfig) backoff.BackOff {
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialDelay,
		RandomizationFactor: cfg.JitterFrac,
		Multiplier:          factor,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()

	var b backoff.BackOff = eb
	if cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Permanent marks err as not worth retrying. Retry returns the unwrapped err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NotifyFunc observes a failed attempt and the delay before the next one.
type NotifyFunc func(attempt int, delay time.Duration, err error)

// Retry runs op until it succeeds, returns a Permanent error, attempts run
// out or ctx is done. The attempt number passed to op starts at 1.
func Retry(ctx context.Context, cfg RetryConfig, op func(attempt int) error, notify NotifyFunc) error {
	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return op(attempt)
	}
	return backoff.RetryNotify(operation, NewBackOff(ctx, cfg), func(err error, d time.Duration) {
		if notify != nil {
			notify(attempt, d, err)
		}
	})
}

// isRetryableStatus returns true for HTTP status codes that are safe to retry.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Do executes an HTTP request with retry logic. The request body must be
// provided separately as a byte slice so it can be replayed on retries.
// Non-retryable responses (including 4xx) are returned to the caller as-is.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	var resp *http.Response

	err := Retry(ctx, cfg, func(attempt int) error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		r, err := client.Do(req)
		if err != nil {
			return err
		}
		if isRetryableStatus(r.StatusCode) {
			r.Body.Close()
			return &StatusError{StatusCode: r.StatusCode, URL: url}
		}
		resp = r
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		log.Debug("retrying request",
			"attempt", attempt,
			"delay", delay,
			"url", url,
			"error", err,
		)
	})
	if err != nil {
		log.Warn("request failed",
			"method", method,
			"url", url,
			"error", err,
		)
		return nil, err
	}
	return resp, nil
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return "request to " + e.URL + " failed with status " + http.StatusText(e.StatusCode)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return isRetryableStatus(e.StatusCode)
}

// IsStatus reports whether err wraps a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
