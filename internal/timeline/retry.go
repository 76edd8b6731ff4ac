package timeline

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/blackmichael/bluesky-feedcache/internal/bluesky"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const defaultRetryDelay = 250 * time.Millisecond

// RetryConfig bounds the retries of a source call.
type RetryConfig struct {
	Retries int
	Delay   time.Duration
}

// newExecutor retries timeouts, network failures, 429 and 5xx responses with
// capped exponential backoff. The last failure is returned unwrapped.
func newExecutor[R any](cfg RetryConfig) failsafe.Executor[R] {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultRetryDelay
	}

	policy := retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool { return retryable(err) }).
		WithBackoff(cfg.Delay, 8*cfg.Delay).
		WithMaxRetries(cfg.Retries).
		ReturnLastFailure().
		Build()
	return failsafe.With(policy)
}

// retryable reports whether a failed attempt is worth repeating.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}
	var apiErr *bluesky.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
