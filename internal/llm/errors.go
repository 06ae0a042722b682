package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrFatalAPI marks provider errors that retrying cannot fix: exhausted
// credit, quota or rate limits, and rejected credentials.
var ErrFatalAPI = errors.New("fatal AI provider error")

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication failed",
	"unauthorized",
	"accessdenied",
	"http 401",
	"http 403",
}

func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func wrapFatalError(err error) error {
	if !isFatalAPIError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalAPI, err)
}

// retryTransient runs op with exponential backoff, giving up at once on
// fatal provider errors.
func retryTransient[T any](ctx context.Context, maxRetries uint64, op func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil {
			err = wrapFatalError(err)
			if errors.Is(err, ErrFatalAPI) || ctx.Err() != nil {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
}
