package openaicompat

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"time"
)

// retryBaseDelay is the initial backoff before the second attempt. Each
// subsequent delay doubles, plus up to 50% random jitter.
const retryBaseDelay = time.Second

// retryStream calls attempt up to maxAttempts times, sleeping between
// transient failures. attempt reports whether its error is retryable;
// anything that happened after stream output started must not be, or the
// consumer would see duplicate parts.
func retryStream(ctx context.Context, maxAttempts int, logger *slog.Logger, provider string, attempt func() (bool, error)) error {
	var last error
	for i := 0; i < maxAttempts; i++ {
		retryable, err := attempt()
		if err == nil || !retryable {
			return err
		}
		last = err
		logger.Warn("retrying transient provider error",
			"provider", provider,
			"attempt", i+1,
			"max_attempts", maxAttempts,
			"error", err)
		if i < maxAttempts-1 {
			timer := time.NewTimer(retryDelay(retryBaseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("provider retry attempts exhausted",
		"provider", provider,
		"attempts", maxAttempts,
		"error", last)
	return last
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	var herr *httpStatusError
	if errors.As(err, &herr) && herr.retryAfter > backoff {
		return herr.retryAfter
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed): base * 2^i, plus
// up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// parseRetryAfter parses an HTTP Retry-After header value in seconds form.
// HTTP-date form and unparseable values yield zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
