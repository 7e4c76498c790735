package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy bounds retries of transient HTTP failures.
type retryPolicy struct {
	maxTries uint
	initial  time.Duration
}

var defaultRetry = retryPolicy{maxTries: 3, initial: time.Second}

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// doWithRetry executes an HTTP request with exponential backoff retry
// for transient errors (network failures, 5xx, 429). Other responses,
// including 4xx, are returned to the caller unread.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), policy retryPolicy, logger *slog.Logger) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.initial

	op := func() (*http.Response, error) {
		req, err := buildReq()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &retryableError{statusCode: resp.StatusCode, body: string(body)}
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("request failed, will retry", "err", err, "backoff", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("request failed after %d attempts: %w", policy.maxTries, err)
	}
	return resp, nil
}
