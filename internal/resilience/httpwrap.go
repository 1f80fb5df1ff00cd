package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError reports an upstream response that exhausted its retries with a
// retryable status code.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resilience: upstream responded %s", e.Status)
}

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	// Timeout bounds a single attempt; the caller's context bounds the whole call.
	Timeout time.Duration
}

// WithAttempts returns a copy of the client limited to n attempts. Callers use
// it to disable retries for non-idempotent requests.
func (cl HTTPClient) WithAttempts(n int) HTTPClient {
	cl.MaxAttempts = n
	return cl
}

// Do executes the request applying retry semantics. The request body is
// buffered so it can be replayed. Responses with status 5xx or 429 are retried;
// when attempts run out a *StatusError is returned. Any other response is
// handed back to the caller, who owns its body. When the breaker is open
// ErrOpenCircuit is returned.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(BreakerConfig{MinRequests: 1, FailureRatio: 1, OpenFor: time.Second})
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseBackoff := cl.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}

	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	target := breaker.Target()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !breaker.Allow(ctx) {
			recordAttempt(target, "rejected")
			return nil, ErrOpenCircuit
		}
		resp, err := cl.doOnce(ctx, cloneRequest(ctx, req, body))
		switch {
		case err != nil && ctx.Err() != nil:
			breaker.Abandon(ctx)
			recordAttempt(target, "error")
			return nil, ctx.Err()
		case err != nil:
			lastErr = err
			breaker.Report(ctx, false)
		case retryableStatus(resp.StatusCode):
			lastErr = &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
			drain(resp)
			// throttling does not count against the breaker
			breaker.Report(ctx, resp.StatusCode == http.StatusTooManyRequests)
		default:
			breaker.Report(ctx, true)
			recordAttempt(target, "ok")
			return resp, nil
		}
		if ctx.Err() != nil {
			recordAttempt(target, "error")
			return nil, ctx.Err()
		}
		if attempt == maxAttempts {
			recordAttempt(target, "exhausted")
			break
		}
		recordAttempt(target, "retry")
		timer := time.NewTimer(Backoff(baseBackoff, attempt, cl.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// doOnce runs one attempt. The attempt context is released when the response
// body is closed so callers can still read it after doOnce returns.
func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		resp, err := cl.Client.Do(req.WithContext(ctx))
		return resp, err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func replayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := req.Body
	if req.GetBody != nil {
		b, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		src = b
	}
	defer func() { _ = src.Close() }()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	}
	return clone
}
