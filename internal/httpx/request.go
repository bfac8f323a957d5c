package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Request is a buffered request that can be replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header

	// Timeout bounds each attempt, including reading the response body.
	Timeout time.Duration
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte

	Attempts int
}

// Do sends req, retrying according to policy. A response whose status is
// still forcelisted once the status budget is spent is returned as is; the
// caller decides how to report it.
func Do(ctx context.Context, client *http.Client, req Request, policy RetryPolicy) (*Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	policy = policy.Normalize()
	left := newBudget(policy)

	for attempt := 1; ; attempt++ {
		resp, err := doOnce(ctx, client, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, &Error{Attempts: attempt, Timeout: ctxErr == context.DeadlineExceeded, Err: ctxErr}
			}
		}

		var class FailureClass
		var delay time.Duration
		switch {
		case err != nil:
			class = classify(err)
			if !left.take(class) {
				return nil, &Error{Attempts: attempt, Timeout: class == ClassTimeout, Err: err}
			}
			if class == ClassConnect {
				delay = backoff(policy.Connect-left.connect-1, policy.BackoffFactor, policy.MaxBackoff)
			}
		case policy.shouldRetryStatus(resp.StatusCode):
			class = ClassStatus
			if !left.take(class) {
				resp.Attempts = attempt
				return resp, nil
			}
			delay = backoff(policy.Status-left.status-1, policy.BackoffFactor, policy.MaxBackoff)
			if ra, ok := retryAfter(resp.Header.Get("Retry-After")); ok && ra > delay {
				delay = ra
			}
		default:
			resp.Attempts = attempt
			return resp, nil
		}

		if policy.OnRetry != nil {
			ev := RetryEvent{Attempt: attempt, Class: class, Err: err, Delay: delay}
			if resp != nil {
				ev.Status = resp.StatusCode
			}
			policy.OnRetry(ev)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, &Error{Attempts: attempt, Err: err}
		}
	}
}

func doOnce(ctx context.Context, client *http.Client, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	hreq.Header = req.Header.Clone()
	if hreq.Header == nil {
		hreq.Header = make(http.Header)
	}
	if hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
