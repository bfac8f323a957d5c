package httpx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy is fixed when a connection is built and shared by every call
// made through it.
//
// Each failure class has its own budget. Total caps the sum of connect and
// status retries; timeouts count against Read alone. Timeouts are retried
// immediately, while connection failures and forcelisted statuses wait
// BackoffFactor * 2^n before retry n (0-based), capped at MaxBackoff.
type RetryPolicy struct {
	Total   int
	Read    int
	Connect int
	Status  int

	StatusForcelist []int

	BackoffFactor time.Duration
	MaxBackoff    time.Duration

	// OnRetry, when set, is called before every retry.
	OnRetry func(RetryEvent)
}

// RetryEvent describes one scheduled retry.
type RetryEvent struct {
	Attempt int
	Class   FailureClass
	Status  int
	Err     error
	Delay   time.Duration
}

type FailureClass string

const (
	ClassTimeout FailureClass = "timeout"
	ClassConnect FailureClass = "connect"
	ClassStatus  FailureClass = "status"
)

// DefaultMaxBackoff matches the cap urllib3 applies to exponential backoff.
const DefaultMaxBackoff = 120 * time.Second

// Normalize clamps negative budgets to zero and fills in the backoff cap.
func (p RetryPolicy) Normalize() RetryPolicy {
	p.Total = max(p.Total, 0)
	p.Read = max(p.Read, 0)
	p.Connect = max(p.Connect, 0)
	p.Status = max(p.Status, 0)
	if p.BackoffFactor < 0 {
		p.BackoffFactor = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	p.StatusForcelist = slices.Clone(p.StatusForcelist)
	return p
}

func (p RetryPolicy) shouldRetryStatus(status int) bool {
	return slices.Contains(p.StatusForcelist, status)
}

// Error is returned when a request could not produce any response.
type Error struct {
	Attempts int
	Timeout  bool
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("request failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// budget tracks how many retries of each class are left for one call.
type budget struct {
	total, read, connect, status int
}

func newBudget(p RetryPolicy) budget {
	return budget{total: p.Total, read: p.Read, connect: p.Connect, status: p.Status}
}

func (b *budget) take(c FailureClass) bool {
	if c == ClassTimeout {
		if b.read <= 0 {
			return false
		}
		b.read--
		return true
	}
	if b.total <= 0 {
		return false
	}
	var left *int
	switch c {
	case ClassConnect:
		left = &b.connect
	case ClassStatus:
		left = &b.status
	default:
		return false
	}
	if *left <= 0 {
		return false
	}
	*left--
	b.total--
	return true
}

func classify(err error) FailureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	return ClassConnect
}

func backoff(retry int, factor, max time.Duration) time.Duration {
	if factor <= 0 {
		return 0
	}
	d := factor
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

func retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
