package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Throttle is an outbound rate limiter: at most limit requests leave through
// it per window, refilled evenly across the window. Requests over budget
// wait for a token, or give up when their context ends.
type Throttle struct {
	limiter *rate.Limiter
	next    http.RoundTripper
}

func NewThrottle(limit int, window time.Duration, next http.RoundTripper) *Throttle {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
		next:    next,
	}
}

func (t *Throttle) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The next token lands after the deadline.
		return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return t.next.RoundTrip(req)
}
