package gateway

import (
	"golang.org/x/time/rate"
)

// ErrCodeRateLimited is returned when a connection exceeds its RPC budget.
const ErrCodeRateLimited = 4290

// RateLimit bounds RPC calls per websocket connection. A zero
// RequestsPerMinute disables limiting.
type RateLimit struct {
	RequestsPerMinute int
	Burst             int
}

func (rl RateLimit) enabled() bool { return rl.RequestsPerMinute > 0 }

// newLimiter returns the per-connection limiter, or nil when disabled.
func (rl RateLimit) newLimiter() *rate.Limiter {
	if !rl.enabled() {
		return nil
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 10
	}
	return rate.NewLimiter(rate.Limit(float64(rl.RequestsPerMinute)/60.0), burst)
}

var errRateLimited = &rpcError{Code: ErrCodeRateLimited, Message: "rate limit exceeded, slow down"}
