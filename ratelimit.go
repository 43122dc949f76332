package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiter hands out a per-session token bucket, created lazily on
// first use. It backs RateLimitMiddleware: a session that exceeds its
// message rate is rejected with a rate-limit error, not disconnected.
type rateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiter(ratePerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:      rate.Limit(ratePerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *rateLimiter) get(sessionID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[sessionID] = l
	}
	return l
}

func (r *rateLimiter) allow(sessionID string) bool {
	return r.get(sessionID).Allow()
}

func (r *rateLimiter) forget(sessionID string) {
	r.mu.Lock()
	delete(r.limiters, sessionID)
	r.mu.Unlock()
}

// RateLimitMiddleware blocks a handler call once a session exceeds
// ratePerSecond messages/sec, averaged with burst headroom, replying
// with a sys.error carrying ErrRateLimited (wire code 1010) itself and
// ending dispatch silently. Register it with Dispatcher.Use to apply it
// to every handler.
func RateLimitMiddleware(ratePerSecond float64, burst int) Middleware {
	rl := newRateLimiter(ratePerSecond, burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context, msg Message) error {
			if !rl.allow(ctx.Session.ID()) {
				_ = ctx.Error(ErrRateLimited)
				return ErrRateLimited
			}
			return next(ctx, msg)
		}
	}
}
