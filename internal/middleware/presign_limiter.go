package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// PresignLimiter is a per-client-IP token-bucket limiter. The router wraps
// the ingest endpoints (chunk upload and both input commit routes) with
// it. Unlike RateLimiter's failed-attempt lockout, this uses
// golang.org/x/time/rate directly since both idioms appear in the example
// pack and each endpoint class is free to use the one that fits best.
type PresignLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func NewPresignLimiter(perSecond float64, burst int) *PresignLimiter {
	return &PresignLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(perSecond),
		burst:    burst,
	}
}

func (p *PresignLimiter) limiterFor(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.r, p.burst)
		p.limiters[key] = l
	}
	return l
}

func (p *PresignLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := getClientIP(r)
		if !p.limiterFor(key).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
