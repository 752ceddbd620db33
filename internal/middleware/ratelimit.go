// Buildomat is a multi-tenant build job execution control plane.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package middleware holds HTTP middleware shared across the control
// plane's API surface: rate limiting and (elsewhere) auth.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BootstrapGuardConfig configures the failed-attempt lockout applied to the
// worker bootstrap endpoint. Unlike a blind request-rate limiter, the guard
// only counts failed bootstrap attempts against a client: a bootstrap
// secret is single-use and a legitimate worker presents it exactly once and
// succeeds, so penalizing successful traffic would only punish a fleet of
// workers booting concurrently from behind the same NAT/proxy IP.
type BootstrapGuardConfig struct {
	// MaxFailures is the number of consecutive failed attempts from a
	// client tolerated before lockout begins.
	MaxFailures int
	// BaseLockout is the lockout duration applied once MaxFailures is
	// reached; it doubles for each failure beyond that, up to MaxLockout.
	BaseLockout time.Duration
	MaxLockout  time.Duration
	// CleanupInterval is how often idle client entries are forgotten.
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns the lockout schedule buildomatd applies to
// POST /0/worker/bootstrap: five wrong secrets from a client before it
// starts being locked out, backing off from ten seconds up to five minutes.
func DefaultRateLimitConfig() BootstrapGuardConfig {
	return BootstrapGuardConfig{
		MaxFailures:     5,
		BaseLockout:     10 * time.Second,
		MaxLockout:      5 * time.Minute,
		CleanupInterval: 10 * time.Minute,
	}
}

type clientState struct {
	mu          sync.Mutex
	failures    int
	lockedUntil time.Time
	lastSeen    time.Time
}

// RateLimiter is the bootstrap-endpoint brute-force guard: an outcome-aware
// lockout keyed by client IP, rather than a fixed-rate token bucket.
type RateLimiter struct {
	config  BootstrapGuardConfig
	clients map[string]*clientState
	mu      sync.RWMutex
	stop    chan struct{}
}

func NewRateLimiter(config BootstrapGuardConfig) *RateLimiter {
	g := &RateLimiter{
		config:  config,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

func (g *RateLimiter) clientFor(ip string) *clientState {
	g.mu.RLock()
	cs, ok := g.clients[ip]
	g.mu.RUnlock()
	if ok {
		return cs
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cs, ok := g.clients[ip]; ok {
		return cs
	}
	cs = &clientState{}
	g.clients[ip] = cs
	return cs
}

type bootstrapStatusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *bootstrapStatusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware rejects requests from a locked-out client with 429, otherwise
// forwards to next and updates the client's failure count from the
// response: a 401 (invalid bootstrap secret) counts as a failure, anything
// else clears the client's record.
func (g *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		cs := g.clientFor(ip)

		cs.mu.Lock()
		if remaining := time.Until(cs.lockedUntil); remaining > 0 {
			cs.mu.Unlock()
			slog.Warn("worker bootstrap locked out", "client", ip, "retry_after", remaining)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Seconds())+1))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "locked_out",
				"message": "too many failed bootstrap attempts, try again later",
			})
			return
		}
		cs.mu.Unlock()

		rec := &bootstrapStatusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		cs.mu.Lock()
		cs.lastSeen = time.Now()
		if rec.status == http.StatusUnauthorized {
			cs.failures++
			if cs.failures >= g.config.MaxFailures {
				shift := cs.failures - g.config.MaxFailures
				if shift > 10 {
					shift = 10
				}
				lockout := g.config.BaseLockout * time.Duration(uint64(1)<<uint(shift))
				if lockout > g.config.MaxLockout {
					lockout = g.config.MaxLockout
				}
				cs.lockedUntil = time.Now().Add(lockout)
			}
		} else {
			cs.failures = 0
			cs.lockedUntil = time.Time{}
		}
		cs.mu.Unlock()
	})
}

func (g *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(g.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stop:
			return
		}
	}
}

func (g *RateLimiter) cleanup() {
	threshold := time.Now().Add(-2 * g.config.CleanupInterval)
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, cs := range g.clients {
		cs.mu.Lock()
		stale := cs.lastSeen.Before(threshold) && time.Now().After(cs.lockedUntil)
		cs.mu.Unlock()
		if stale {
			delete(g.clients, ip)
		}
	}
}

func (g *RateLimiter) Stop() {
	close(g.stop)
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
