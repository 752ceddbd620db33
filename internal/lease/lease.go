// Package lease implements the in-memory Factory Lease Protocol: a
// factory's timed reservation of a queued job while it provisions a
// worker. Leases are explicitly not durable (spec.md §5, §9): on restart,
// recovery happens by re-queueing any job whose worker never
// materialized, not by replaying leases.
package lease

import (
	"sync"
	"time"

	"buildomat/pkg/buildomat"
)

// Leases holds at most one active lease per job, guarded by its own
// mutex. That lock is separate from the one central.State uses for the
// hold flag and the archive queue, so no operation updates leases and
// the archive queue atomically together.
type Leases struct {
	mu sync.Mutex
	byJob map[string]buildomat.Lease
}

func New() *Leases {
	return &Leases{byJob: make(map[string]buildomat.Lease)}
}

// Grant reserves job for factory until now+ttl. Returns false if job
// already has an active, unexpired lease (held by any factory) — the
// lease invariant in spec.md §8: at most one lease per job.
func (l *Leases) Grant(factory, job string, ttl time.Duration, now time.Time) (buildomat.Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.byJob[job]; ok && !existing.Expired(now) {
		return buildomat.Lease{}, false
	}
	lse := buildomat.Lease{Factory: factory, Job: job, Expires: now.Add(ttl)}
	l.byJob[job] = lse
	return lse, true
}

// Renew extends job's lease by ttl if it is still held by factory and has
// not already expired.
func (l *Leases) Renew(factory, job string, ttl time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.byJob[job]
	if !ok || existing.Factory != factory || existing.Expired(now) {
		return false
	}
	existing.Expires = now.Add(ttl)
	l.byJob[job] = existing
	return true
}

// Consume removes job's lease unconditionally. It is called when a factory
// creates a worker pre-bound to the job, and when a worker holding the job
// is destroyed (by its factory or by the stale-worker cleanup); worker
// bootstrap does not touch leases.
func (l *Leases) Consume(job string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byJob, job)
}

// Held reports whether job currently has an unexpired lease, and if so by
// which factory.
func (l *Leases) Held(job string, now time.Time) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.byJob[job]
	if !ok || existing.Expired(now) {
		return "", false
	}
	return existing.Factory, true
}

// SweepExpired drops every lease whose expiry has passed and returns the
// job ids that were dropped, so callers can return those jobs to the
// assignable pool.
func (l *Leases) SweepExpired(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var dropped []string
	for job, lse := range l.byJob {
		if lse.Expired(now) {
			delete(l.byJob, job)
			dropped = append(dropped, job)
		}
	}
	return dropped
}

// Count returns the number of active leases, for metrics/tests.
func (l *Leases) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byJob)
}
