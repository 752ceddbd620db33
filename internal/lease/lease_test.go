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

package lease

import (
	"testing"
	"time"
)

// TestGrantAtMostOnePerJob covers spec.md §8's lease invariant: a job may
// have at most one active lease, regardless of which factory asks.
func TestGrantAtMostOnePerJob(t *testing.T) {
	l := New()
	now := time.Now()

	if _, ok := l.Grant("fac-a", "job-1", time.Minute, now); !ok {
		t.Fatalf("expected first Grant to succeed")
	}
	if _, ok := l.Grant("fac-b", "job-1", time.Minute, now); ok {
		t.Fatalf("expected a second Grant on the same job to be refused")
	}
	if factory, held := l.Held("job-1", now); !held || factory != "fac-a" {
		t.Fatalf("Held = (%q, %v), want (fac-a, true)", factory, held)
	}
}

func TestGrantSucceedsAfterExpiry(t *testing.T) {
	l := New()
	start := time.Now()

	if _, ok := l.Grant("fac-a", "job-1", time.Minute, start); !ok {
		t.Fatalf("expected first Grant to succeed")
	}

	later := start.Add(2 * time.Minute)
	if _, ok := l.Grant("fac-b", "job-1", time.Minute, later); !ok {
		t.Fatalf("expected Grant to succeed once the prior lease expired")
	}
	if factory, held := l.Held("job-1", later); !held || factory != "fac-b" {
		t.Fatalf("Held = (%q, %v), want (fac-b, true)", factory, held)
	}
}

func TestRenewRequiresHoldingFactory(t *testing.T) {
	l := New()
	now := time.Now()
	l.Grant("fac-a", "job-1", time.Minute, now)

	if l.Renew("fac-b", "job-1", time.Minute, now) {
		t.Fatalf("expected Renew by a non-holding factory to fail")
	}
	if !l.Renew("fac-a", "job-1", time.Minute, now.Add(30*time.Second)) {
		t.Fatalf("expected Renew by the holding factory to succeed")
	}
}

func TestConsumeDropsLease(t *testing.T) {
	l := New()
	now := time.Now()
	l.Grant("fac-a", "job-1", time.Minute, now)

	l.Consume("job-1")

	if _, held := l.Held("job-1", now); held {
		t.Fatalf("expected lease to be gone after Consume")
	}
	if _, ok := l.Grant("fac-b", "job-1", time.Minute, now); !ok {
		t.Fatalf("expected a fresh Grant to succeed after Consume")
	}
}

func TestSweepExpiredReturnsDroppedJobs(t *testing.T) {
	l := New()
	now := time.Now()
	l.Grant("fac-a", "job-1", time.Minute, now)
	l.Grant("fac-a", "job-2", 10*time.Minute, now)

	later := now.Add(2 * time.Minute)
	dropped := l.SweepExpired(later)

	if len(dropped) != 1 || dropped[0] != "job-1" {
		t.Fatalf("SweepExpired = %v, want [job-1]", dropped)
	}
	if l.Count() != 1 {
		t.Fatalf("Count = %d, want 1 after sweeping job-1", l.Count())
	}
	if _, held := l.Held("job-2", later); !held {
		t.Fatalf("expected job-2's lease to survive the sweep")
	}
}
