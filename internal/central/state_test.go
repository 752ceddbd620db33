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

package central

import "testing"

func TestHoldResume(t *testing.T) {
	s := New()
	if s.IsHeld() {
		t.Fatalf("expected new State to start unheld")
	}
	s.Hold()
	if !s.IsHeld() {
		t.Fatalf("expected IsHeld after Hold")
	}
	s.Resume()
	if s.IsHeld() {
		t.Fatalf("expected IsHeld to clear after Resume")
	}
}

func TestArchiveQueueIsFIFOAndDeduped(t *testing.T) {
	s := New()

	s.EnqueueArchive("job-1")
	s.EnqueueArchive("job-2")
	s.EnqueueArchive("job-1") // duplicate, must not be queued twice

	if got := s.ArchiveQueueLen(); got != 2 {
		t.Fatalf("ArchiveQueueLen = %d, want 2", got)
	}

	first, ok := s.DequeueArchive()
	if !ok || first != "job-1" {
		t.Fatalf("DequeueArchive = (%q, %v), want (job-1, true)", first, ok)
	}
	second, ok := s.DequeueArchive()
	if !ok || second != "job-2" {
		t.Fatalf("DequeueArchive = (%q, %v), want (job-2, true)", second, ok)
	}
	if _, ok := s.DequeueArchive(); ok {
		t.Fatalf("expected DequeueArchive to report empty queue")
	}

	// Re-enqueueing a job already drained must be allowed again.
	s.EnqueueArchive("job-1")
	if got := s.ArchiveQueueLen(); got != 1 {
		t.Fatalf("ArchiveQueueLen after re-enqueue = %d, want 1", got)
	}
}

func TestStateSharesLeases(t *testing.T) {
	s := New()
	if s.Leases == nil {
		t.Fatalf("expected State.Leases to be initialized")
	}
	if s.Leases.Count() != 0 {
		t.Fatalf("expected a fresh State to have no active leases")
	}
}
