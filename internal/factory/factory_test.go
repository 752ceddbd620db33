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

package factory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"buildomat/internal/central"
	"buildomat/internal/store"
)

func newTestFactory(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(ctx, filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, central.New()), st
}

func mustQueuedJob(t *testing.T, st *store.Store, target string) string {
	t.Helper()
	ctx := context.Background()
	u, err := st.UserEnsure(ctx, "owner")
	if err != nil {
		t.Fatalf("UserEnsure: %v", err)
	}
	j, err := st.JobCreate(ctx, store.JobCreateInput{
		Owner: u.ID, Name: "job", TargetRequested: target, TargetResolved: target,
	})
	if err != nil {
		t.Fatalf("JobCreate: %v", err)
	}
	return j.ID
}

// TestLeaseGrantsAtMostOnceAcrossFactories covers spec.md's lease
// invariant from the factory side: two factories racing for the same job
// must not both get a lease.
func TestLeaseGrantsAtMostOnceAcrossFactories(t *testing.T) {
	svc, st := newTestFactory(t)
	ctx := context.Background()
	jobID := mustQueuedJob(t, st, "default")

	first, err := svc.Lease(ctx, "fac-a", "default", time.Minute)
	if err != nil {
		t.Fatalf("Lease (fac-a): %v", err)
	}
	if first == nil || first.ID != jobID {
		t.Fatalf("expected fac-a to lease job %s, got %+v", jobID, first)
	}

	second, err := svc.Lease(ctx, "fac-b", "default", time.Minute)
	if err != nil {
		t.Fatalf("Lease (fac-b): %v", err)
	}
	if second != nil {
		t.Fatalf("expected no job available for fac-b while fac-a holds the only lease, got %+v", second)
	}
}

// TestWorkerCreateRequiresHeldLease covers the binding between
// WorkerCreate's job-bound path and the lease protocol: a factory cannot
// create a worker pre-bound to a job it does not hold a lease on.
func TestWorkerCreateRequiresHeldLease(t *testing.T) {
	svc, st := newTestFactory(t)
	ctx := context.Background()
	jobID := mustQueuedJob(t, st, "default")

	if _, err := svc.WorkerCreate(ctx, "fac-a", "default", jobID); err == nil {
		t.Fatalf("expected WorkerCreate to refuse binding to an unleased job")
	}

	if _, err := svc.Lease(ctx, "fac-a", "default", time.Minute); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	w, err := svc.WorkerCreate(ctx, "fac-a", "default", jobID)
	if err != nil {
		t.Fatalf("WorkerCreate after lease: %v", err)
	}
	if w.Job != jobID {
		t.Fatalf("WorkerCreate: got job %q, want %q", w.Job, jobID)
	}

	if held, ok := svc.State.Leases.Held(jobID, time.Now().UTC()); ok {
		t.Fatalf("expected WorkerCreate to consume the lease, still held by %q", held)
	}
}

func TestWorkerDestroyMarksWorkerDeleted(t *testing.T) {
	svc, st := newTestFactory(t)
	ctx := context.Background()
	jobID := mustQueuedJob(t, st, "default")

	if _, err := svc.Lease(ctx, "fac-a", "default", time.Minute); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	w, err := svc.WorkerCreate(ctx, "fac-a", "default", jobID)
	if err != nil {
		t.Fatalf("WorkerCreate: %v", err)
	}

	if err := svc.WorkerDestroy(ctx, w.ID); err != nil {
		t.Fatalf("WorkerDestroy: %v", err)
	}

	got, err := st.WorkerByID(ctx, w.ID)
	if err != nil {
		t.Fatalf("WorkerByID: %v", err)
	}
	if !got.Deleted {
		t.Fatalf("expected worker to be marked deleted")
	}
}
