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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"buildomat/internal/berrors"
	"buildomat/pkg/buildomat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustUser(t *testing.T, st *Store, name string) *buildomat.User {
	t.Helper()
	u, err := st.UserEnsure(context.Background(), name)
	if err != nil {
		t.Fatalf("UserEnsure(%s): %v", name, err)
	}
	return u
}

func mustJob(t *testing.T, st *Store, owner string) *buildomat.Job {
	t.Helper()
	j, err := st.JobCreate(context.Background(), JobCreateInput{
		Owner:           owner,
		Name:            "test job",
		TargetRequested: "default",
		TargetResolved:  "default",
	})
	if err != nil {
		t.Fatalf("JobCreate: %v", err)
	}
	return j
}

func TestUserEnsureIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.UserEnsure(ctx, "alice")
	if err != nil {
		t.Fatalf("UserEnsure: %v", err)
	}
	second, err := st.UserEnsure(ctx, "alice")
	if err != nil {
		t.Fatalf("UserEnsure (repeat): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("UserEnsure created a second user: %s != %s", first.ID, second.ID)
	}
	if first.Token != second.Token {
		t.Fatalf("UserEnsure (repeat) returned a different token")
	}
}

func TestUserGrantPrivilegeDedupes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, st, "bob")

	if err := st.UserGrantPrivilege(ctx, u.ID, "admin.hold"); err != nil {
		t.Fatalf("UserGrantPrivilege: %v", err)
	}
	if err := st.UserGrantPrivilege(ctx, u.ID, "admin.hold"); err != nil {
		t.Fatalf("UserGrantPrivilege (repeat): %v", err)
	}

	got, err := st.UserByName(ctx, "bob")
	if err != nil {
		t.Fatalf("UserByName: %v", err)
	}
	if !got.Has("admin.hold") {
		t.Fatalf("expected user to hold admin.hold")
	}
	if len(got.Privileges) != 1 {
		t.Fatalf("expected privilege to be deduplicated, got %d entries", len(got.Privileges))
	}
}

// TestJobEventAppendGapFree exercises spec.md's requirement that a job's
// event sequence numbers are contiguous and start at 0, even across many
// interleaved appends, and that a completed and archived job rejects new
// events.
func TestJobEventAppendGapFree(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, st, "carol")
	j := mustJob(t, st, u.ID)

	const n = 25
	for i := 0; i < n; i++ {
		seq, err := st.JobEventAppend(ctx, j.ID, nil, buildomat.StreamControl, "line", time.Now(), nil)
		if err != nil {
			t.Fatalf("JobEventAppend #%d: %v", i, err)
		}
		if seq != i {
			t.Fatalf("JobEventAppend #%d: got seq %d, want %d", i, seq, i)
		}
	}

	events, err := st.JobEvents(ctx, j.ID, 0)
	if err != nil {
		t.Fatalf("JobEvents: %v", err)
	}
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	for i, ev := range events {
		if ev.Seq != i {
			t.Fatalf("event %d has seq %d, want %d (gap in sequence)", i, ev.Seq, i)
		}
	}

	if _, err := st.JobComplete(ctx, j.ID, false, ""); err != nil {
		t.Fatalf("JobComplete: %v", err)
	}
	if err := st.JobArchive(ctx, j.ID); err != nil {
		t.Fatalf("JobArchive: %v", err)
	}
	if _, err := st.JobEventAppend(ctx, j.ID, nil, buildomat.StreamControl, "too late", time.Now(), nil); err == nil {
		t.Fatalf("expected JobEventAppend on an archived job to fail")
	}
}

// TestTargetResolveFollowsChain exercises target redirection: a target's
// RedirectTo chain is followed until a terminal (non-redirecting) target
// is reached.
func TestTargetResolveFollowsChain(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.TargetCreate(ctx, "helios", ""); err != nil {
		t.Fatalf("TargetCreate(helios): %v", err)
	}
	if _, err := st.TargetCreate(ctx, "legacy", ""); err != nil {
		t.Fatalf("TargetCreate(legacy): %v", err)
	}
	if err := st.TargetRequirePrivilege(ctx, "legacy", ""); err != nil {
		t.Fatalf("TargetRequirePrivilege: %v", err)
	}

	// Redirect legacy -> helios by renaming helios to take legacy's old
	// identity is not how redirection works here; instead verify a direct
	// terminal resolve and a multi-hop chain via TargetRename's successor
	// linkage.
	resolved, err := st.TargetResolve(ctx, "helios")
	if err != nil {
		t.Fatalf("TargetResolve(helios): %v", err)
	}
	if resolved.Name != "helios" {
		t.Fatalf("TargetResolve(helios) = %q, want helios", resolved.Name)
	}

	if err := st.TargetRename(ctx, "legacy", "helios"); err != nil {
		t.Fatalf("TargetRename: %v", err)
	}
	resolved, err = st.TargetResolve(ctx, "legacy")
	if err != nil {
		t.Fatalf("TargetResolve(legacy) after rename: %v", err)
	}
	if resolved.Name != "helios" {
		t.Fatalf("TargetResolve(legacy) = %q, want helios after rename-redirect", resolved.Name)
	}
}

// TestTargetResolveDetectsCycle exercises the cycle-detection guard: a
// redirect chain that loops back on itself must fail, not spin forever.
func TestTargetResolveDetectsCycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.TargetCreate(ctx, "a", ""); err != nil {
		t.Fatalf("TargetCreate(a): %v", err)
	}
	if _, err := st.TargetCreate(ctx, "b", ""); err != nil {
		t.Fatalf("TargetCreate(b): %v", err)
	}

	// Renaming a -> b makes "a" redirect to "b"; renaming b -> a then
	// closes the loop without removing either row.
	if err := st.TargetRename(ctx, "a", "b"); err != nil {
		t.Fatalf("TargetRename(a, b): %v", err)
	}
	if err := st.TargetRename(ctx, "b", "a"); err != nil {
		t.Fatalf("TargetRename(b, a): %v", err)
	}

	if _, err := st.TargetResolve(ctx, "a"); err == nil {
		t.Fatalf("expected TargetResolve to detect a redirect cycle")
	} else if berrors.KindOf(err) != berrors.Internal {
		t.Fatalf("expected an Internal error for a detected cycle, got kind %v: %v", berrors.KindOf(err), err)
	}
}

func TestWorkerBootstrapSingleUse(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fac, err := st.FactoryCreate(ctx, "fac1")
	if err != nil {
		t.Fatalf("FactoryCreate: %v", err)
	}
	w, err := st.WorkerCreate(ctx, fac.ID, "default", "")
	if err != nil {
		t.Fatalf("WorkerCreate: %v", err)
	}
	if w.LastPing == nil {
		t.Fatalf("expected WorkerCreate to seed LastPing so a fresh worker survives the staleness sweep")
	}

	booted, err := st.WorkerBootstrap(ctx, w.Bootstrap)
	if err != nil {
		t.Fatalf("WorkerBootstrap: %v", err)
	}
	if booted.ID != w.ID {
		t.Fatalf("WorkerBootstrap resolved the wrong worker")
	}

	if _, err := st.WorkerBootstrap(ctx, w.Bootstrap); err == nil {
		t.Fatalf("expected a second WorkerBootstrap with the same secret to fail")
	}
}

// TestListStaleWorkersGivesNewWorkerAGracePeriod covers the review fix: a
// freshly created worker must not appear stale immediately, since
// WorkerCreate now seeds lastping so it gets a full timeout window to
// boot and send its first ping.
func TestListStaleWorkersGivesNewWorkerAGracePeriod(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fac, err := st.FactoryCreate(ctx, "fac1")
	if err != nil {
		t.Fatalf("FactoryCreate: %v", err)
	}
	w, err := st.WorkerCreate(ctx, fac.ID, "default", "")
	if err != nil {
		t.Fatalf("WorkerCreate: %v", err)
	}

	stale, err := st.ListStaleWorkers(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStaleWorkers: %v", err)
	}
	for _, sw := range stale {
		if sw.ID == w.ID {
			t.Fatalf("freshly created worker %s was considered stale with no grace period", w.ID)
		}
	}

	stale, err = st.ListStaleWorkers(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStaleWorkers: %v", err)
	}
	found := false
	for _, sw := range stale {
		if sw.ID == w.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected worker %s to be stale once its seeded lastping is in the past", w.ID)
	}
}

func TestJobCompleteIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, st, "dana")
	j := mustJob(t, st, u.ID)

	first, err := st.JobComplete(ctx, j.ID, false, "")
	if err != nil {
		t.Fatalf("JobComplete: %v", err)
	}
	if !first {
		t.Fatalf("expected the first JobComplete to report a fresh completion")
	}

	second, err := st.JobComplete(ctx, j.ID, false, "")
	if err != nil {
		t.Fatalf("JobComplete (repeat): %v", err)
	}
	if second {
		t.Fatalf("expected a repeat JobComplete to report no fresh completion")
	}
}
