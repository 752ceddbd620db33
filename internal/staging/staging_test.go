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

package staging

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"buildomat/internal/ids"
	"buildomat/internal/store"
)

func newTestStaging(t *testing.T) (*Staging, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	stg, err := New(filepath.Join(dir, "staging"), st)
	if err != nil {
		t.Fatalf("opening staging: %v", err)
	}
	return stg, st, dir
}

func mustJobWithOwner(t *testing.T, st *store.Store) string {
	t.Helper()
	u, err := st.UserEnsure(context.Background(), "stager")
	if err != nil {
		t.Fatalf("UserEnsure: %v", err)
	}
	j, err := st.JobCreate(context.Background(), store.JobCreateInput{
		Owner:           u.ID,
		Name:            "staging job",
		TargetRequested: "default",
		TargetResolved:  "default",
	})
	if err != nil {
		t.Fatalf("JobCreate: %v", err)
	}
	return j.ID
}

// TestCommitFileIsIdempotent exercises spec.md §9's state machine: a
// repeated commit_file call with the same commit_id and identical
// parameters returns the original outcome rather than re-assembling.
func TestCommitFileIsIdempotent(t *testing.T) {
	stg, st, _ := newTestStaging(t)
	job := mustJobWithOwner(t, st)

	chunkID, err := stg.WriteChunk(job, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	commitID := ids.New()
	first, err := stg.CommitFile(context.Background(), job, commitID, KindOutput, "out.txt", 11, []string{chunkID})
	if err != nil {
		t.Fatalf("CommitFile: %v", err)
	}
	if !first.Complete || first.Err != nil || first.FileID == "" {
		t.Fatalf("CommitFile: unexpected result %+v", first)
	}

	second, err := stg.CommitFile(context.Background(), job, commitID, KindOutput, "out.txt", 11, []string{chunkID})
	if err != nil {
		t.Fatalf("CommitFile (repeat): %v", err)
	}
	if second.FileID != first.FileID {
		t.Fatalf("repeat CommitFile returned a different file id: %s != %s", second.FileID, first.FileID)
	}
}

// TestCommitFileRejectsChangedParams exercises the other half of §9's
// idempotency rule: reusing a commit_id with different parameters is a
// client error, not a silent re-assembly.
func TestCommitFileRejectsChangedParams(t *testing.T) {
	stg, st, _ := newTestStaging(t)
	job := mustJobWithOwner(t, st)

	chunkID, err := stg.WriteChunk(job, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	commitID := ids.New()
	if _, err := stg.CommitFile(context.Background(), job, commitID, KindOutput, "out.txt", 11, []string{chunkID}); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}

	if _, err := stg.CommitFile(context.Background(), job, commitID, KindOutput, "different.txt", 11, []string{chunkID}); err == nil {
		t.Fatalf("expected CommitFile to reject a reused commit_id with different parameters")
	}
}

// TestMarkJobCompletedDeclinesWithUploadsInFlight covers spec.md §4.2: a
// job cannot complete while any commit for it is still in flight.
func TestMarkJobCompletedDeclinesWithUploadsInFlight(t *testing.T) {
	stg, st, _ := newTestStaging(t)
	job := mustJobWithOwner(t, st)

	// Fabricate an in-flight commit record directly, since CommitFile
	// itself runs synchronously to completion in this implementation.
	stg.mu.Lock()
	stg.commits["pending-commit"] = &commitRecord{job: job, paramsHash: "x"}
	stg.mu.Unlock()

	if err := stg.MarkJobCompleted(job); err == nil {
		t.Fatalf("expected MarkJobCompleted to decline while a commit is in flight")
	}

	stg.mu.Lock()
	stg.commits["pending-commit"].done = true
	stg.mu.Unlock()

	if err := stg.MarkJobCompleted(job); err != nil {
		t.Fatalf("MarkJobCompleted: %v", err)
	}
}

func TestForgetJobDropsBookkeeping(t *testing.T) {
	stg, st, _ := newTestStaging(t)
	job := mustJobWithOwner(t, st)

	chunkID, err := stg.WriteChunk(job, strings.NewReader("data"))
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if _, err := stg.CommitFile(context.Background(), job, ids.New(), KindOutput, "f.txt", 4, []string{chunkID}); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}

	tracked := stg.TrackedJobs()
	if len(tracked) != 1 || tracked[0] != job {
		t.Fatalf("expected job %s to be tracked, got %v", job, tracked)
	}

	stg.ForgetJob(job)

	if tracked := stg.TrackedJobs(); len(tracked) != 0 {
		t.Fatalf("expected no tracked jobs after ForgetJob, got %v", tracked)
	}
}
