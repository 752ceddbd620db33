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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"buildomat/pkg/buildomat"
)

func submitWaitingJob(t *testing.T, h *Handler, owner *buildomat.User, inputName string) string {
	t.Helper()
	sub := buildomat.JobSubmission{
		Name:   "build",
		Target: "default",
		Tasks:  []buildomat.TaskSubmission{{Name: "build", Script: "true"}},
		Inputs: []string{inputName},
	}
	w := doRequest(t, h, http.MethodPost, "/0/jobs", owner.Token, sub)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	return created.ID
}

func TestChunkUploadAndCommitAsync(t *testing.T) {
	h, st := setupTestHandler(t)
	owner := newTestUser(t, st, "alice")
	jobID := submitWaitingJob(t, h, owner, "input.bin")

	payload := "hello world"
	rec := rawBodyRequest(t, h, http.MethodPost, "/0/jobs/"+jobID+"/chunk", owner.Token, strings.NewReader(payload))
	if rec.Code != http.StatusCreated {
		t.Fatalf("chunk upload: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var chunk struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &chunk); err != nil {
		t.Fatalf("decoding chunk response: %v", err)
	}

	commit := inputCommitRequest{
		Name:     "input.bin",
		Size:     int64(len(payload)),
		Chunks:   []string{chunk.ID},
		CommitID: mustULID(t),
	}
	rec = doRequest(t, h, http.MethodPost, "/1/jobs/"+jobID+"/input", owner.Token, commit)
	if rec.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Complete bool    `json:"complete"`
		Error    *string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding commit response: %v", err)
	}
	if !result.Complete || result.Error != nil {
		t.Fatalf("expected a complete, error-free commit, got %+v", result)
	}

	// Repeating the exact same commit is idempotent.
	rec = doRequest(t, h, http.MethodPost, "/1/jobs/"+jobID+"/input", owner.Token, commit)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat commit: expected 200, got %d", rec.Code)
	}
}

func TestChunkUploadRejectedWhenJobNotWaiting(t *testing.T) {
	h, st := setupTestHandler(t)
	owner := newTestUser(t, st, "alice")
	jobID := submitWaitingJob(t, h, owner, "input.bin")

	if _, err := st.JobComplete(context.Background(), jobID, false, ""); err != nil {
		t.Fatalf("completing job directly: %v", err)
	}

	rec := rawBodyRequest(t, h, http.MethodPost, "/0/jobs/"+jobID+"/chunk", owner.Token, strings.NewReader("x"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 uploading a chunk to a non-waiting job, got %d: %s", rec.Code, rec.Body.String())
	}
}
