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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"buildomat/internal/archive"
	"buildomat/internal/auth"
	"buildomat/internal/central"
	"buildomat/internal/config"
	"buildomat/internal/factory"
	"buildomat/internal/ids"
	"buildomat/internal/lifecycle"
	"buildomat/internal/staging"
	"buildomat/internal/store"
	"buildomat/pkg/buildomat"
)

func setupTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	stg, err := staging.New(filepath.Join(dir, "staging"), st)
	if err != nil {
		t.Fatalf("opening staging: %v", err)
	}

	state := central.New()
	lc := lifecycle.New(st, state, stg)
	fc := factory.New(st, state)
	ar, err := archive.New(st, stg, nil, state, nil, archive.DefaultConfig(filepath.Join(dir, "archive-cache")))
	if err != nil {
		t.Fatalf("constructing archiver: %v", err)
	}
	a := auth.New(st, "test-admin-token")

	if _, err := st.TargetCreate(ctx, "default", ""); err != nil {
		t.Fatalf("creating target: %v", err)
	}

	h := &Handler{
		Store: st, Lifecycle: lc, Staging: stg, Archive: ar,
		Factory: fc, Auth: a, State: state,
		Config: config.Config{MaxBytesPerInput: 1 << 20},
		Log:    nil,
	}
	return h, st
}

func newTestUser(t *testing.T, st *store.Store, name string) *buildomat.User {
	t.Helper()
	u, err := st.UserEnsure(context.Background(), name)
	if err != nil {
		t.Fatalf("creating user %q: %v", name, err)
	}
	return u
}

func doRequest(t *testing.T, h *Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	newMux(h).ServeHTTP(w, req)
	return w
}

// rawBodyRequest sends body as the literal request body, unlike doRequest
// which always JSON-encodes it. Used for the binary chunk-upload endpoint.
func rawBodyRequest(t *testing.T, h *Handler, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	newMux(h).ServeHTTP(w, req)
	return w
}

func mustULID(t *testing.T) string {
	t.Helper()
	return ids.New()
}

func TestJobSubmitListGet(t *testing.T) {
	h, st := setupTestHandler(t)
	u := newTestUser(t, st, "alice")

	sub := buildomat.JobSubmission{
		Name:   "build",
		Target: "default",
		Tasks:  []buildomat.TaskSubmission{{Name: "build", Script: "true"}},
	}
	w := doRequest(t, h, http.MethodPost, "/0/jobs", u.Token, sub)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected a job id in the submit response")
	}

	w = doRequest(t, h, http.MethodGet, "/0/jobs", u.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var jobs []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decoding list response: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job in list, got %d", len(jobs))
	}

	w = doRequest(t, h, http.MethodGet, "/0/job/"+created.ID, u.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestJobGetForbiddenForOtherOwner(t *testing.T) {
	h, st := setupTestHandler(t)
	owner := newTestUser(t, st, "alice")
	other := newTestUser(t, st, "mallory")

	sub := buildomat.JobSubmission{
		Name:   "build",
		Target: "default",
		Tasks:  []buildomat.TaskSubmission{{Name: "build", Script: "true"}},
	}
	w := doRequest(t, h, http.MethodPost, "/0/jobs", owner.Token, sub)
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	w = doRequest(t, h, http.MethodGet, "/0/job/"+created.ID, other.Token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-owner caller, got %d: %s", w.Code, w.Body.String())
	}
}

func TestJobGetAllowedForAdminDelegate(t *testing.T) {
	h, st := setupTestHandler(t)
	owner := newTestUser(t, st, "alice")
	admin := newTestUser(t, st, "root-operator")
	if err := st.UserGrantPrivilege(context.Background(), admin.ID, "admin.job.read"); err != nil {
		t.Fatalf("granting privilege: %v", err)
	}

	sub := buildomat.JobSubmission{
		Name:   "build",
		Target: "default",
		Tasks:  []buildomat.TaskSubmission{{Name: "build", Script: "true"}},
	}
	w := doRequest(t, h, http.MethodPost, "/0/jobs", owner.Token, sub)
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	rec := doRequest(t, h, http.MethodGet, "/0/job/"+created.ID, admin.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a delegated admin reader, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestJobSubmitRejectsUnauthenticated(t *testing.T) {
	h, _ := setupTestHandler(t)
	w := doRequest(t, h, http.MethodPost, "/0/jobs", "", buildomat.JobSubmission{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected a WWW-Authenticate challenge on 401")
	}
}

func TestJobCancelConflictWhenAlreadyComplete(t *testing.T) {
	h, st := setupTestHandler(t)
	owner := newTestUser(t, st, "alice")

	sub := buildomat.JobSubmission{
		Name:   "build",
		Target: "default",
		Tasks:  []buildomat.TaskSubmission{{Name: "build", Script: "true"}},
	}
	w := doRequest(t, h, http.MethodPost, "/0/jobs", owner.Token, sub)
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	if _, err := st.JobComplete(context.Background(), created.ID, false, ""); err != nil {
		t.Fatalf("completing job directly: %v", err)
	}

	w = doRequest(t, h, http.MethodPost, "/0/jobs/"+created.ID+"/cancel", owner.Token, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a completed job, got %d: %s", w.Code, w.Body.String())
	}
}
