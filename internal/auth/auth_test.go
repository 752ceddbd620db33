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

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"buildomat/internal/berrors"
	"buildomat/internal/store"
)

func setupTestAuth(t *testing.T) (*Authenticator, *store.Store) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	ctx := context.Background()
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return New(st, "admin-token-secret"), st
}

func bearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

func TestBearerTokenGrammar(t *testing.T) {
	cases := []struct {
		name   string
		header string
		ok     bool
	}{
		{"well formed", "Bearer abcdef", true},
		{"case insensitive scheme", "BEARER abcdef", true},
		{"extra whitespace collapses", "Bearer   abcdef", true},
		{"missing header", "", false},
		{"wrong scheme", "Basic abcdef", false},
		{"three fields", "Bearer abc def", false},
		{"one field", "abcdef", false},
		{"token too short", "Bearer ab", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if c.header != "" {
				req.Header.Set("Authorization", c.header)
			}
			tok, err := BearerToken(req)
			if c.ok && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !c.ok {
				if err == nil {
					t.Fatalf("expected failure, got token %q", tok)
				}
				if berrors.KindOf(err) != berrors.Authentication {
					t.Errorf("expected Authentication kind, got %v", berrors.KindOf(err))
				}
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	a, st := setupTestAuth(t)
	ctx := context.Background()

	owner, err := st.UserEnsure(ctx, "alice")
	if err != nil {
		t.Fatalf("UserEnsure: %v", err)
	}

	req := httptest.NewRequest("GET", "/test", nil)
	bearer(req, owner.Token)

	u, err := a.RequireUser(req)
	if err != nil {
		t.Fatalf("RequireUser: %v", err)
	}
	if u.Name != "alice" {
		t.Errorf("expected alice, got %s", u.Name)
	}

	req = httptest.NewRequest("GET", "/test", nil)
	bearer(req, "not-a-real-token-at-all")
	if _, err := a.RequireUser(req); err == nil {
		t.Error("expected failure for unknown token")
	} else if berrors.KindOf(err) != berrors.Authentication {
		t.Errorf("expected Authentication kind, got %v", berrors.KindOf(err))
	}
}

func TestRequireUserDelegate(t *testing.T) {
	a, st := setupTestAuth(t)
	ctx := context.Background()

	owner, err := st.UserEnsure(ctx, "ci-bot")
	if err != nil {
		t.Fatalf("UserEnsure: %v", err)
	}

	// Without the delegate privilege, asking to act as another user fails.
	req := httptest.NewRequest("GET", "/test", nil)
	bearer(req, owner.Token)
	req.Header.Set("X-Buildomat-Delegate", "some-repo-owner")
	if _, err := a.RequireUser(req); err == nil {
		t.Error("expected delegation to be rejected without privilege")
	}

	// Granting the privilege lets ci-bot impersonate, creating the target
	// user on first use.
	if err := st.UserGrantPrivilege(ctx, owner.ID, "delegate"); err != nil {
		t.Fatalf("UserGrantPrivilege: %v", err)
	}

	req = httptest.NewRequest("GET", "/test", nil)
	bearer(req, owner.Token)
	req.Header.Set("X-Buildomat-Delegate", "some-repo-owner")

	u, err := a.RequireUser(req)
	if err != nil {
		t.Fatalf("RequireUser with delegate: %v", err)
	}
	if u.Name != "some-repo-owner" {
		t.Errorf("expected delegated user, got %s", u.Name)
	}

	// Repeating resolves the same, now-existing user.
	u2, err := a.RequireUser(req)
	if err != nil {
		t.Fatalf("RequireUser second call: %v", err)
	}
	if u2.ID != u.ID {
		t.Errorf("expected delegate to be idempotent, got different ids %s vs %s", u.ID, u2.ID)
	}
}

func TestRequireWorker(t *testing.T) {
	a, st := setupTestAuth(t)
	ctx := context.Background()

	w, err := st.WorkerCreate(ctx, "some-factory", "default", "")
	if err != nil {
		t.Fatalf("WorkerCreate: %v", err)
	}
	bootstrapped, err := st.WorkerBootstrap(ctx, w.Bootstrap)
	if err != nil {
		t.Fatalf("WorkerBootstrap: %v", err)
	}

	req := httptest.NewRequest("GET", "/test", nil)
	bearer(req, bootstrapped.Token)

	got, err := a.RequireWorker(req)
	if err != nil {
		t.Fatalf("RequireWorker: %v", err)
	}
	if got.ID != w.ID {
		t.Errorf("expected worker %s, got %s", w.ID, got.ID)
	}
}

func TestRequireFactory(t *testing.T) {
	a, st := setupTestAuth(t)
	ctx := context.Background()

	f, err := st.FactoryCreate(ctx, "aws-factory")
	if err != nil {
		t.Fatalf("FactoryCreate: %v", err)
	}

	req := httptest.NewRequest("GET", "/test", nil)
	bearer(req, f.Token)

	got, err := a.RequireFactory(req)
	if err != nil {
		t.Fatalf("RequireFactory: %v", err)
	}
	if got.ID != f.ID {
		t.Errorf("expected factory %s, got %s", f.ID, got.ID)
	}
}

func TestRequireAdmin(t *testing.T) {
	a, st := setupTestAuth(t)
	ctx := context.Background()

	// Global admin token short-circuits straight through.
	req := httptest.NewRequest("POST", "/0/admin/hold", nil)
	bearer(req, "admin-token-secret")
	if _, err := a.RequireAdmin(req, "hold"); err != nil {
		t.Fatalf("expected global admin token to succeed: %v", err)
	}

	// A plain user without the delegated privilege is forbidden.
	plain, err := st.UserEnsure(ctx, "plain-user")
	if err != nil {
		t.Fatalf("UserEnsure: %v", err)
	}
	req = httptest.NewRequest("POST", "/0/admin/hold", nil)
	bearer(req, plain.Token)
	if _, err := a.RequireAdmin(req, "hold"); berrors.KindOf(err) != berrors.Authorization {
		t.Errorf("expected Authorization kind, got %v", berrors.KindOf(err))
	}

	// Granting admin.hold lets the user through.
	if err := st.UserGrantPrivilege(ctx, plain.ID, "admin.hold"); err != nil {
		t.Fatalf("UserGrantPrivilege: %v", err)
	}
	req = httptest.NewRequest("POST", "/0/admin/hold", nil)
	bearer(req, plain.Token)
	u, err := a.RequireAdmin(req, "hold")
	if err != nil {
		t.Fatalf("expected delegated admin privilege to succeed: %v", err)
	}
	if u == nil || u.Name != "plain-user" {
		t.Errorf("expected plain-user to be returned, got %+v", u)
	}
}

func TestContextRoundTrip(t *testing.T) {
	a, st := setupTestAuth(t)
	ctx := context.Background()

	owner, err := st.UserEnsure(ctx, "bob")
	if err != nil {
		t.Fatalf("UserEnsure: %v", err)
	}

	withUser := WithUser(context.Background(), owner)
	got, ok := UserFromContext(withUser)
	if !ok || got.ID != owner.ID {
		t.Fatalf("expected to recover user from context, got %+v ok=%v", got, ok)
	}

	if _, ok := WorkerFromContext(withUser); ok {
		t.Error("worker context accessor should not find a user value")
	}
	_ = a
}
