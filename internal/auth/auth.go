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

// Package auth implements the three-realm bearer token authentication
// scheme (users, workers, factories) plus the X-Buildomat-Delegate
// impersonation header.
package auth

import (
	"context"
	"net/http"
	"strings"

	"buildomat/internal/berrors"
	"buildomat/internal/ctxkeys"
	"buildomat/internal/store"
	"buildomat/pkg/buildomat"
)

// Authenticator resolves bearer tokens against the durable store for each
// of the three token realms.
type Authenticator struct {
	Store      *store.Store
	AdminToken string
}

func New(s *store.Store, adminToken string) *Authenticator {
	return &Authenticator{Store: s, AdminToken: adminToken}
}

// BearerToken extracts the token from an Authorization header, applying
// the exact grammar: the header value must split on whitespace into
// exactly two non-empty fields, the first case-insensitively equal to
// "bearer", the second at least 3 bytes after trimming. Anything else is
// an Authentication error.
func BearerToken(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return "", berrors.Unauthorizedf("missing authorization header")
	}

	fields := strings.Fields(raw)
	if len(fields) != 2 {
		return "", berrors.Unauthorizedf("malformed authorization header")
	}
	if !strings.EqualFold(fields[0], "bearer") {
		return "", berrors.Unauthorizedf("malformed authorization header")
	}

	tok := strings.TrimSpace(fields[1])
	if len(tok) < 3 {
		return "", berrors.Unauthorizedf("malformed authorization header")
	}
	return tok, nil
}

// delegateUsername reads X-Buildomat-Delegate verbatim (trimmed), or ""
// if absent.
func delegateUsername(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Buildomat-Delegate"))
}

// RequireUser authenticates the bearer token as a user. If the caller also
// sent X-Buildomat-Delegate and holds the "delegate" privilege, the
// returned user is the delegate target instead (created if missing); a
// delegate header sent by a non-privileged caller is rejected outright
// rather than silently ignored.
func (a *Authenticator) RequireUser(r *http.Request) (*buildomat.User, error) {
	tok, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	u, err := a.Store.UserAuth(r.Context(), tok)
	if err != nil {
		return nil, berrors.Unauthorizedf("invalid user token")
	}

	delegate := delegateUsername(r)
	if delegate == "" {
		return u, nil
	}
	if !u.Has("delegate") {
		return nil, berrors.Unauthorizedf("user %s may not delegate", u.Name)
	}
	return a.Store.UserEnsure(r.Context(), delegate)
}

// RequireWorker authenticates the bearer token as a worker.
func (a *Authenticator) RequireWorker(r *http.Request) (*buildomat.Worker, error) {
	tok, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	w, err := a.Store.WorkerAuth(r.Context(), tok)
	if err != nil {
		return nil, berrors.Unauthorizedf("invalid worker token")
	}
	return w, nil
}

// RequireFactory authenticates the bearer token as a factory.
func (a *Authenticator) RequireFactory(r *http.Request) (*buildomat.Factory, error) {
	tok, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	f, err := a.Store.FactoryAuth(r.Context(), tok)
	if err != nil {
		return nil, berrors.Unauthorizedf("invalid factory token")
	}
	return f, nil
}

// RequireAdmin authenticates an admin-only request. The configured global
// admin token is accepted outright (nil user, nil error); otherwise the
// bearer token must resolve to a user holding the delegated privilege
// "admin.<privname>".
func (a *Authenticator) RequireAdmin(r *http.Request, privname string) (*buildomat.User, error) {
	tok, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	if a.AdminToken != "" && tok == a.AdminToken {
		return nil, nil
	}

	u, err := a.Store.UserAuth(r.Context(), tok)
	if err != nil {
		return nil, berrors.Unauthorizedf("invalid admin token")
	}
	want := "admin." + privname
	if !u.Has(want) {
		return nil, berrors.Forbiddenf("user %s lacks privilege %s", u.Name, want)
	}
	return u, nil
}

// WithUser, WithWorker and WithFactory stash the authenticated principal
// on a context for downstream handlers; the matching *FromContext
// functions recover them.
func WithUser(ctx context.Context, u *buildomat.User) context.Context {
	return context.WithValue(ctx, ctxkeys.Principal, u)
}

func WithWorker(ctx context.Context, w *buildomat.Worker) context.Context {
	return context.WithValue(ctx, ctxkeys.Principal, w)
}

func WithFactory(ctx context.Context, f *buildomat.Factory) context.Context {
	return context.WithValue(ctx, ctxkeys.Principal, f)
}

func UserFromContext(ctx context.Context) (*buildomat.User, bool) {
	u, ok := ctx.Value(ctxkeys.Principal).(*buildomat.User)
	return u, ok
}

func WorkerFromContext(ctx context.Context) (*buildomat.Worker, bool) {
	w, ok := ctx.Value(ctxkeys.Principal).(*buildomat.Worker)
	return w, ok
}

func FactoryFromContext(ctx context.Context) (*buildomat.Factory, bool) {
	f, ok := ctx.Value(ctxkeys.Principal).(*buildomat.Factory)
	return f, ok
}
