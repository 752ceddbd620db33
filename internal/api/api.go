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

// Package api implements the HTTP surface of the buildomat control plane:
// the user-facing job API, the worker and factory protocols, the admin
// hold/resume switch, and the unauthenticated published-file endpoint.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"buildomat/internal/archive"
	"buildomat/internal/auth"
	"buildomat/internal/blob"
	"buildomat/internal/central"
	"buildomat/internal/config"
	"buildomat/internal/factory"
	"buildomat/internal/lifecycle"
	"buildomat/internal/metrics"
	"buildomat/internal/middleware"
	"buildomat/internal/staging"
	"buildomat/internal/store"
)

// Handler wires every component of the control plane to its HTTP surface.
type Handler struct {
	Store     *store.Store
	Lifecycle *lifecycle.Service
	Staging   *staging.Staging
	Archive   *archive.Archiver
	Blob      *blob.Store
	Factory   *factory.Service
	Auth      *auth.Authenticator
	State     *central.State
	Config    config.Config
	Log       *slog.Logger
}

// New constructs the Handler and its routed http.Handler.
func New(
	st *store.Store,
	lc *lifecycle.Service,
	stg *staging.Staging,
	ar *archive.Archiver,
	bl *blob.Store,
	fc *factory.Service,
	a *auth.Authenticator,
	state *central.State,
	cfg config.Config,
	logger *slog.Logger,
) http.Handler {
	h := &Handler{
		Store: st, Lifecycle: lc, Staging: stg, Archive: ar, Blob: bl,
		Factory: fc, Auth: a, State: state, Config: cfg, Log: logger,
	}
	secure := middleware.SecurityHeaders(cfg.CORSAllowedOrigin)
	return secure(withMetrics(newMux(h)))
}

// withMetrics wraps the router so every request increments the HTTP
// request counter with a coarse status class, mirroring the teacher
// binary's per-route metrics instrumentation.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.IncHTTPRequest(r.Pattern, statusClass(rec.status))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// writeJSON writes body as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		slog.Error("marshaling JSON response", "error", err)
		http.Error(w, "internal error: failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		slog.Warn("writing JSON response body", "error", err)
	}
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// decodeJSON decodes r's body into dst, returning a Validation error on
// malformed JSON.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return validationf("malformed JSON body: %v", err)
	}
	return nil
}
