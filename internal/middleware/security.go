// Buildomat is a multi-tenant build job execution control plane.
// Copyright (C) 2025 Matthew Burns
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

package middleware

import (
	"net/http"
	"strings"
)

// corsAllowedMethods and corsAllowedHeaders are fixed to what buildomatd's
// own HTTP surface actually uses (see internal/api/router.go): no DELETE or
// PATCH verb exists anywhere in the API, so there is nothing to allow.
var (
	corsAllowedMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}, ",")
	corsAllowedHeaders = strings.Join([]string{"Content-Type", "Authorization", "If-None-Match"}, ",")
)

// SecurityHeaders wraps next with a handler that sets the baseline security
// headers on every response (nosniff, frame deny, no-referrer), and, when
// corsOrigin is non-empty, the CORS headers needed for a web console served
// from that origin to call the API directly. An empty corsOrigin — the
// default — omits CORS headers entirely, since a fleet of CLI/API/worker
// clients never makes a cross-origin browser request.
func SecurityHeaders(corsOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")

			if corsOrigin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
