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
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// weakETag derives a weak validator from a set of parts (e.g. a job id
// plus its archived flag), so a completed/archived job's read-only
// representations can be served with conditional GETs without hashing the
// full payload.
func weakETag(parts ...string) string {
	if len(parts) == 0 {
		return `W/"sha256-` + sha256Sum(nil) + `"`
	}
	joined := strings.Join(parts, "\x1f")
	return `W/"sha256-` + sha256Sum([]byte(joined)) + `"`
}

func sha256Sum(b []byte) string {
	h := sha256.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// ifNoneMatch reports whether the request's If-None-Match header already
// covers etag, so the handler can short-circuit to 304.
func ifNoneMatch(r *http.Request, etag string) bool {
	inm := strings.TrimSpace(r.Header.Get("If-None-Match"))
	if inm == "" {
		return false
	}
	if inm == "*" {
		return true
	}
	for _, p := range strings.Split(inm, ",") {
		v := strings.TrimSpace(p)
		if v == etag {
			return true
		}
		if strings.HasPrefix(v, "W/") && strings.TrimSpace(strings.TrimPrefix(v, "W/")) == etag {
			return true
		}
	}
	return false
}

// writeJSONCached writes data as JSON, honoring a weak ETag for
// conditional GETs (304 Not Modified when the client already has it).
func writeJSONCached(w http.ResponseWriter, r *http.Request, etag string, data any) {
	if ifNoneMatch(r, etag) {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, data)
}
