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
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
)

// handlePublicFile serves GET /public/file/{owner}/{repo}/{series}/{version}/{name},
// the one unauthenticated endpoint in the control plane: anyone who knows a
// published series/version/name triple can fetch the bytes, without a
// bearer token.
func (h *Handler) handlePublicFile(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner") + "/" + r.PathValue("repo")

	u, err := h.Store.UserByName(r.Context(), owner)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	job, out, err := h.Store.PublishedOutput(r.Context(), u.ID, r.PathValue("series"), r.PathValue("version"), r.PathValue("name"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	rc, size, err := h.Archive.OpenOutput(r.Context(), job, out.Path)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	defer rc.Close()

	ct := mime.TypeByExtension(filepath.Ext(out.Name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.Log.Warn("streaming published file", "owner", owner, "error", err)
	}
}
