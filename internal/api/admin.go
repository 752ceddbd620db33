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

import "net/http"

func (h *Handler) handleAdminHold(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Auth.RequireAdmin(r, "hold"); err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.State.Hold()
	writeNoContent(w)
}

func (h *Handler) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Auth.RequireAdmin(r, "hold"); err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.State.Resume()
	writeNoContent(w)
}
