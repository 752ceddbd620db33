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
	"net/http"
	"strings"

	"buildomat/internal/berrors"
	"buildomat/internal/ids"
	"buildomat/internal/staging"
)

const syncInputMaxBytes = 1 << 30 // exactly 1 GiB, per spec.md §8 boundary test

func (h *Handler) handleChunkUpload(w http.ResponseWriter, r *http.Request) {
	u, err := h.Auth.RequireUser(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	j, err := h.loadJobForUser(r, u, r.PathValue("job"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if !j.Waiting {
		writeError(w, h.Log, berrors.Conflictf("cannot upload chunks for job that is not waiting"))
		return
	}

	chunkID, err := h.Staging.WriteChunk(j.ID, r.Body)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": chunkID})
}

type inputCommitRequest struct {
	Name     string   `json:"name"`
	Size     int64    `json:"size"`
	Chunks   []string `json:"chunks"`
	CommitID string   `json:"commit_id"`
}

func (req inputCommitRequest) validate(maxBytes int64) error {
	if strings.Contains(req.Name, "/") {
		return berrors.Validationf("input name %q must not contain '/'", req.Name)
	}
	if req.Size < 0 || req.Size > maxBytes {
		return berrors.Validationf("input size %d exceeds the per-input byte cap %d", req.Size, maxBytes)
	}
	for _, c := range req.Chunks {
		if !ids.Valid(c) {
			return berrors.Validationf("chunk id %q is not a valid identifier", c)
		}
	}
	return nil
}

// handleInputCommitAsync implements POST /1/jobs/{job}/input: a tri-state
// commit that a client polls until it reports complete.
func (h *Handler) handleInputCommitAsync(w http.ResponseWriter, r *http.Request) {
	u, err := h.Auth.RequireUser(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	j, err := h.loadJobForUser(r, u, r.PathValue("job"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req inputCommitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := req.validate(h.Config.MaxBytesPerInput); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if req.CommitID == "" || !ids.Valid(req.CommitID) {
		writeError(w, h.Log, berrors.Validationf("commit_id %q is not a valid identifier", req.CommitID))
		return
	}

	result, err := h.Staging.CommitFile(r.Context(), j.ID, req.CommitID, staging.KindInput, req.Name, req.Size, req.Chunks)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	if !result.Complete {
		writeJSON(w, http.StatusOK, map[string]any{"complete": false, "error": nil})
		return
	}
	if result.Err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"complete": true, "error": result.Err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"complete": true, "error": nil})
}

// handleInputCommitSync implements the legacy POST /0/jobs/{job}/input:
// synchronous, capped at exactly 1 GiB, no client-chosen commit_id.
func (h *Handler) handleInputCommitSync(w http.ResponseWriter, r *http.Request) {
	u, err := h.Auth.RequireUser(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	j, err := h.loadJobForUser(r, u, r.PathValue("job"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if !j.Waiting {
		writeError(w, h.Log, berrors.Conflictf("cannot add inputs to a job that is not waiting"))
		return
	}

	var req struct {
		Name   string   `json:"name"`
		Size   int64    `json:"size"`
		Chunks []string `json:"chunks"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	sync := inputCommitRequest{Name: req.Name, Size: req.Size, Chunks: req.Chunks}
	if err := sync.validate(syncInputMaxBytes); err != nil {
		writeError(w, h.Log, err)
		return
	}

	result, err := h.Staging.CommitFile(r.Context(), j.ID, ids.New(), staging.KindInput, req.Name, req.Size, req.Chunks)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if result.Err != nil {
		writeError(w, h.Log, result.Err)
		return
	}
	writeNoContent(w)
}
