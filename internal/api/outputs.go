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
	"net/http"
	"strconv"
	"time"

	"buildomat/internal/berrors"
	"buildomat/internal/lifecycle"
	"buildomat/pkg/buildomat"
)

// outputByFileID finds the output addressed by fileID among job's outputs.
// The URL path segment names the file id rather than the output's path,
// since a path can itself contain slashes.
func outputByFileID(outputs []buildomat.JobOutput, fileID string) (*buildomat.JobOutput, error) {
	for i := range outputs {
		if outputs[i].FileID == fileID {
			return &outputs[i], nil
		}
	}
	return nil, berrors.NotFoundf("output %s not found", fileID)
}

func (h *Handler) handleJobEvents(w http.ResponseWriter, r *http.Request) {
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

	minseq := 0
	if v := r.URL.Query().Get("minseq"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, h.Log, berrors.Validationf("minseq %q is not a non-negative integer", v))
			return
		}
		minseq = n
	}

	events, err := h.Archive.LoadJobEvents(r.Context(), j.ID, minseq)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleJobOutputs(w http.ResponseWriter, r *http.Request) {
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
	outputs, err := h.Archive.LoadJobOutputs(r.Context(), j.ID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if j.Archived {
		writeJSONCached(w, r, weakETag(j.ID, "outputs"), outputs)
		return
	}
	writeJSON(w, http.StatusOK, outputs)
}

func (h *Handler) handleJobOutputDownload(w http.ResponseWriter, r *http.Request) {
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
	outputs, err := h.Archive.LoadJobOutputs(r.Context(), j.ID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := outputByFileID(outputs, r.PathValue("output"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	rc, size, err := h.Archive.OpenOutput(r.Context(), j.ID, o.Path)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.Log.Warn("streaming output body", "job", j.ID, "output", o.FileID, "error", err)
	}
}

const maxPresignExpirySeconds = 3600

func (h *Handler) handleJobOutputSign(w http.ResponseWriter, r *http.Request) {
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
	outputs, err := h.Archive.LoadJobOutputs(r.Context(), j.ID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := outputByFileID(outputs, r.PathValue("output"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req struct {
		ExpirySeconds      int64  `json:"expiry_seconds"`
		ContentType        string `json:"content_type"`
		ContentDisposition string `json:"content_disposition"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if req.ExpirySeconds <= 0 || req.ExpirySeconds > maxPresignExpirySeconds {
		writeError(w, h.Log, berrors.Validationf("expiry_seconds must be in (0, %d]", maxPresignExpirySeconds))
		return
	}

	url, err := h.Blob.PresignOutput(r.Context(), j.ID, o.FileID, time.Duration(req.ExpirySeconds)*time.Second, req.ContentType, req.ContentDisposition)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) handleJobOutputPublish(w http.ResponseWriter, r *http.Request) {
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
	outputs, err := h.Archive.LoadJobOutputs(r.Context(), j.ID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := outputByFileID(outputs, r.PathValue("output"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req struct {
		Series  string `json:"series"`
		Version string `json:"version"`
		Name    string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	for field, v := range map[string]string{"series": req.Series, "version": req.Version, "name": req.Name} {
		if err := lifecycle.ValidatePublishIdentifier(v); err != nil {
			writeError(w, h.Log, berrors.Validationf("%s: %v", field, err))
			return
		}
	}

	if err := h.Store.JobPublishOutput(r.Context(), j.ID, o.Path, req.Series, req.Version, req.Name); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeNoContent(w)
}

func (h *Handler) handleJobStoreGetAll(w http.ResponseWriter, r *http.Request) {
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
	values, err := h.Archive.LoadJobStore(r.Context(), j.ID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	out := make(map[string]any, len(values))
	for _, v := range values {
		out[v.Name] = v.MarshalPublic()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleJobStorePut(w http.ResponseWriter, r *http.Request) {
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
	if j.Complete {
		writeError(w, h.Log, berrors.Conflictf("cannot write to the store of a completed job"))
		return
	}

	var req struct {
		Value  string `json:"value"`
		Secret bool   `json:"secret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	name := r.PathValue("name")
	if name == "" {
		writeError(w, h.Log, berrors.Validationf("store key must not be empty"))
		return
	}
	if err := h.Store.JobStorePut(r.Context(), j.ID, name, req.Value, req.Secret, "user"); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeNoContent(w)
}
