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
	"time"

	"buildomat/internal/berrors"
)

const (
	minLeaseTTL = time.Second
	maxLeaseTTL = 10 * time.Minute
)

func (h *Handler) handleFactoryLease(w http.ResponseWriter, r *http.Request) {
	f, err := h.Auth.RequireFactory(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req struct {
		Target    string `json:"target"`
		TTLSecond int64  `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ttl := time.Duration(req.TTLSecond) * time.Second
	if ttl < minLeaseTTL || ttl > maxLeaseTTL {
		writeError(w, h.Log, berrors.Validationf("ttl_seconds must be between %d and %d", int(minLeaseTTL.Seconds()), int(maxLeaseTTL.Seconds())))
		return
	}

	job, err := h.Factory.Lease(r.Context(), f.ID, req.Target, ttl)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]any{"job": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": jobView(job)})
}

func (h *Handler) handleFactoryLeaseRenew(w http.ResponseWriter, r *http.Request) {
	f, err := h.Auth.RequireFactory(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req struct {
		TTLSecond int64 `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ttl := time.Duration(req.TTLSecond) * time.Second
	if ttl < minLeaseTTL || ttl > maxLeaseTTL {
		writeError(w, h.Log, berrors.Validationf("ttl_seconds must be between %d and %d", int(minLeaseTTL.Seconds()), int(maxLeaseTTL.Seconds())))
		return
	}

	ok := h.Factory.LeaseRenew(f.ID, r.PathValue("job"), ttl)
	writeJSON(w, http.StatusOK, map[string]bool{"renewed": ok})
}

func (h *Handler) handleFactoryWorkerCreate(w http.ResponseWriter, r *http.Request) {
	f, err := h.Auth.RequireFactory(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req struct {
		Target string `json:"target"`
		Job    string `json:"job"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	worker, err := h.Factory.WorkerCreate(r.Context(), f.ID, req.Target, req.Job)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": worker.ID, "bootstrap": worker.Bootstrap})
}

func (h *Handler) handleFactoryWorkerAssociate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Auth.RequireFactory(r); err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req struct {
		InstanceID string `json:"instance_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := h.Factory.WorkerAssociate(r.Context(), r.PathValue("worker"), req.InstanceID); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeNoContent(w)
}

func (h *Handler) handleFactoryWorkerAppend(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Auth.RequireFactory(r); err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req struct {
		Payload string `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := h.Factory.WorkerAppend(r.Context(), r.PathValue("worker"), req.Payload); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeNoContent(w)
}

func (h *Handler) handleFactoryWorkerDestroy(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Auth.RequireFactory(r); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := h.Factory.WorkerDestroy(r.Context(), r.PathValue("worker")); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeNoContent(w)
}
