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
	"strconv"
	"time"

	"buildomat/internal/berrors"
	"buildomat/pkg/buildomat"
)

func (h *Handler) handleWorkerBootstrap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bootstrap string `json:"bootstrap"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	worker, err := h.Store.WorkerBootstrap(r.Context(), req.Bootstrap)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": worker.ID, "token": worker.Token})
}

// workerJob loads the job currently assigned to worker, or nil if idle.
func (h *Handler) workerJob(r *http.Request, worker *buildomat.Worker) (*buildomat.Job, error) {
	if worker.Job == "" {
		return nil, nil
	}
	return h.Store.JobByID(r.Context(), worker.Job)
}

func (h *Handler) handleWorkerJob(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Auth.RequireWorker(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	j, err := h.workerJob(r, worker)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if j == nil {
		writeJSON(w, http.StatusOK, map[string]any{"job": nil})
		return
	}

	tasks, err := h.Store.JobTasks(r.Context(), j.ID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":   jobView(j),
		"tasks": tasks,
	})
}

func (h *Handler) handleWorkerPing(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Auth.RequireWorker(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := h.Store.WorkerPing(r.Context(), worker.ID); err != nil {
		writeError(w, h.Log, err)
		return
	}

	j, err := h.workerJob(r, worker)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	resp := map[string]any{"held": h.State.IsHeld()}
	if j != nil {
		resp["job_cancelled"] = j.Cancelled
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseTaskSeq(r *http.Request) (int, error) {
	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil || seq < 0 {
		return 0, berrors.Validationf("task sequence %q is not a valid non-negative integer", r.PathValue("seq"))
	}
	return seq, nil
}

func (h *Handler) handleWorkerTaskAppend(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Auth.RequireWorker(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	j, err := h.workerJob(r, worker)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if j == nil {
		writeError(w, h.Log, berrors.Conflictf("worker has no assigned job"))
		return
	}
	seq, err := parseTaskSeq(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req struct {
		Stream  string  `json:"stream"`
		Payload string  `json:"payload"`
		Remote  *string `json:"time"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	var remote *time.Time
	if req.Remote != nil {
		t, err := time.Parse(time.RFC3339Nano, *req.Remote)
		if err != nil {
			writeError(w, h.Log, berrors.Validationf("time %q is not RFC3339: %v", *req.Remote, err))
			return
		}
		remote = &t
	}

	seqOut, err := h.Lifecycle.AppendEvent(r.Context(), j.ID, &seq, buildomat.EventStream(req.Stream), req.Payload, remote)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"seq": seqOut})
}

func (h *Handler) handleWorkerTaskComplete(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Auth.RequireWorker(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	j, err := h.workerJob(r, worker)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if j == nil {
		writeError(w, h.Log, berrors.Conflictf("worker has no assigned job"))
		return
	}
	seq, err := parseTaskSeq(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req struct {
		Failed bool `json:"failed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := h.Store.TaskComplete(r.Context(), j.ID, seq, req.Failed); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeNoContent(w)
}

func (h *Handler) handleWorkerJobComplete(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Auth.RequireWorker(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	j, err := h.workerJob(r, worker)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if j == nil {
		writeError(w, h.Log, berrors.Conflictf("worker has no assigned job"))
		return
	}

	var req struct {
		Failed  bool   `json:"failed"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if _, err := h.Lifecycle.Complete(r.Context(), j.ID, req.Failed, req.Message); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeNoContent(w)
}
