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
	"buildomat/pkg/buildomat"
)

// loadJobForUser fetches job and checks that u owns it, or else holds the
// delegated read privilege "admin.job.read" — the same two-path ownership
// check every job-scoped endpoint applies.
func (h *Handler) loadJobForUser(r *http.Request, u *buildomat.User, jobID string) (*buildomat.Job, error) {
	j, err := h.Store.JobByID(r.Context(), jobID)
	if err != nil {
		return nil, err
	}
	if j.Owner == u.ID {
		return j, nil
	}
	if u.Has("admin.job.read") {
		return j, nil
	}
	return nil, berrors.Forbiddenf("not your job")
}

func jobView(j *buildomat.Job) map[string]any {
	return map[string]any{
		"id":              j.ID,
		"owner":           j.Owner,
		"name":            j.Name,
		"target":          j.TargetRequested,
		"target_resolved": j.TargetResolved,
		"state":           j.State(),
		"cancelled":       j.Cancelled,
		"worker":          nullableString(j.Worker),
		"fail_message":    j.FailMessage,
		"tags":            j.Tags,
		"times":           formatTimes(j.Times),
		"time_create":     j.TimeCreate.UTC().Format(time.RFC3339Nano),
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTimes(times map[string]time.Time) map[string]string {
	out := make(map[string]string, len(times))
	for phase, t := range times {
		out[phase] = t.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (h *Handler) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	u, err := h.Auth.RequireUser(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var sub buildomat.JobSubmission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, h.Log, err)
		return
	}

	job, err := h.Lifecycle.Submit(r.Context(), u, sub)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": job.ID})
}

func (h *Handler) handleJobsList(w http.ResponseWriter, r *http.Request) {
	u, err := h.Auth.RequireUser(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	jobs, err := h.Store.JobsForUser(r.Context(), u.ID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	views := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView(j))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleJobGet(w http.ResponseWriter, r *http.Request) {
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
	// A completed job's representation never changes again (an archived
	// job even less so), so conditional GETs can skip re-sending the body.
	if j.Complete {
		writeJSONCached(w, r, weakETag(j.ID, string(j.State())), jobView(j))
		return
	}
	writeJSON(w, http.StatusOK, jobView(j))
}

func (h *Handler) handleJobCancel(w http.ResponseWriter, r *http.Request) {
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
		writeError(w, h.Log, berrors.Conflictf("cannot cancel a job that is already complete"))
		return
	}
	if err := h.Lifecycle.Cancel(r.Context(), j.ID); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeNoContent(w)
}

func (h *Handler) handleWhoami(w http.ResponseWriter, r *http.Request) {
	u, err := h.Auth.RequireUser(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": u.ID, "name": u.Name})
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Auth.RequireUser(r); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"max_bytes_per_input": h.Config.MaxBytesPerInput})
}
