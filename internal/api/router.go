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

	"buildomat/internal/middleware"
)

// newMux wires every route to its handler method on h, using the
// method+pattern syntax the standard mux has carried since Go 1.22.
func newMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	ingest := middleware.NewPresignLimiter(32, 64)
	bootstrapLimit := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())

	// Job submission and inspection.
	mux.HandleFunc("POST /0/jobs", h.handleJobSubmit)
	mux.HandleFunc("GET /0/jobs", h.handleJobsList)
	mux.HandleFunc("GET /0/job/{job}", h.handleJobGet)
	mux.HandleFunc("POST /0/jobs/{job}/cancel", h.handleJobCancel)

	// Chunked and legacy synchronous input upload.
	mux.Handle("POST /0/jobs/{job}/chunk", ingest.Middleware(http.HandlerFunc(h.handleChunkUpload)))
	mux.Handle("POST /1/jobs/{job}/input", ingest.Middleware(http.HandlerFunc(h.handleInputCommitAsync)))
	mux.Handle("POST /0/jobs/{job}/input", ingest.Middleware(http.HandlerFunc(h.handleInputCommitSync)))

	// Event log and outputs.
	mux.HandleFunc("GET /0/jobs/{job}/events", h.handleJobEvents)
	mux.HandleFunc("GET /0/jobs/{job}/outputs", h.handleJobOutputs)
	mux.HandleFunc("GET /0/jobs/{job}/outputs/{output}", h.handleJobOutputDownload)
	mux.HandleFunc("POST /0/jobs/{job}/outputs/{output}/sign", h.handleJobOutputSign)
	mux.HandleFunc("POST /0/jobs/{job}/outputs/{output}/publish", h.handleJobOutputPublish)

	// Per-job scratch store.
	mux.HandleFunc("GET /0/jobs/{job}/store", h.handleJobStoreGetAll)
	mux.HandleFunc("PUT /0/jobs/{job}/store/{name}", h.handleJobStorePut)

	mux.HandleFunc("GET /0/whoami", h.handleWhoami)
	mux.HandleFunc("GET /0/quota", h.handleQuota)

	// Worker-side protocol. Bootstrap exchanges a single-use secret for a
	// long-lived token, so it is wrapped in the brute-force guard that
	// locks a client out after repeated failed (401) attempts.
	mux.Handle("POST /0/worker/bootstrap", bootstrapLimit.Middleware(http.HandlerFunc(h.handleWorkerBootstrap)))
	mux.HandleFunc("GET /0/worker/job", h.handleWorkerJob)
	mux.HandleFunc("POST /0/worker/ping", h.handleWorkerPing)
	mux.HandleFunc("POST /0/worker/task/{seq}/append", h.handleWorkerTaskAppend)
	mux.HandleFunc("POST /0/worker/task/{seq}/complete", h.handleWorkerTaskComplete)
	mux.HandleFunc("POST /0/worker/job/complete", h.handleWorkerJobComplete)

	// Factory lease protocol.
	mux.HandleFunc("POST /0/factory/lease", h.handleFactoryLease)
	mux.HandleFunc("POST /0/factory/lease/{job}/renew", h.handleFactoryLeaseRenew)
	mux.HandleFunc("POST /0/factory/worker", h.handleFactoryWorkerCreate)
	mux.HandleFunc("POST /0/factory/worker/{worker}/associate", h.handleFactoryWorkerAssociate)
	mux.HandleFunc("POST /0/factory/worker/{worker}/append", h.handleFactoryWorkerAppend)
	mux.HandleFunc("POST /0/factory/worker/{worker}/destroy", h.handleFactoryWorkerDestroy)

	// Admin hold switch.
	mux.HandleFunc("POST /0/admin/hold", h.handleAdminHold)
	mux.HandleFunc("POST /0/admin/resume", h.handleAdminResume)

	// Public, unauthenticated published-file serving.
	mux.HandleFunc("GET /public/file/{owner}/{repo}/{series}/{version}/{name}", h.handlePublicFile)

	return mux
}
