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
	"errors"
	"log/slog"
	"net/http"

	"buildomat/internal/berrors"
)

// validationf builds a *berrors.Error of kind Validation, for request
// parsing failures that happen inside the api package itself rather than
// in a component that already returns a kinded error.
func validationf(format string, args ...any) error {
	return berrors.Validationf(format, args...)
}

// writeError renders err as the JSON error envelope mandated by spec.md
// §7's status-code mapping. Internal errors surface the message
// "internal error: <detail>" to the client, and the cause is also logged
// here.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var be *berrors.Error
	if !errors.As(err, &be) {
		be = berrors.Internalf(err)
	}

	message := be.Error()
	if be.Kind == berrors.Internal && log != nil {
		log.Error("internal error", "error", be.Cause)
	}

	if be.StatusCode() == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer`)
	}
	writeJSON(w, be.StatusCode(), map[string]string{"error": message})
}
