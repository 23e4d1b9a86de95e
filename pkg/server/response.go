// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/foundriesio/fwota/pkg/state"
	"github.com/pkg/errors"
)

type responder struct {
	w       http.ResponseWriter
	session string
}

// Respond acknowledges a received image and flushes the response so that the
// client gets it before the device restarts.
func (r *responder) Respond(activationErr error) error {
	if activationErr != nil {
		writeError(r.w, http.StatusInternalServerError, r.session, activationErr)
	} else {
		r.w.Header().Set("Content-Type", "text/plain")
		r.w.Header().Set("Connection", "close")
		r.w.WriteHeader(http.StatusOK)
		if _, err := r.w.Write([]byte("OK")); err != nil {
			return err
		}
	}
	if err := http.NewResponseController(r.w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("failed to flush response", "error", err)
		return err
	}
	return nil
}

// classify maps an update error to its HTTP status and a short error kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUploadInProgress):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, state.ErrRollbackRejected):
		return http.StatusConflict, "rollback_rejected"
	case errors.Is(err, state.ErrSameVersion):
		return http.StatusBadRequest, "same_version"
	case errors.Is(err, state.ErrMalformedImage):
		return http.StatusBadRequest, "malformed_image"
	case errors.Is(err, state.ErrTooManyRetries), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "read_timeout"
	case errors.Is(err, state.ErrFatalIO):
		return http.StatusBadRequest, "read_failure"
	case errors.Is(err, state.ErrWriteFailure):
		return http.StatusInternalServerError, "write_failure"
	case errors.Is(err, state.ErrFinalizeFailed):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, state.ErrActivationFailed):
		return http.StatusInternalServerError, "activation_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
