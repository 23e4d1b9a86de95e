// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foundriesio/fwota/internal/events"
)

type Write struct{}

func (s *Write) Name() ActionName { return "Writing" }
func (s *Write) Execute(ctx context.Context, updateCtx *UpdateContext) error {
	n := updateCtx.pending
	updateCtx.pending = 0
	for n > 0 {
		if _, err := updateCtx.Writer.Write(updateCtx.buf[:n]); err != nil {
			slog.Error("failed to write chunk", "session", updateCtx.SessionID,
				"partition", updateCtx.Target, "offset", updateCtx.BytesWritten, "error", err)
			return fmt.Errorf("%w: at offset %d: %w", ErrWriteFailure, updateCtx.BytesWritten, err)
		}
		updateCtx.BytesWritten += int64(n)
		slog.Debug("chunk written", "session", updateCtx.SessionID, "length", n, "total", updateCtx.BytesWritten)

		var err error
		if n, err = updateCtx.readChunk(ctx); err != nil {
			return err
		}
	}
	slog.Info("image received", "session", updateCtx.SessionID, "bytes", updateCtx.BytesWritten)
	updateCtx.SendEvent(events.UploadCompleted, nil)
	return nil
}
