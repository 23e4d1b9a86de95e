// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"
	"fmt"
	"log/slog"
)

type Finalize struct{}

func (s *Finalize) Name() ActionName { return "Finalizing" }
func (s *Finalize) Execute(_ context.Context, updateCtx *UpdateContext) error {
	w := updateCtx.Writer
	// End releases the session whatever its outcome
	updateCtx.Writer = nil
	if err := w.End(); err != nil {
		err = fmt.Errorf("%w: %w", ErrFinalizeFailed, err)
		if updateCtx.Strict {
			return err
		}
		slog.Error("image validation failed, continuing", "session", updateCtx.SessionID, "error", err)
		updateCtx.Warnings = append(updateCtx.Warnings, err)
		return nil
	}
	slog.Info("image validated", "session", updateCtx.SessionID, "partition", updateCtx.Target)
	return nil
}
