// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"
	"log/slog"
	"time"
)

type Done struct{}

func (s *Done) Name() ActionName { return "Done" }

// Execute acknowledges the upload and restarts. Past this point the restart
// is unconditional: a failed response only gets logged.
func (s *Done) Execute(ctx context.Context, updateCtx *UpdateContext) error {
	if updateCtx.Responder != nil {
		if err := updateCtx.Responder.Respond(updateCtx.ActivationErr); err != nil {
			slog.Warn("failed to send response", "session", updateCtx.SessionID, "error", err)
		}
		updateCtx.Responded = true
	}

	slog.Info("restarting", "session", updateCtx.SessionID, "delay", updateCtx.RestartDelay)
	if updateCtx.RestartDelay > 0 {
		time.Sleep(updateCtx.RestartDelay)
	}
	if updateCtx.Restarter == nil {
		slog.Warn("no restart method configured", "session", updateCtx.SessionID)
		return nil
	}
	// The caller may give up on the request; the restart must still happen
	if err := updateCtx.Restarter.Restart(context.WithoutCancel(ctx)); err != nil {
		slog.Error("restart failed", "session", updateCtx.SessionID, "error", err)
		return err
	}
	updateCtx.Restarted = true
	return nil
}
