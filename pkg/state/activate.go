// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foundriesio/fwota/internal/events"
)

type Activate struct{}

func (s *Activate) Name() ActionName { return "Activating" }
func (s *Activate) Execute(_ context.Context, updateCtx *UpdateContext) error {
	if err := updateCtx.Directory.SetBoot(updateCtx.Target); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrActivationFailed, updateCtx.Target, err)
		updateCtx.SendEvent(events.InstallationApplied, err)
		if updateCtx.Strict {
			return err
		}
		slog.Error("failed to switch boot partition, restarting anyway", "session", updateCtx.SessionID, "error", err)
		updateCtx.ActivationErr = err
		updateCtx.Warnings = append(updateCtx.Warnings, err)
		return nil
	}
	slog.Info("boot partition switched", "session", updateCtx.SessionID,
		"partition", updateCtx.Target, "version", updateCtx.version())
	updateCtx.SendEvent(events.InstallationApplied, nil)
	return nil
}
