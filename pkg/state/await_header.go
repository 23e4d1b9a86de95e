// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/image"
	"github.com/foundriesio/fwota/pkg/partition"
)

type AwaitHeader struct{}

func (s *AwaitHeader) Name() ActionName { return "AwaitingHeader" }
func (s *AwaitHeader) Execute(ctx context.Context, updateCtx *UpdateContext) error {
	if err := updateCtx.resolvePartitions(); err != nil {
		return err
	}

	n, err := updateCtx.readChunk(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: request body is empty", ErrMalformedImage)
	}
	if n < image.HeaderLen {
		slog.Error("first chunk is too short to hold the image header", "session", updateCtx.SessionID,
			"received", n, "required", image.HeaderLen)
		return fmt.Errorf("%w: first chunk has %d bytes, the image header needs %d", ErrMalformedImage, n, image.HeaderLen)
	}
	h, err := image.ParseHeader(updateCtx.buf[:n])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedImage, err)
	}
	// Nothing is written unless the stream starts like a firmware image
	if err := h.CheckMagic(); err != nil {
		slog.Error("first chunk is not a firmware image header", "session", updateCtx.SessionID, "error", err)
		return fmt.Errorf("%w: %w", ErrMalformedImage, err)
	}
	updateCtx.NewDesc = &h.Descriptor
	slog.Info("new firmware version", "session", updateCtx.SessionID, "version", updateCtx.NewDesc.Version())

	if err := updateCtx.checkVersion(); err != nil {
		return err
	}

	updateCtx.Writer, err = updateCtx.Directory.Begin(updateCtx.Target)
	if err != nil {
		return fmt.Errorf("%w: failed to open partition %s: %w", ErrWriteFailure, updateCtx.Target, err)
	}
	slog.Info("write session opened", "session", updateCtx.SessionID, "partition", updateCtx.Target)
	updateCtx.pending = n
	updateCtx.SendEvent(events.UploadStarted)
	return nil
}

func (u *UpdateContext) resolvePartitions() error {
	var err error
	if u.Running, err = u.Directory.Running(); err != nil {
		return fmt.Errorf("%w: failed to determine running partition: %w", ErrWriteFailure, err)
	}
	if configured, err := u.Directory.Boot(); err != nil {
		slog.Warn("failed to determine boot partition", "error", err)
	} else if !partition.Same(configured, u.Running) {
		slog.Warn("configured boot partition differs from the running one;"+
			" boot data or the preferred boot image may be corrupted",
			"configured", configured, "running", u.Running)
	}
	slog.Info("running partition", "partition", u.Running)

	if u.Target, err = u.Directory.NextUpdate(); err != nil {
		return fmt.Errorf("%w: failed to select update partition: %w", ErrWriteFailure, err)
	}
	if partition.Same(u.Target, u.Running) {
		return fmt.Errorf("%w: update partition %s is the running one", ErrWriteFailure, u.Target)
	}
	return nil
}

// checkVersion is the anti-rollback guard: a version whose first boot failed
// must not be installed again.
func (u *UpdateContext) checkVersion() error {
	if desc, err := u.Directory.Description(u.Running); err == nil {
		u.RunningDesc = desc
		slog.Info("running firmware version", "version", desc.Version())
	}

	lastInvalid, err := u.Directory.LastInvalid()
	if err != nil {
		slog.Warn("failed to look up last invalid partition", "error", err)
	}
	if lastInvalid != nil {
		invalidDesc, err := u.Directory.Description(lastInvalid)
		if err == nil {
			slog.Info("last invalid firmware version", "partition", lastInvalid, "version", invalidDesc.Version())
			if invalidDesc.VersionEqual(u.NewDesc) {
				slog.Warn("new version is the same as the invalid version; a previous attempt to boot it failed"+
					" and the firmware was rolled back", "version", invalidDesc.Version())
				return fmt.Errorf("%w: %s", ErrRollbackRejected, u.NewDesc.Version())
			}
		}
	}

	if u.RejectSameVersion && u.RunningDesc != nil && u.RunningDesc.VersionEqual(u.NewDesc) {
		slog.Warn("current running version is the same as the new one; not continuing the update",
			"version", u.NewDesc.Version())
		return fmt.Errorf("%w: %s", ErrSameVersion, u.NewDesc.Version())
	}
	return nil
}
