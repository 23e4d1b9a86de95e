// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import (
	"fmt"
	"log/slog"

	"github.com/foundriesio/fwota/internal/db"
	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/config"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/status"
	"github.com/oklog/ulid/v2"
)

// Device bundles the persistent state of the agent: the emulated partition
// table and the update history.
type Device struct {
	Store  *partition.FileStore
	Events *events.Recorder
}

func OpenDevice(cfg *config.Config) (*Device, error) {
	if err := db.InitializeDatabase(cfg.GetDBPath()); err != nil {
		return nil, err
	}
	store, err := partition.NewFileStore(partition.FileStoreOpts{
		Dir:    cfg.GetFlashDir(),
		DBPath: cfg.GetDBPath(),
		Labels: cfg.GetPartitions(),
		Size:   cfg.GetPartitionSize(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open partition store: %w", err)
	}
	rec, err := events.NewRecorder(cfg.GetDBPath())
	if err != nil {
		return nil, err
	}
	return &Device{Store: store, Events: rec}, nil
}

// Startup applies the boot selection like a bootloader does after a reset.
// An image that was never confirmed is rolled back; autoConfirm confirms
// the image that ends up running.
func (d *Device) Startup(autoConfirm bool) (*partition.Partition, error) {
	boot, err := d.Store.Boot()
	if err != nil {
		return nil, err
	}
	running, err := d.Store.Startup()
	if err != nil {
		return nil, err
	}
	if !partition.Same(boot, running) {
		slog.Warn("rolled back to previous image", "rejected", boot, "running", running)
		d.record(events.RollbackDetected, running, false)
	}
	if autoConfirm {
		if _, err := d.MarkValid(); err != nil {
			return running, err
		}
	}
	return running, nil
}

// MarkValid confirms the running image, cancelling its rollback.
func (d *Device) MarkValid() (*partition.Partition, error) {
	before, err := d.Store.List()
	if err != nil {
		return nil, err
	}
	running, err := d.Store.MarkValid()
	if err != nil {
		return nil, fmt.Errorf("failed to confirm running image: %w", err)
	}
	for _, info := range before {
		if info.Running && info.State != partition.StateValid {
			d.record(events.InstallationCompleted, running, true)
		}
	}
	return running, nil
}

func (d *Device) Status() (*status.CurrentStatus, error) {
	return status.GetCurrentStatus(d.Store)
}

func (d *Device) History(limit int) ([]events.FwUpdateEvent, error) {
	return d.Events.History(limit)
}

func (d *Device) record(eventType events.EventTypeValue, p *partition.Partition, success bool) {
	version := ""
	if desc, err := d.Store.Description(p); err == nil {
		version = desc.Version()
	}
	details := fmt.Sprintf(`{"partition":%q}`, p.String())
	if err := d.Events.Record(eventType, ulid.Make().String(), version, 0,
		events.WithEventStatus(success), events.WithEventDetails(details)); err != nil {
		slog.Error("failed to record event", "event", eventType, "err", err)
	}
}
