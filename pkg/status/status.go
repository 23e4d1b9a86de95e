// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package status

import (
	"fmt"
	"time"

	"github.com/foundriesio/fwota/pkg/partition"
)

type (
	FirmwareStatus struct {
		Partition string          `json:"partition"`
		Version   string          `json:"version,omitempty"`
		State     partition.State `json:"state"`
	}

	CurrentStatus struct {
		Host       HostInfo         `json:"host"`
		Running    FirmwareStatus   `json:"running"`
		Boot       FirmwareStatus   `json:"boot"`
		Partitions []partition.Info `json:"partitions"`
		// PendingVerify is set while the running image waits for confirmation;
		// an unconfirmed image is rolled back on the next restart
		PendingVerify bool      `json:"pending_verify"`
		LastInvalid   string    `json:"last_invalid,omitempty"`
		CheckedAt     time.Time `json:"checked_at"`
	}
)

func GetCurrentStatus(lister partition.Lister) (*CurrentStatus, error) {
	infos, err := lister.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	currentStatus := CurrentStatus{
		Host:       GetHostInfo(),
		Partitions: infos,
		CheckedAt:  time.Now().UTC(),
	}
	var lastInvalid time.Time
	for _, info := range infos {
		fw := FirmwareStatus{
			Partition: info.Label,
			Version:   info.Version,
			State:     info.State,
		}
		if info.Running {
			currentStatus.Running = fw
			currentStatus.PendingVerify = info.State == partition.StatePendingVerify || info.State == partition.StateNew
		}
		if info.Boot {
			currentStatus.Boot = fw
		}
		if info.State == partition.StateInvalid && !info.UpdatedAt.Before(lastInvalid) {
			lastInvalid = info.UpdatedAt
			currentStatus.LastInvalid = info.Label
		}
	}
	if len(currentStatus.Running.Partition) == 0 {
		return nil, fmt.Errorf("no running partition found")
	}
	return &currentStatus, nil
}
