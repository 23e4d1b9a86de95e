// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package partition models the application partitions of an A/B flash layout:
// which partition runs, which one boots next, where the next update goes and
// which one was last rejected by the bootloader.
package partition

import (
	"io"
	"time"

	"github.com/foundriesio/fwota/pkg/image"
	"github.com/pkg/errors"
)

type (
	// State is the life-cycle state of the image held by a partition
	State string

	Partition struct {
		Label string `json:"label"`
		Index int    `json:"index"`
		Size  int64  `json:"size"`
	}

	// Info is a snapshot of one partition for status reporting
	Info struct {
		Partition
		State     State     `json:"state"`
		Version   string    `json:"version,omitempty"`
		Length    int64     `json:"length"`
		UpdatedAt time.Time `json:"updated_at"`
		Running   bool      `json:"running"`
		Boot      bool      `json:"boot"`
	}

	// Writer is an open sequential write session on one partition. It must be
	// released by exactly one call to End or Abort.
	Writer interface {
		io.Writer
		// End closes the session and validates the written image.
		End() error
		// Abort closes the session and discards the partially written image.
		Abort() error
	}

	// Directory is the partition table and boot selector of a device.
	Directory interface {
		Running() (*Partition, error)
		Boot() (*Partition, error)
		NextUpdate() (*Partition, error)
		// LastInvalid returns nil and no error when no partition was ever rejected.
		LastInvalid() (*Partition, error)
		// Description returns the application descriptor of the image stored in p.
		Description(p *Partition) (*image.Descriptor, error)
		SetBoot(p *Partition) error
		Begin(p *Partition) (Writer, error)
	}

	Lister interface {
		List() ([]Info, error)
	}
)

const (
	StateEmpty         State = "empty"
	StateWriting       State = "writing"
	StateNew           State = "new"
	StatePendingVerify State = "pending_verify"
	StateValid         State = "valid"
	StateInvalid       State = "invalid"
	StateAborted       State = "aborted"
	StateCorrupt       State = "corrupt"
)

var (
	ErrNoDescriptor   = errors.New("partition holds no application image")
	ErrIsRunning      = errors.New("partition is currently running")
	ErrPartitionFull  = errors.New("image does not fit into partition")
	ErrSessionClosed  = errors.New("write session already closed")
	ErrNotBootable    = errors.New("partition does not hold a bootable image")
	ErrNoUpdateTarget = errors.New("no partition available for update")
	ErrUnknown        = errors.New("unknown partition")
)

// Bootable reports whether an image in this state may be selected for boot.
func (s State) Bootable() bool {
	return s == StateNew || s == StatePendingVerify || s == StateValid
}

func (p *Partition) String() string {
	if p == nil {
		return "<none>"
	}
	return p.Label
}

// Same reports whether two references point at the same partition.
func Same(a, b *Partition) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Label == b.Label
}
