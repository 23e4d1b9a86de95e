// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/foundriesio/fwota/internal/events"
)

// InitializeDatabase makes sure the database directory and the tables owned
// by the agent exist. The partition store creates its own tables.
func InitializeDatabase(dbFilePath string) error {
	if err := os.MkdirAll(filepath.Dir(dbFilePath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %w", err)
	}

	err := events.CreateEventsTable(dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to create events table %w", err)
	}

	return nil
}
