// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package status

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/foundriesio/fwota/pkg/image"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/stretchr/testify/require"
)

func TestGetCurrentStatus(t *testing.T) {
	dir := partition.NewMemDirectory(64*1024, "ota_0", "ota_1")
	dir.SetImage("ota_0", image.Build("1.0.0"), partition.StateValid)
	dir.SetImage("ota_1", image.Build("1.1.0"), partition.StateNew)
	next, err := dir.NextUpdate()
	require.Nil(t, err)
	require.Nil(t, dir.SetBoot(next))

	s, err := GetCurrentStatus(dir)
	require.Nil(t, err)
	require.Equal(t, "ota_0", s.Running.Partition)
	require.Equal(t, "1.0.0", s.Running.Version)
	require.Equal(t, "ota_1", s.Boot.Partition)
	require.Equal(t, "1.1.0", s.Boot.Version)
	require.False(t, s.PendingVerify)
	require.Empty(t, s.LastInvalid)
	require.Len(t, s.Partitions, 2)

	dir.Restart()
	s, err = GetCurrentStatus(dir)
	require.Nil(t, err)
	require.Equal(t, "ota_1", s.Running.Partition)
	require.True(t, s.PendingVerify)

	dir.MarkInvalid("ota_1")
	s, err = GetCurrentStatus(dir)
	require.Nil(t, err)
	require.Equal(t, "ota_1", s.LastInvalid)
}

func TestOsInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	require.Nil(t, os.WriteFile(path, []byte(`NAME="Linux-microPlatform"
VERSION_ID=4.0.20
PRETTY_NAME="Linux-microPlatform 4.0.20"
`), 0o644))
	name, version := osInfo(path)
	require.Equal(t, "Linux-microPlatform 4.0.20", name)
	require.Equal(t, "4.0.20", version)

	name, version = osInfo(filepath.Join(t.TempDir(), "missing"))
	require.Empty(t, name)
	require.Empty(t, version)
}
