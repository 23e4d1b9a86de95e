// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPush_DefaultURL(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"push"})
	require.Nil(t, err)
	flag := cmd.Flags().Lookup("url")
	require.NotNil(t, flag)
	require.Equal(t, "http://localhost:8032/ota", flag.DefValue)
}
