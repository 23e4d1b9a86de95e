// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package restart

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	r, err := New("", "")
	require.Nil(t, err)
	require.IsType(t, &Reboot{}, r)

	r, err = New(MethodNone, "")
	require.Nil(t, err)
	require.IsType(t, &None{}, r)

	r, err = New(MethodCommand, "systemctl  restart fwota")
	require.Nil(t, err)
	require.Equal(t, []string{"systemctl", "restart", "fwota"}, r.(*Command).Args)

	_, err = New(MethodCommand, "  ")
	require.NotNil(t, err)

	_, err = New("halt", "")
	require.ErrorContains(t, err, "unsupported restart method")
}

func TestCommand(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "restarted")
	r, err := New(MethodCommand, "touch "+marker)
	require.Nil(t, err)
	require.Nil(t, r.Restart(context.Background()))
	_, err = os.Stat(marker)
	require.Nil(t, err)

	r, err = New(MethodCommand, "false")
	require.Nil(t, err)
	require.NotNil(t, r.Restart(context.Background()))
}

func TestExit(t *testing.T) {
	code := -1
	exitFunc = func(c int) { code = c }
	t.Cleanup(func() { exitFunc = os.Exit })

	r, err := New(MethodExit, "")
	require.Nil(t, err)
	require.Nil(t, r.Restart(context.Background()))
	require.Equal(t, 0, code)
}

func TestFunc(t *testing.T) {
	called := false
	var r Restarter = Func(func(context.Context) error {
		called = true
		return nil
	})
	require.Nil(t, r.Restart(context.Background()))
	require.True(t, called)
}
