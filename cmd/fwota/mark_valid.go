// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"

	"github.com/foundriesio/fwota/pkg/api"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "mark-valid",
		Short: "Confirm the running firmware so that it is not rolled back on the next restart",
		Run: func(cmd *cobra.Command, args []string) {
			doMarkValid()
		},
		Args: cobra.NoArgs,
	}
	rootCmd.AddCommand(cmd)
}

func doMarkValid() {
	dev, err := api.OpenDevice(config)
	DieNotNil(err, "Failed to open device storage")
	p, err := dev.MarkValid()
	DieNotNil(err)
	fmt.Printf("Firmware on partition %s is confirmed\n", p)
}
