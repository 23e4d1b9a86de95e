// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration combined from all TOML files",
		Run: func(cmd *cobra.Command, args []string) {
			b, err := config.Combined()
			DieNotNil(err, "Failed to read configuration")
			fmt.Print(string(b))
		},
		Args: cobra.NoArgs,
	}
	rootCmd.AddCommand(cmd)
}
