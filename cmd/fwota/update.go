// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"
	"os"

	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/transport"
	"github.com/spf13/cobra"
)

type (
	updateOptions struct {
		noRestart bool
	}
)

func init() {
	opts := updateOptions{}
	cmd := &cobra.Command{
		Use:   "update <image>",
		Short: "Install a firmware image from a local file",
		Run: func(cmd *cobra.Command, args []string) {
			doUpdate(cmd, args[0], &opts)
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&opts.noRestart, "no-restart", false, "Do not restart after the image was installed")
	rootCmd.AddCommand(cmd)
}

func doUpdate(cmd *cobra.Command, path string, opts *updateOptions) {
	f, err := os.Open(path)
	DieNotNil(err, "Failed to open image")
	defer f.Close()

	dev, err := api.OpenDevice(config)
	DieNotNil(err, "Failed to open device storage")

	options := []api.UpdateOpt{
		api.WithConfig(config),
		api.WithEventRecorder(dev.Events),
		api.WithPreStateHandler(preStateHandler),
		api.WithPostStateHandler(postStateHandler),
	}
	if !opts.noRestart {
		restarter, err := config.GetRestarter()
		DieNotNil(err, "Invalid restart configuration")
		options = append(options, api.WithRestarter(restarter))
	} else {
		options = append(options, api.WithRestartDelay(0))
	}
	info, err := api.Update(cmd.Context(), dev.Store, transport.NewReaderSource(f), options...)
	if err != nil {
		fmt.Println("failed")
	}
	DieNotNil(err, "Update failed")
	for _, w := range info.Warnings {
		fmt.Println("WARNING:", w)
	}
	if opts.noRestart {
		fmt.Printf("Firmware %s installed to %s, restart to activate it\n", info.NewDesc.Version(), info.Target)
	}
}
