// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"encoding/json"
	"fmt"

	"github.com/foundriesio/fwota/pkg/api"
	"github.com/spf13/cobra"
)

type (
	historyOptions struct {
		Format string
		Limit  int
		Clear  bool
	}
)

func init() {
	opts := historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the recorded firmware update events",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&opts.Format, "format", "text", "Format the output. Values: [text | json]")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "Number of most recent events to show, 0 for all")
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "Remove all recorded events")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(opts.Format); err != nil {
			return err
		}
		doHistory(&opts)
		return nil
	}
	rootCmd.AddCommand(cmd)
}

func doHistory(opts *historyOptions) {
	dev, err := api.OpenDevice(config)
	DieNotNil(err, "Failed to open device storage")
	if opts.Clear {
		DieNotNil(dev.Events.Clear(), "Failed to clear history")
		return
	}
	evts, err := dev.History(opts.Limit)
	DieNotNil(err, "Failed to read history")

	if opts.Format == "json" {
		b, err := json.Marshal(evts)
		DieNotNil(err, "Failed to marshal history")
		fmt.Println(string(b))
		return
	}
	for _, e := range evts {
		result := ""
		if e.Event.Success != nil {
			result = "ok"
			if !*e.Event.Success {
				result = "failed"
			}
		}
		fmt.Printf("%s  %-26s  %-24s %-8s %-6s %d bytes\n", e.DeviceTime, e.Event.CorrelationId,
			e.EventType.Id, e.Event.Version, result, e.Event.Bytes)
		if len(e.Event.Details) > 0 {
			fmt.Printf("    %s\n", e.Event.Details)
		}
	}
}
