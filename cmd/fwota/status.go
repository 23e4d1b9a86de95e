// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/status"
	"github.com/spf13/cobra"
)

type (
	statusOptions struct {
		Format string
	}
)

func init() {
	opts := statusOptions{
		Format: "text",
	}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the partitions, their firmware versions and the boot selection",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&opts.Format, "format", "text", "Format the output. Values: [text | json]")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(opts.Format); err != nil {
			return err
		}
		doStatus(&opts)
		return nil
	}
	rootCmd.AddCommand(cmd)
}

func doStatus(opts *statusOptions) {
	dev, err := api.OpenDevice(config)
	DieNotNil(err, "Failed to open device storage")
	s, err := dev.Status()
	DieNotNil(err, "Failed to get status information")

	if opts.Format == "json" {
		b, err := json.MarshalIndent(s, "", "  ")
		DieNotNil(err, "Failed to marshal status")
		fmt.Println(string(b))
		return
	}
	printStatus(s)
}

func printStatus(s *status.CurrentStatus) {
	fmt.Printf("Host:     %s", s.Host.Hostname)
	if len(s.Host.OS) > 0 {
		fmt.Printf(" (%s)", s.Host.OS)
	}
	fmt.Println()
	fmt.Printf("Running:  %s %s\n", s.Running.Partition, s.Running.Version)
	fmt.Printf("Boot:     %s %s\n", s.Boot.Partition, s.Boot.Version)
	if s.PendingVerify {
		fmt.Println("          running image is not confirmed, it is rolled back on the next restart")
	}
	if len(s.LastInvalid) > 0 {
		fmt.Printf("Rejected: %s\n", s.LastInvalid)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tSTATE\tVERSION\tLENGTH\tUPDATED\t")
	for _, p := range s.Partitions {
		marks := ""
		if p.Running {
			marks += "*"
		}
		if p.Boot {
			marks += ">"
		}
		updated := "-"
		if !p.UpdatedAt.IsZero() {
			updated = p.UpdatedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%d\t%s\t\n", marks, p.Label, p.State, p.Version, p.Length, updated)
	}
	_ = w.Flush()
}
