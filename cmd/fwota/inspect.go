// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/foundriesio/fwota/pkg/image"
	"github.com/spf13/cobra"
)

type (
	inspectOptions struct {
		Format string
	}

	imageInfo struct {
		Path         string `json:"path"`
		Size         int64  `json:"size"`
		Version      string `json:"version"`
		Project      string `json:"project"`
		SDKVersion   string `json:"sdk_version"`
		BuildTime    string `json:"build_time"`
		SecureVer    uint32 `json:"secure_version"`
		ChipID       uint16 `json:"chip_id"`
		EntryAddr    uint32 `json:"entry_addr"`
		Segments     uint8  `json:"segments"`
		HashAppended bool   `json:"hash_appended"`
		ELFSHA256    string `json:"elf_sha256"`
		Valid        bool   `json:"valid"`
		Error        string `json:"error,omitempty"`
	}
)

func init() {
	opts := inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect <image>",
		Short: "Validate a firmware image file and print its application descriptor",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			noConfigKey: "true",
		},
	}
	cmd.Flags().StringVar(&opts.Format, "format", "text", "Format the output. Values: [text | json]")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(opts.Format); err != nil {
			return err
		}
		doInspect(args[0], &opts)
		return nil
	}
	rootCmd.AddCommand(cmd)
}

func doInspect(path string, opts *inspectOptions) {
	f, err := os.Open(path)
	DieNotNil(err, "Failed to open image")
	defer f.Close()
	st, err := f.Stat()
	DieNotNil(err, "Failed to stat image")

	h, validateErr := image.Validate(f, st.Size())
	if h == nil {
		DieNotNil(validateErr, "Invalid image")
	}
	info := imageInfo{
		Path:         path,
		Size:         st.Size(),
		Version:      h.Descriptor.Version(),
		Project:      h.Descriptor.ProjectName(),
		SDKVersion:   h.Descriptor.SDKVersion(),
		BuildTime:    h.Descriptor.BuildTime(),
		SecureVer:    h.Descriptor.SecureVersion,
		ChipID:       h.Image.ChipID,
		EntryAddr:    h.Image.EntryAddr,
		Segments:     h.Image.SegmentCount,
		HashAppended: h.Image.HashAppended != 0,
		ELFSHA256:    hex.EncodeToString(h.Descriptor.ELFSHA256[:]),
		Valid:        validateErr == nil,
	}
	if validateErr != nil {
		info.Error = validateErr.Error()
	}

	if opts.Format == "json" {
		b, err := json.MarshalIndent(info, "", "  ")
		DieNotNil(err, "Failed to marshal image info")
		fmt.Println(string(b))
	} else {
		fmt.Printf("Image:        %s (%d bytes)\n", info.Path, info.Size)
		fmt.Printf("Version:      %s\n", info.Version)
		fmt.Printf("Project:      %s\n", info.Project)
		fmt.Printf("SDK version:  %s\n", info.SDKVersion)
		fmt.Printf("Built:        %s\n", info.BuildTime)
		fmt.Printf("Secure ver:   %d\n", info.SecureVer)
		fmt.Printf("Chip ID:      0x%04x\n", info.ChipID)
		fmt.Printf("Entry:        0x%08x\n", info.EntryAddr)
		fmt.Printf("Segments:     %d\n", info.Segments)
		fmt.Printf("ELF SHA-256:  %s\n", info.ELFSHA256)
		fmt.Printf("Hash:         %v\n", info.HashAppended)
	}
	DieNotNil(validateErr, "Invalid image")
}
