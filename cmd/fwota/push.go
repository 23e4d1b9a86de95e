// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	cfg "github.com/foundriesio/fwota/pkg/config"
)

const defaultPushURL = "http://localhost" + cfg.ListenDefault + cfg.PathDefault

type (
	pushOptions struct {
		URL     string
		Timeout time.Duration
	}

	pushError struct {
		Error   string `json:"error"`
		Kind    string `json:"kind"`
		Session string `json:"session"`
	}
)

func init() {
	opts := pushOptions{}
	cmd := &cobra.Command{
		Use:   "push <image>",
		Short: "Upload a firmware image to a device running `fwota serve`",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			noConfigKey: "true",
		},
		Run: func(cmd *cobra.Command, args []string) {
			doPush(args[0], &opts)
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", defaultPushURL, "The upload endpoint of the device")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "Overall time allowed for the upload")
	rootCmd.AddCommand(cmd)
}

func doPush(path string, opts *pushOptions) {
	f, err := os.Open(path)
	DieNotNil(err, "Failed to open image")
	defer f.Close()
	st, err := f.Stat()
	DieNotNil(err, "Failed to stat image")

	var body io.Reader = f
	if isatty.IsTerminal(os.Stdout.Fd()) {
		bar := progressbar.DefaultBytes(st.Size(), "uploading")
		r := progressbar.NewReader(f, bar)
		body = &r
	}
	req, err := http.NewRequest(http.MethodPost, opts.URL, body)
	DieNotNil(err, "Failed to create request")
	// A known length lets the device recover from stalled reads
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	log.Debug().Str("url", opts.URL).Int64("size", st.Size()).Msg("uploading image")
	client := &http.Client{Timeout: opts.Timeout}
	res, err := client.Do(req)
	DieNotNil(err, "Upload failed")
	defer res.Body.Close()
	fmt.Println()

	b, err := io.ReadAll(res.Body)
	DieNotNil(err, "Failed to read response")
	if res.StatusCode == http.StatusOK {
		fmt.Printf("Device accepted the image: %s\n", strings.TrimSpace(string(b)))
		return
	}
	var perr pushError
	if err := json.Unmarshal(b, &perr); err != nil || len(perr.Error) == 0 {
		DieNotNil(fmt.Errorf("HTTP_%d: %s", res.StatusCode, strings.TrimSpace(string(b))), "Upload rejected")
	}
	DieNotNil(fmt.Errorf("HTTP_%d %s: %s (session %s)", res.StatusCode, perr.Kind, perr.Error, perr.Session), "Upload rejected")
}
