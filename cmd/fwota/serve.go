// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type (
	serveOptions struct {
		listen    string
		noRestart bool
		noStartup bool
	}
)

func init() {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept firmware images over HTTP and install them",
		Long: `Accept firmware images over HTTP and install them.

A firmware image POSTed to the upload path is written into the spare partition.
Once received and validated, the boot partition is switched to it and the
device is restarted.`,
		Run: func(cmd *cobra.Command, args []string) {
			doServe(cmd, &opts)
		},
		Args: cobra.NoArgs,
	}
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "Address to listen on, overrides ota.listen")
	cmd.Flags().BoolVar(&opts.noRestart, "no-restart", false, "Do not restart after an image was installed")
	cmd.Flags().BoolVar(&opts.noStartup, "no-startup", false, "Skip the boot selection done at startup")
	rootCmd.AddCommand(cmd)
}

func doServe(cmd *cobra.Command, opts *serveOptions) {
	dev, err := api.OpenDevice(config)
	DieNotNil(err, "Failed to open device storage")

	if !opts.noStartup {
		running, err := dev.Startup(config.AutoConfirm())
		DieNotNil(err, "Failed to apply boot selection")
		log.Info().Msgf("Running firmware from partition %s", running)
	}

	restarter, err := config.GetRestarter()
	DieNotNil(err, "Invalid restart configuration")
	if opts.noRestart {
		restarter = nil
	}

	listen := config.GetListenAddr()
	if len(opts.listen) > 0 {
		listen = opts.listen
	}
	srv := server.New(dev.Store,
		server.WithUploadPath(config.GetUploadPath()),
		server.WithReadTimeout(config.GetReadTimeout()),
		server.WithUploadTimeout(config.GetUploadTimeout()),
		server.WithEvents(dev.Events),
		server.WithUpdateOptions(
			api.WithConfig(config),
			api.WithRestarter(restarter),
			api.WithPreStateHandler(logStateHandler),
		),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	DieNotNil(srv.ListenAndServe(ctx, listen), "Server failed")
	log.Info().Msg("Server stopped")
}
