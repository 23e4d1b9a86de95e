// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import (
	"context"
	"time"

	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/config"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/restart"
	"github.com/foundriesio/fwota/pkg/state"
	"github.com/foundriesio/fwota/pkg/transport"
)

type (
	UpdateOpts struct {
		state.Options
		SessionID        string
		Responder        state.Responder
		Restarter        restart.Restarter
		EventRecorder    *events.Recorder
		PreStateHandler  PreStateHandler
		PostStateHandler PostStateHandler
	}
	UpdateOpt func(*UpdateOpts)
)

// WithConfig applies the upload settings of the agent configuration.
func WithConfig(cfg *config.Config) UpdateOpt {
	return func(o *UpdateOpts) {
		o.ChunkSize = cfg.GetChunkSize()
		o.MaxReadRetries = cfg.GetMaxReadRetries()
		o.Strict = cfg.IsStrict()
		o.RejectSameVersion = cfg.RejectSameVersion()
		o.RestartDelay = cfg.GetRestartDelay()
	}
}

func WithChunkSize(size int) UpdateOpt {
	return func(o *UpdateOpts) {
		o.ChunkSize = size
	}
}

// WithMaxReadRetries bounds the consecutive read timeouts; zero or less
// retries forever.
func WithMaxReadRetries(retries int) UpdateOpt {
	return func(o *UpdateOpts) {
		o.MaxReadRetries = retries
	}
}

// WithStrict turns finalize and activation failures into aborts.
func WithStrict(enabled bool) UpdateOpt {
	return func(o *UpdateOpts) {
		o.Strict = enabled
	}
}

func WithRejectSameVersion(enabled bool) UpdateOpt {
	return func(o *UpdateOpts) {
		o.RejectSameVersion = enabled
	}
}

func WithRestartDelay(delay time.Duration) UpdateOpt {
	return func(o *UpdateOpts) {
		o.RestartDelay = delay
	}
}

func WithSessionID(id string) UpdateOpt {
	return func(o *UpdateOpts) {
		o.SessionID = id
	}
}

func WithResponder(r state.Responder) UpdateOpt {
	return func(o *UpdateOpts) {
		o.Responder = r
	}
}

func WithRestarter(r restart.Restarter) UpdateOpt {
	return func(o *UpdateOpts) {
		o.Restarter = r
	}
}

func WithEventRecorder(r *events.Recorder) UpdateOpt {
	return func(o *UpdateOpts) {
		o.EventRecorder = r
	}
}

func WithPreStateHandler(handler PreStateHandler) UpdateOpt {
	return func(o *UpdateOpts) {
		o.PreStateHandler = handler
	}
}

func WithPostStateHandler(handler PostStateHandler) UpdateOpt {
	return func(o *UpdateOpts) {
		o.PostStateHandler = handler
	}
}

func getUpdateOpts(options ...UpdateOpt) *UpdateOpts {
	opts := &UpdateOpts{
		Options: state.Options{
			ChunkSize:      state.DefaultChunkSize,
			MaxReadRetries: state.DefaultMaxReadRetries,
			RestartDelay:   state.DefaultRestartDelay,
		},
	}
	for _, o := range options {
		o(opts)
	}
	return opts
}

// Update receives one firmware image from src, writes it into the spare
// partition of dir and switches the boot partition to it. On success the
// responder is notified and the device restarted; the returned info
// describes the session either way.
func Update(ctx context.Context, dir partition.Directory, src transport.Source, options ...UpdateOpt) (state.UpdateInfo, error) {
	opts := getUpdateOpts(options...)
	runner := newUpdateRunner(dir, src, []state.ActionState{
		&state.AwaitHeader{},
		&state.Write{},
		&state.Finalize{},
		&state.Activate{},
		&state.Done{},
	}, opts)
	err := runner.Run(ctx)
	return runner.Info(), err
}
