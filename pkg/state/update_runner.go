// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/restart"
	"github.com/foundriesio/fwota/pkg/transport"
	"github.com/oklog/ulid/v2"
)

type (
	// UpdateRunner runs the OTA update states
	UpdateRunner struct {
		opts   *UpdateRunnerOpts
		ctx    *UpdateContext
		states []ActionState
	}
	UpdateRunnerOpts struct {
		Options
		SessionID        string
		Responder        Responder
		Restarter        restart.Restarter
		Events           *events.Recorder
		PreStateHandler  StateHandler
		PostStateHandler StateHandler
	}
	UpdateRunnerOpt func(*UpdateRunnerOpts)

	StateHandler func(state ActionName, updateCtx *UpdateContext)
)

func WithOptions(o Options) UpdateRunnerOpt {
	return func(opts *UpdateRunnerOpts) {
		opts.Options = o
	}
}

func WithSessionID(id string) UpdateRunnerOpt {
	return func(opts *UpdateRunnerOpts) {
		opts.SessionID = id
	}
}

func WithResponder(r Responder) UpdateRunnerOpt {
	return func(opts *UpdateRunnerOpts) {
		opts.Responder = r
	}
}

func WithRestarter(r restart.Restarter) UpdateRunnerOpt {
	return func(opts *UpdateRunnerOpts) {
		opts.Restarter = r
	}
}

func WithEvents(r *events.Recorder) UpdateRunnerOpt {
	return func(opts *UpdateRunnerOpts) {
		opts.Events = r
	}
}

func WithPreStateHandler(h StateHandler) UpdateRunnerOpt {
	return func(opts *UpdateRunnerOpts) {
		opts.PreStateHandler = h
	}
}

func WithPostStateHandler(h StateHandler) UpdateRunnerOpt {
	return func(opts *UpdateRunnerOpts) {
		opts.PostStateHandler = h
	}
}

func NewUpdateRunner(dir partition.Directory, src transport.Source, states []ActionState, options ...UpdateRunnerOpt) *UpdateRunner {
	opts := &UpdateRunnerOpts{
		Options: Options{
			ChunkSize:      DefaultChunkSize,
			MaxReadRetries: DefaultMaxReadRetries,
			RestartDelay:   DefaultRestartDelay,
		},
	}
	for _, o := range options {
		o(opts)
	}
	opts.setDefaults()
	if len(opts.SessionID) == 0 {
		opts.SessionID = ulid.Make().String()
	}
	return &UpdateRunner{
		opts: opts,
		ctx: &UpdateContext{
			UpdateInfo: UpdateInfo{
				SessionID: opts.SessionID,
			},
			Options:   opts.Options,
			Directory: dir,
			Source:    src,
			Responder: opts.Responder,
			Restarter: opts.Restarter,
			Events:    opts.Events,
			buf:       make([]byte, opts.ChunkSize),
		},
		states: states,
	}
}

// Info returns the outcome of the session, valid once Run returned.
func (sm *UpdateRunner) Info() UpdateInfo {
	return sm.ctx.UpdateInfo
}

// Run executes the states in order. The first failing state aborts the
// session: an open write session is discarded and no restart happens.
func (sm *UpdateRunner) Run(ctx context.Context) error {
	sm.ctx.StartedAt = time.Now()
	slog.Info("update session started", "session", sm.ctx.SessionID)
	for _, s := range sm.states {
		sm.ctx.CurrentState = s.Name()
		if sm.opts.PreStateHandler != nil {
			sm.opts.PreStateHandler(s.Name(), sm.ctx)
		}
		if err := s.Execute(ctx, sm.ctx); err != nil {
			err = fmt.Errorf("failed at state %s: %w", s.Name(), err)
			slog.Error("update session aborted", "session", sm.ctx.SessionID, "error", err)
			sm.ctx.abort(err)
			return err
		}
		if sm.opts.PostStateHandler != nil {
			sm.opts.PostStateHandler(s.Name(), sm.ctx)
		}
	}
	return nil
}
