// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import (
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/state"
	"github.com/foundriesio/fwota/pkg/transport"
)

type (
	StateName        = state.ActionName
	PreStateHandler  func(state StateName, info state.UpdateInfo)
	PostStateHandler func(state StateName, info state.UpdateInfo)
)

func newUpdateRunner(dir partition.Directory, src transport.Source, states []state.ActionState, opts *UpdateOpts) *state.UpdateRunner {
	runnerOpts := []state.UpdateRunnerOpt{
		state.WithOptions(opts.Options),
		state.WithSessionID(opts.SessionID),
		state.WithResponder(opts.Responder),
		state.WithRestarter(opts.Restarter),
		state.WithEvents(opts.EventRecorder),
	}
	if opts.PreStateHandler != nil {
		runnerOpts = append(runnerOpts, state.WithPreStateHandler(func(s state.ActionName, u *state.UpdateContext) {
			opts.PreStateHandler(s, u.UpdateInfo)
		}))
	}
	if opts.PostStateHandler != nil {
		runnerOpts = append(runnerOpts, state.WithPostStateHandler(func(s state.ActionName, u *state.UpdateContext) {
			opts.PostStateHandler(s, u.UpdateInfo)
		}))
	}
	return state.NewUpdateRunner(dir, src, states, runnerOpts...)
}
