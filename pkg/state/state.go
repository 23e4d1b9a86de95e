// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/image"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/restart"
	"github.com/foundriesio/fwota/pkg/transport"
	"github.com/pkg/errors"
)

type (
	// ActionName Name of the state action
	ActionName string
	// ActionState interface for all states
	ActionState interface {
		Name() ActionName
		Execute(ctx context.Context, updateCtx *UpdateContext) error
	}

	// Responder sends the final response of a successful upload. activationErr
	// is set when the flow continues despite a failed boot partition switch.
	Responder interface {
		Respond(activationErr error) error
	}

	Options struct {
		ChunkSize         int
		MaxReadRetries    int
		Strict            bool
		RejectSameVersion bool
		RestartDelay      time.Duration
	}

	UpdateInfo struct {
		SessionID    string
		CurrentState ActionName
		Running      *partition.Partition
		Target       *partition.Partition
		RunningDesc  *image.Descriptor
		NewDesc      *image.Descriptor
		BytesWritten int64
		Retries      int
		StartedAt    time.Time
		// Warnings collects the failures the flow continued past
		Warnings      []error
		ActivationErr error
		Responded     bool
		Restarted     bool
	}

	// UpdateContext holds the state machine context
	UpdateContext struct {
		UpdateInfo
		Options

		Directory partition.Directory
		Source    transport.Source
		Responder Responder
		Restarter restart.Restarter
		Events    *events.Recorder

		// Writer is the open write session; nil outside of it
		Writer  partition.Writer
		buf     []byte
		pending int
	}
)

const (
	DefaultChunkSize      = 1024
	DefaultMaxReadRetries = 30
	DefaultRestartDelay   = time.Second
)

var (
	ErrReadTimeout      = transport.ErrReadTimeout
	ErrFatalIO          = errors.New("failed to read request body")
	ErrTooManyRetries   = errors.New("too many read timeouts")
	ErrMalformedImage   = errors.New("malformed firmware image")
	ErrRollbackRejected = errors.New("firmware version was previously rolled back")
	ErrSameVersion      = errors.New("firmware version is already running")
	ErrWriteFailure     = errors.New("failed to write firmware image")
	ErrFinalizeFailed   = errors.New("firmware image validation failed")
	ErrActivationFailed = errors.New("failed to set boot partition")
)

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize < image.HeaderLen {
		o.ChunkSize = image.HeaderLen
	}
}

// readChunk pulls the next chunk into the session buffer, retrying reads that
// timed out. A zero length means the stream has ended.
func (u *UpdateContext) readChunk(ctx context.Context) (int, error) {
	timeouts := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrFatalIO, err)
		}
		n, err := u.Source.ReadChunk(u.buf)
		if errors.Is(err, ErrReadTimeout) {
			timeouts++
			u.Retries++
			if u.MaxReadRetries > 0 && timeouts > u.MaxReadRetries {
				return 0, fmt.Errorf("%w: %w: gave up after %d consecutive timeouts", ErrFatalIO, ErrTooManyRetries, u.MaxReadRetries)
			}
			slog.Debug("read timed out, retrying", "session", u.SessionID, "attempt", timeouts)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrFatalIO, err)
		}
		return n, nil
	}
}

// abort releases the write session, if one is open, discarding the image.
func (u *UpdateContext) abort(cause error) {
	if u.Writer != nil {
		if err := u.Writer.Abort(); err != nil {
			slog.Error("failed to abort write session", "session", u.SessionID, "error", err)
		}
		u.Writer = nil
	}
	u.SendEvent(events.UpdateAborted, cause)
}

func (u *UpdateContext) version() string {
	if u.NewDesc == nil {
		return ""
	}
	return u.NewDesc.Version()
}

// SendEvent records an update event; the optional error sets its outcome.
func (u *UpdateContext) SendEvent(eventType events.EventTypeValue, eventErr ...error) {
	if u.Events == nil {
		return
	}
	var opts []events.EventOption
	var eventError error
	if len(eventErr) > 0 {
		eventError = eventErr[0]
		opts = append(opts, events.WithEventStatus(eventError == nil))
	}
	opts = append(opts, events.WithEventDetails(u.getEventDetails(eventType, eventError)))
	if err := u.Events.Record(eventType, u.SessionID, u.version(), u.BytesWritten, opts...); err != nil {
		slog.Error("failed to record event", "event", eventType, "err", err)
	}
}

func (u *UpdateContext) getEventDetails(eventType events.EventTypeValue, eventError error) string {
	type (
		partitions struct {
			Running string `json:"running"`
			Target  string `json:"target"`
		}
		startedDetails struct {
			Partitions     partitions `json:"partitions"`
			RunningVersion string     `json:"running_version,omitempty"`
			Project        string     `json:"project,omitempty"`
		}
		completedDetails struct {
			Bytes    int64    `json:"bytes"`
			Retries  int      `json:"retries"`
			Warnings []string `json:"warnings,omitempty"`
			Error    string   `json:"error,omitempty"`
		}
	)
	var detailsByte []byte
	switch eventType {
	case events.UploadStarted:
		details := startedDetails{
			Partitions: partitions{
				Running: u.Running.String(),
				Target:  u.Target.String(),
			},
		}
		if u.RunningDesc != nil {
			details.RunningVersion = u.RunningDesc.Version()
		}
		if u.NewDesc != nil {
			details.Project = u.NewDesc.ProjectName()
		}
		detailsByte, _ = json.Marshal(details)
	default:
		details := completedDetails{
			Bytes:   u.BytesWritten,
			Retries: u.Retries,
		}
		for _, w := range u.Warnings {
			details.Warnings = append(details.Warnings, w.Error())
		}
		if eventError != nil {
			details.Error = eventError.Error()
		}
		detailsByte, _ = json.Marshal(details)
	}
	return string(detailsByte)
}
