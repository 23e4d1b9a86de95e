// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventTypeValue string

const (
	UploadStarted         EventTypeValue = "FwUploadStarted"
	UploadCompleted       EventTypeValue = "FwUploadCompleted"
	InstallationApplied   EventTypeValue = "FwInstallationApplied"
	InstallationCompleted EventTypeValue = "FwInstallationCompleted"
	UpdateAborted         EventTypeValue = "FwUpdateAborted"
	RollbackDetected      EventTypeValue = "FwRollbackDetected"
)

type FwEvent struct {
	CorrelationId string `json:"correlationId"`
	Success       *bool  `json:"success,omitempty"`
	Version       string `json:"version"`
	Bytes         int64  `json:"bytes"`
	Details       string `json:"details,omitempty"`
}
type FwEventType struct {
	Id      EventTypeValue `json:"id"`
	Version int            `json:"version"`
}
type FwUpdateEvent struct {
	Id         string      `json:"id"`
	DeviceTime string      `json:"deviceTime"`
	Event      FwEvent     `json:"event"`
	EventType  FwEventType `json:"eventType"`
}

type (
	EventOpts struct {
		Success *bool
		Details string
	}
	EventOption func(*EventOpts)

	// Recorder keeps the update history in the local database
	Recorder struct {
		dbFilePath string
	}
)

func WithEventStatus(success bool) EventOption {
	return func(o *EventOpts) {
		o.Success = &success
	}
}

func WithEventDetails(details string) EventOption {
	return func(o *EventOpts) {
		o.Details = details
	}
}

func NewEvent(eventType EventTypeValue, correlationId string, version string, bytes int64, options ...EventOption) *FwUpdateEvent {
	opts := EventOpts{}
	for _, o := range options {
		o(&opts)
	}
	return &FwUpdateEvent{
		Id:         uuid.New().String(),
		DeviceTime: time.Now().Format(time.RFC3339),
		Event: FwEvent{
			CorrelationId: correlationId,
			Success:       opts.Success,
			Version:       version,
			Bytes:         bytes,
			Details:       opts.Details,
		},
		EventType: FwEventType{
			Id:      eventType,
			Version: 0,
		},
	}
}

func NewRecorder(dbFilePath string) (*Recorder, error) {
	if err := CreateEventsTable(dbFilePath); err != nil {
		return nil, err
	}
	return &Recorder{dbFilePath: dbFilePath}, nil
}

func (r *Recorder) Record(eventType EventTypeValue, correlationId string, version string, bytes int64, options ...EventOption) error {
	if err := SaveEvent(r.dbFilePath, NewEvent(eventType, correlationId, version, bytes, options...)); err != nil {
		return fmt.Errorf("failed to record %s event: %w", eventType, err)
	}
	return nil
}

// History returns up to limit of the most recent events, oldest first. A
// limit of zero or less returns all of them.
func (r *Recorder) History(limit int) ([]FwUpdateEvent, error) {
	evts, _, err := GetEvents(r.dbFilePath, limit)
	return evts, err
}

// Clear removes all recorded events.
func (r *Recorder) Clear() error {
	_, maxId, err := GetEvents(r.dbFilePath, 0)
	if err != nil {
		return err
	}
	if maxId < 0 {
		return nil
	}
	return DeleteEvents(r.dbFilePath, maxId)
}
