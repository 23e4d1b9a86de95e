// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package integration_tests

import (
	"net/http"
	"testing"

	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/image"
)

func expectedEvent(eventType events.EventTypeValue, version string, success ...bool) events.FwUpdateEvent {
	e := events.FwUpdateEvent{
		EventType: events.FwEventType{Id: eventType},
		Event:     events.FwEvent{Version: version},
	}
	if len(success) > 0 {
		e.Event.Success = &success[0]
	}
	return e
}

// TestUpdateSequence pushes a sequence of images including one that never
// gets confirmed, verifying the recorded events and the partition status.
func TestUpdateSequence(t *testing.T) {
	it := newIntegrationTest(t)
	it.checkStatus("ota_0", "", false)

	it.testUpdateTo("1.1.0", "ota_1")
	it.testUpdateTo("1.2.0", "ota_0")

	// 1.3.0 never confirms itself and is rolled back on the next reset
	it.clearEvents()
	code, e := it.push(image.Build("1.3.0", image.WithSize(40_000)))
	if code != http.StatusOK {
		it.t.Fatalf("Upload failed: %d %+v", code, e)
	}
	it.reset(false)
	it.checkStatus("ota_1", "1.3.0", true)
	_, err := it.device.Startup(false)
	checkErr(t, err)
	it.checkStatus("ota_0", "1.2.0", false)
	s := it.status()
	if s.LastInvalid != "ota_1" {
		t.Fatalf("Last invalid partition is %q, expected ota_1", s.LastInvalid)
	}

	// The rolled back version is refused
	it.clearEvents()
	code, e = it.push(image.Build("1.3.0", image.WithSize(40_000)))
	if code != http.StatusConflict || e.Kind != "rollback_rejected" {
		t.Fatalf("Expected a rejected rollback, got %d %+v", code, e)
	}
	if len(e.Session) == 0 {
		t.Fatal("Error response does not carry the session ID")
	}
	it.checkEvents([]events.FwUpdateEvent{
		expectedEvent(events.UpdateAborted, "1.3.0", false),
	})

	// A fixed version goes through
	it.testUpdateTo("1.3.1", "ota_1")
}

func TestCorruptImage(t *testing.T) {
	it := newIntegrationTest(t)
	img := image.Build("2.0.0", image.WithSize(30_000))
	img[20_000] ^= 0x5a

	// The image is received but can not be activated; the device restarts
	// into the old image anyway
	code, e := it.push(img)
	if code != http.StatusInternalServerError || e.Kind != "activation_failed" {
		t.Fatalf("Expected a failed activation, got %d %+v", code, e)
	}
	it.reset(false)
	it.checkStatus("ota_0", "", false)
	s := it.status()
	if s.Boot.Partition != "ota_0" {
		t.Fatalf("Boot partition is %s, expected ota_0", s.Boot.Partition)
	}
}

func (it *integrationTest) testUpdateTo(version string, partition string) {
	it.clearEvents()
	code, e := it.push(image.Build(version, image.WithSize(50_000)))
	if code != http.StatusOK {
		it.t.Fatalf("Upload of %s failed: %d %+v", version, code, e)
	}
	s := it.status()
	if s.Boot.Partition != partition || s.Boot.Version != version {
		it.t.Fatalf("Boot partition is %s %s, expected %s %s", s.Boot.Partition, s.Boot.Version, partition, version)
	}

	it.reset(true)
	it.checkStatus(partition, version, false)
	it.checkEvents([]events.FwUpdateEvent{
		expectedEvent(events.UploadStarted, version),
		expectedEvent(events.UploadCompleted, version, true),
		expectedEvent(events.InstallationApplied, version, true),
		expectedEvent(events.InstallationCompleted, version, true),
	})
}
