// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package integration_tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/api"
	cfg "github.com/foundriesio/fwota/pkg/config"
	"github.com/foundriesio/fwota/pkg/restart"
	"github.com/foundriesio/fwota/pkg/server"
	"github.com/foundriesio/fwota/pkg/status"
)

type integrationTest struct {
	t        *testing.T
	tempDir  string
	config   *cfg.Config
	device   *api.Device
	url      string
	restarts chan struct{}
}

type uploadError struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Session string `json:"session"`
}

func createMockConfig(t *testing.T, tempDir string) *cfg.Config {
	if tempDir == "" {
		t.Fatal("tempDir not set")
	}
	sota := fmt.Sprintf(`
[ota]
path = "/ota"
chunk_size = "1024"
read_timeout = "2s"
max_read_retries = "5"
upload_timeout = "30s"
restart_delay = "0s"
restart_method = "none"
auto_confirm = "false"

[flash]
path = "%s/flash"
partitions = "ota_0,ota_1"
partition_size = "256K"

[storage]
path = "%s"
	`, tempDir, tempDir)
	if err := os.WriteFile(filepath.Join(tempDir, "sota.toml"), []byte(sota), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := cfg.NewConfig([]string{tempDir})
	if err != nil {
		t.Fatalf("Unable to create config: %v", err)
	}
	return config
}

func newIntegrationTest(t *testing.T) *integrationTest {
	it := &integrationTest{
		t:        t,
		tempDir:  t.TempDir(),
		restarts: make(chan struct{}, 1),
	}
	it.config = createMockConfig(t, it.tempDir)

	var err error
	it.device, err = api.OpenDevice(it.config)
	checkErr(t, err)
	_, err = it.device.Startup(true)
	checkErr(t, err)

	srv := server.New(it.device.Store,
		server.WithUploadPath(it.config.GetUploadPath()),
		server.WithReadTimeout(it.config.GetReadTimeout()),
		server.WithUploadTimeout(it.config.GetUploadTimeout()),
		server.WithEvents(it.device.Events),
		server.WithUpdateOptions(
			api.WithConfig(it.config),
			api.WithRestarter(restart.Func(func(context.Context) error {
				it.restarts <- struct{}{}
				return nil
			})),
		),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	it.url = ts.URL
	return it
}

// push uploads an image and returns the status code and, for a rejected
// upload, the decoded error.
func (it *integrationTest) push(img []byte) (int, *uploadError) {
	res, err := http.Post(it.url+it.config.GetUploadPath(), "application/octet-stream", bytes.NewReader(img))
	checkErr(it.t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	checkErr(it.t, err)
	if res.StatusCode == http.StatusOK {
		return res.StatusCode, nil
	}
	var e uploadError
	if err := json.Unmarshal(b, &e); err != nil {
		it.t.Fatalf("Failed to decode error response %q: %v", string(b), err)
	}
	return res.StatusCode, &e
}

// reset waits for the agent to request a restart and then emulates the reset
// of the device: the bootloader starts the selected partition.
func (it *integrationTest) reset(confirm bool) {
	select {
	case <-it.restarts:
	case <-time.After(10 * time.Second):
		it.t.Fatal("Restart was not requested")
	}
	_, err := it.device.Startup(false)
	checkErr(it.t, err)
	if confirm {
		_, err = it.device.MarkValid()
		checkErr(it.t, err)
	}
}

func (it *integrationTest) status() *status.CurrentStatus {
	s, err := it.device.Status()
	checkErr(it.t, err)
	return s
}

func (it *integrationTest) checkStatus(running, version string, pendingVerify bool) {
	s := it.status()
	if s.Running.Partition != running {
		it.t.Fatalf("Running partition is %s, expected %s", s.Running.Partition, running)
	}
	if s.Running.Version != version {
		it.t.Fatalf("Running version is %s, expected %s", s.Running.Version, version)
	}
	if s.PendingVerify != pendingVerify {
		it.t.Fatalf("Pending verification is %v, expected %v", s.PendingVerify, pendingVerify)
	}
}

func (it *integrationTest) clearEvents() {
	checkErr(it.t, it.device.Events.Clear())
}

func (it *integrationTest) checkEvents(expected []events.FwUpdateEvent) {
	evts, err := it.device.History(0)
	checkErr(it.t, err)
	if len(evts) != len(expected) {
		it.t.Fatalf("Got %d events, expected %d: %+v", len(evts), len(expected), evts)
	}
	var correlationId string
	for i, e := range evts {
		want := expected[i]
		if e.EventType.Id != want.EventType.Id {
			it.t.Errorf("Event %d is %s, expected %s", i, e.EventType.Id, want.EventType.Id)
		}
		if e.Event.Version != want.Event.Version {
			it.t.Errorf("Event %d has version %q, expected %q", i, e.Event.Version, want.Event.Version)
		}
		if want.Event.Success != nil {
			if e.Event.Success == nil || *e.Event.Success != *want.Event.Success {
				it.t.Errorf("Event %d success mismatch: got %v, expected %v", i, e.Event.Success, *want.Event.Success)
			}
		}
		// Events of one upload share the session ID
		if i == 0 {
			correlationId = e.Event.CorrelationId
		} else if e.EventType.Id != events.InstallationCompleted && e.EventType.Id != events.RollbackDetected &&
			e.Event.CorrelationId != correlationId {
			it.t.Errorf("Event %d has correlation ID %s, expected %s", i, e.Event.CorrelationId, correlationId)
		}
	}
}

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}
