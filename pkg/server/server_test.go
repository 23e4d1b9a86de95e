// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/image"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/restart"
	"github.com/foundriesio/fwota/pkg/state"
	"github.com/foundriesio/fwota/pkg/status"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*Server
	dir      *partition.MemDirectory
	url      string
	restarts chan struct{}
	events   *events.Recorder
}

func newTestServer(t *testing.T, options ...ServerOpt) *testServer {
	t.Helper()
	dir := partition.NewMemDirectory(64*1024, "ota_0", "ota_1")
	dir.SetImage("ota_0", image.Build("1.0.0"), partition.StateValid)
	dir.SetVersion("ota_1", "1.1.0")
	dir.MarkInvalid("ota_1")

	rec, err := events.NewRecorder(filepath.Join(t.TempDir(), "fwota.db"))
	require.Nil(t, err)
	restarts := make(chan struct{}, 4)
	opts := []ServerOpt{
		WithEvents(rec),
		WithReadTimeout(time.Second),
		WithUploadTimeout(10 * time.Second),
		WithUpdateOptions(
			api.WithRestartDelay(0),
			api.WithMaxReadRetries(5),
			api.WithRestarter(restart.Func(func(context.Context) error {
				restarts <- struct{}{}
				return nil
			})),
		),
	}
	s := New(dir, append(opts, options...)...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: s, dir: dir, url: ts.URL, restarts: restarts, events: rec}
}

func (s *testServer) post(t *testing.T, body []byte) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Post(s.url+"/ota", "application/octet-stream", bytes.NewReader(body))
	require.Nil(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.Nil(t, err)
	return res, b
}

func (s *testServer) requireRestarted(t *testing.T) {
	t.Helper()
	select {
	case <-s.restarts:
	case <-time.After(5 * time.Second):
		t.Fatal("device was not restarted")
	}
}

func (s *testServer) requireNotRestarted(t *testing.T) {
	t.Helper()
	select {
	case <-s.restarts:
		t.Fatal("device was restarted")
	default:
	}
}

func requireError(t *testing.T, res *http.Response, body []byte, code int, kind string) errorResponse {
	t.Helper()
	require.Equal(t, code, res.StatusCode, string(body))
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))
	var e errorResponse
	require.Nil(t, json.Unmarshal(body, &e))
	require.Equal(t, kind, e.Kind)
	require.NotEmpty(t, e.Error)
	return e
}

func TestUpload_Success(t *testing.T) {
	s := newTestServer(t)
	img := image.Build("1.2.0", image.WithSize(20_000))

	res, body := s.post(t, img)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "OK", string(body))
	require.True(t, res.Close)
	s.requireRestarted(t)

	require.Equal(t, img, s.dir.Data("ota_1"))
	boot, err := s.dir.Boot()
	require.Nil(t, err)
	require.Equal(t, "ota_1", boot.Label)
}

func TestUpload_Malformed(t *testing.T) {
	s := newTestServer(t)
	img := image.Build("1.2.0", image.WithSize(20_000))

	res, body := s.post(t, img[:100])
	e := requireError(t, res, body, http.StatusBadRequest, "malformed_image")
	require.NotEmpty(t, e.Session)

	res, body = s.post(t, nil)
	requireError(t, res, body, http.StatusBadRequest, "malformed_image")

	// Large enough for a header, but not a firmware image
	res, body = s.post(t, bytes.Repeat([]byte("A"), 20_000))
	requireError(t, res, body, http.StatusBadRequest, "malformed_image")

	s.requireNotRestarted(t)
	require.Zero(t, s.dir.Begins)
}

func TestUpload_RollbackRejected(t *testing.T) {
	s := newTestServer(t)
	res, body := s.post(t, image.Build("1.1.0", image.WithSize(20_000)))
	requireError(t, res, body, http.StatusConflict, "rollback_rejected")
	s.requireNotRestarted(t)
	require.Zero(t, s.dir.Begins)
	require.Equal(t, partition.StateInvalid, s.dir.State("ota_1"))
}

func TestUpload_WriteFailure(t *testing.T) {
	s := newTestServer(t)
	s.dir.FailWriteAt = 3
	s.dir.FailWrite = syscall.EIO

	res, body := s.post(t, image.Build("1.2.0", image.WithSize(20_000)))
	requireError(t, res, body, http.StatusInternalServerError, "write_failure")
	s.requireNotRestarted(t)
	require.Equal(t, 1, s.dir.Aborts)
	require.Equal(t, partition.StateAborted, s.dir.State("ota_1"))
}

func TestUpload_ActivationFailureStillRestarts(t *testing.T) {
	s := newTestServer(t)
	s.dir.FailSetBoot = syscall.EROFS

	res, body := s.post(t, image.Build("1.2.0", image.WithSize(20_000)))
	e := requireError(t, res, body, http.StatusInternalServerError, "activation_failed")
	require.NotEmpty(t, e.Session)
	s.requireRestarted(t)
}

func TestUpload_StrictValidationFailure(t *testing.T) {
	s := newTestServer(t, WithUpdateOptions(api.WithStrict(true)))
	img := image.Build("1.2.0", image.WithSize(20_000))
	img[15_000] ^= 0xff

	res, body := s.post(t, img)
	requireError(t, res, body, http.StatusUnprocessableEntity, "validation_failed")
	s.requireNotRestarted(t)
	require.Zero(t, s.dir.SetBoots)
}

func TestUpload_Busy(t *testing.T) {
	s := newTestServer(t)
	require.True(t, s.gate.TryAcquire(1))

	res, body := s.post(t, image.Build("1.2.0", image.WithSize(20_000)))
	requireError(t, res, body, http.StatusServiceUnavailable, "busy")
	require.Zero(t, s.dir.Begins)

	s.gate.Release(1)
	res, _ = s.post(t, image.Build("1.2.0", image.WithSize(20_000)))
	require.Equal(t, http.StatusOK, res.StatusCode)
	s.requireRestarted(t)
}

func TestUpload_SlowBodyIsRetried(t *testing.T) {
	s := newTestServer(t, WithReadTimeout(50*time.Millisecond),
		WithUpdateOptions(api.WithMaxReadRetries(50)))
	img := image.Build("1.2.0", image.WithSize(20_000))

	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write(img[:5000])
		time.Sleep(200 * time.Millisecond)
		_, _ = pw.Write(img[5000:])
		_ = pw.Close()
	}()
	req, err := http.NewRequest(http.MethodPost, s.url+"/ota", pr)
	require.Nil(t, err)
	req.ContentLength = int64(len(img))
	res, err := http.DefaultClient.Do(req)
	require.Nil(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	s.requireRestarted(t)
	require.Equal(t, img, s.dir.Data("ota_1"))
}

func TestUpload_StalledBody(t *testing.T) {
	s := newTestServer(t, WithReadTimeout(20*time.Millisecond))
	img := image.Build("1.2.0", image.WithSize(20_000))

	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write(img[:5000])
	}()
	req, err := http.NewRequest(http.MethodPost, s.url+"/ota", pr)
	require.Nil(t, err)
	req.ContentLength = int64(len(img))
	res, err := http.DefaultClient.Do(req)
	require.Nil(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.Nil(t, err)
	requireError(t, res, body, http.StatusRequestTimeout, "read_timeout")
	s.requireNotRestarted(t)
	require.Equal(t, 1, s.dir.Aborts)
}

func TestUpload_UploadTimeoutWithoutReadTimeout(t *testing.T) {
	s := newTestServer(t, WithReadTimeout(0), WithUploadTimeout(200*time.Millisecond))
	img := image.Build("1.2.0", image.WithSize(20_000))

	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write(img[:5000])
	}()
	req, err := http.NewRequest(http.MethodPost, s.url+"/ota", pr)
	require.Nil(t, err)
	req.ContentLength = int64(len(img))
	started := time.Now()
	res, err := http.DefaultClient.Do(req)
	require.Nil(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.Nil(t, err)
	requireError(t, res, body, http.StatusRequestTimeout, "read_timeout")
	require.Less(t, time.Since(started), 5*time.Second)
	s.requireNotRestarted(t)
	require.Equal(t, 1, s.dir.Aborts)

	// The gate is free again
	res, body = s.post(t, img)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	s.requireRestarted(t)
}

func TestStatusAndHistory(t *testing.T) {
	s := newTestServer(t)
	res, _ := s.post(t, image.Build("1.2.0", image.WithSize(20_000)))
	require.Equal(t, http.StatusOK, res.StatusCode)
	s.requireRestarted(t)

	res, err := http.Get(s.url + "/ota/status")
	require.Nil(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st status.CurrentStatus
	require.Nil(t, json.NewDecoder(res.Body).Decode(&st))
	require.Equal(t, "ota_0", st.Running.Partition)
	require.Equal(t, "ota_1", st.Boot.Partition)
	require.Equal(t, "1.2.0", st.Boot.Version)

	res, err = http.Get(s.url + "/ota/history?limit=1")
	require.Nil(t, err)
	defer res.Body.Close()
	var evts []events.FwUpdateEvent
	require.Nil(t, json.NewDecoder(res.Body).Decode(&evts))
	require.Len(t, evts, 1)
	require.Equal(t, events.InstallationApplied, evts[0].EventType.Id)

	res, err = http.Get(s.url + "/ota/history?limit=x")
	require.Nil(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)
	res, _ := s.post(t, image.Build("1.2.0", image.WithSize(20_000)))
	require.Equal(t, http.StatusOK, res.StatusCode)
	s.requireRestarted(t)
	res, _ = s.post(t, []byte("garbage"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err := http.Get(s.url + "/metrics")
	require.Nil(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.Nil(t, err)
	text := string(b)
	require.Contains(t, text, `fwota_uploads_total{result="success"} 1`)
	require.Contains(t, text, `fwota_uploads_total{result="malformed_image"} 1`)
	require.Contains(t, text, "fwota_upload_bytes_total 20000")
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t, WithUploadPath("/firmware"))
	res, err := http.Get(s.url + "/firmware")
	require.Nil(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	res, err = http.Post(s.url+"/ota", "application/octet-stream", strings.NewReader("x"))
	require.Nil(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind string
	}{
		{ErrUploadInProgress, http.StatusServiceUnavailable, "busy"},
		{fmt.Errorf("%w: 1.1.0", state.ErrRollbackRejected), http.StatusConflict, "rollback_rejected"},
		{fmt.Errorf("%w: %w", state.ErrMalformedImage, image.ErrBadImageMagic), http.StatusBadRequest, "malformed_image"},
		{fmt.Errorf("%w: %w", state.ErrFatalIO, state.ErrTooManyRetries), http.StatusRequestTimeout, "read_timeout"},
		{fmt.Errorf("%w: %w", state.ErrFatalIO, context.DeadlineExceeded), http.StatusRequestTimeout, "read_timeout"},
		{fmt.Errorf("%w: %w", state.ErrFatalIO, io.ErrUnexpectedEOF), http.StatusBadRequest, "read_failure"},
		{state.ErrFinalizeFailed, http.StatusUnprocessableEntity, "validation_failed"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal"},
	}
	for _, tc := range tests {
		code, kind := classify(tc.err)
		require.Equal(t, tc.code, code, tc.err.Error())
		require.Equal(t, tc.kind, kind, tc.err.Error())
	}
}
