// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestUploadCounters(t *testing.T) {
	c := NewUploadCounters()
	c.Started()
	require.Equal(t, 1.0, testutil.ToFloat64(c.InProgress))
	c.Finished(ResultSuccess, 4096, 2, time.Second)
	c.Rejected(ResultBusy)
	c.Finished("malformed_image", 0, 0, time.Millisecond)

	require.Zero(t, testutil.ToFloat64(c.InProgress))
	require.Equal(t, 1.0, testutil.ToFloat64(c.Uploads.WithLabelValues(ResultSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(c.Uploads.WithLabelValues(ResultBusy)))
	require.Equal(t, 4096.0, testutil.ToFloat64(c.Bytes))
	require.Equal(t, 2.0, testutil.ToFloat64(c.Retries))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `fwota_uploads_total{result="malformed_image"} 1`)
	require.Contains(t, rec.Body.String(), "fwota_upload_duration_seconds_count 2")
}
