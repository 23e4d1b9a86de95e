// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UploadCounters holds the monitoring counters of the update endpoint
type UploadCounters struct {
	registry *prometheus.Registry

	Uploads    *prometheus.CounterVec
	Bytes      prometheus.Counter
	Retries    prometheus.Counter
	Duration   prometheus.Histogram
	InProgress prometheus.Gauge
}

// Upload results
const (
	ResultSuccess = "success"
	ResultBusy    = "busy"
)

func NewUploadCounters() *UploadCounters {
	c := &UploadCounters{
		registry: prometheus.NewRegistry(),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwota_uploads_total",
			Help: "Firmware uploads by result",
		}, []string{"result"}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwota_upload_bytes_total",
			Help: "Firmware bytes written to flash",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwota_read_retries_total",
			Help: "Request body reads that timed out and were retried",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwota_upload_duration_seconds",
			Help:    "Time from the start of an upload until it finished or was aborted",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		InProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwota_upload_in_progress",
			Help: "Set while an upload is being received",
		}),
	}
	c.registry.MustRegister(c.Uploads, c.Bytes, c.Retries, c.Duration, c.InProgress)
	c.Uploads.With(prometheus.Labels{"result": ResultSuccess}).Add(0)
	return c
}

// Started marks the beginning of an upload
func (c *UploadCounters) Started() {
	c.InProgress.Set(1)
}

// Finished records the outcome of an upload
func (c *UploadCounters) Finished(result string, bytes int64, retries int, elapsed time.Duration) {
	c.InProgress.Set(0)
	c.Uploads.With(prometheus.Labels{"result": result}).Inc()
	c.Bytes.Add(float64(bytes))
	c.Retries.Add(float64(retries))
	c.Duration.Observe(elapsed.Seconds())
}

// Rejected counts an upload refused before it started
func (c *UploadCounters) Rejected(result string) {
	c.Uploads.With(prometheus.Labels{"result": result}).Inc()
}

func (c *UploadCounters) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
