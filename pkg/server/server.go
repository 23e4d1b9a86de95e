// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package server exposes the firmware update flow over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/metrics"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/status"
	"github.com/foundriesio/fwota/pkg/transport"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

type (
	// Server receives firmware images, one at a time.
	Server struct {
		opts     *ServerOpts
		dir      partition.Directory
		gate     *semaphore.Weighted
		counters *metrics.UploadCounters
	}
	ServerOpts struct {
		UploadPath    string
		ReadTimeout   time.Duration
		UploadTimeout time.Duration
		Events        *events.Recorder
		UpdateOptions []api.UpdateOpt
	}
	ServerOpt func(*ServerOpts)

	errorResponse struct {
		Error   string `json:"error"`
		Kind    string `json:"kind"`
		Session string `json:"session,omitempty"`
	}
)

const (
	DefaultUploadPath = "/ota"
	historyLimit      = 100
)

var ErrUploadInProgress = errors.New("another firmware upload is in progress")

func WithUploadPath(path string) ServerOpt {
	return func(o *ServerOpts) {
		o.UploadPath = path
	}
}

// WithReadTimeout bounds the wait for each chunk of the request body.
func WithReadTimeout(timeout time.Duration) ServerOpt {
	return func(o *ServerOpts) {
		o.ReadTimeout = timeout
	}
}

// WithUploadTimeout bounds a whole upload; zero disables the limit.
func WithUploadTimeout(timeout time.Duration) ServerOpt {
	return func(o *ServerOpts) {
		o.UploadTimeout = timeout
	}
}

func WithEvents(r *events.Recorder) ServerOpt {
	return func(o *ServerOpts) {
		o.Events = r
	}
}

func WithUpdateOptions(options ...api.UpdateOpt) ServerOpt {
	return func(o *ServerOpts) {
		o.UpdateOptions = append(o.UpdateOptions, options...)
	}
}

func New(dir partition.Directory, options ...ServerOpt) *Server {
	opts := &ServerOpts{
		UploadPath: DefaultUploadPath,
	}
	for _, o := range options {
		o(opts)
	}
	return &Server{
		opts:     opts,
		dir:      dir,
		gate:     semaphore.NewWeighted(1),
		counters: metrics.NewUploadCounters(),
	}
}

// RegisterHandlers registers the update endpoints.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc(s.opts.UploadPath, s.upload).Methods(http.MethodPost)
	r.HandleFunc(s.opts.UploadPath+"/status", s.status).Methods(http.MethodGet)
	r.HandleFunc(s.opts.UploadPath+"/history", s.history).Methods(http.MethodGet)
	r.Handle("/metrics", s.counters.Handler()).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterHandlers(r)
	return r
}

func (s *Server) Counters() *metrics.UploadCounters {
	return s.counters
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening for firmware uploads", "addr", addr, "path", s.opts.UploadPath)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if !s.gate.TryAcquire(1) {
		slog.Warn("rejecting upload, another one is in progress", "remote", r.RemoteAddr)
		s.counters.Rejected(metrics.ResultBusy)
		writeError(w, http.StatusServiceUnavailable, "", ErrUploadInProgress)
		return
	}
	defer s.gate.Release(1)

	// A timed out read cancels the request context, the session has its own
	// deadline instead
	ctx := context.WithoutCancel(r.Context())
	if s.opts.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.UploadTimeout)
		defer cancel()
	}

	session := ulid.Make().String()
	slog.Info("firmware upload started", "session", session, "remote", r.RemoteAddr, "length", r.ContentLength)
	s.counters.Started()
	started := time.Now()
	options := append([]api.UpdateOpt{
		api.WithSessionID(session),
		api.WithEventRecorder(s.opts.Events),
		api.WithResponder(&responder{w: w, session: session}),
	}, s.opts.UpdateOptions...)
	info, err := api.Update(ctx, s.dir, transport.NewBodySource(ctx, w, r, s.opts.ReadTimeout), options...)

	result := metrics.ResultSuccess
	if err != nil {
		code, kind := classify(err)
		result = kind
		if !info.Responded {
			writeError(w, code, info.SessionID, err)
		}
	}
	s.counters.Finished(result, info.BytesWritten, info.Retries, time.Since(started))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.dir.(partition.Lister)
	if !ok {
		http.Error(w, "partition status is not available", http.StatusNotImplemented)
		return
	}
	st, err := status.GetCurrentStatus(lister)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		http.Error(w, "update history is not available", http.StatusNotImplemented)
		return
	}
	limit := historyLimit
	if v := r.URL.Query().Get("limit"); len(v) > 0 {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit: "+err.Error(), http.StatusBadRequest)
			return
		}
		limit = n
	}
	evts, err := s.opts.Events.History(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err)
		return
	}
	if evts == nil {
		evts = []events.FwUpdateEvent{}
	}
	writeJSON(w, http.StatusOK, evts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, session string, err error) {
	_, kind := classify(err)
	// The rest of an aborted body is not read
	w.Header().Set("Connection", "close")
	writeJSON(w, code, errorResponse{
		Error:   err.Error(),
		Kind:    kind,
		Session: session,
	})
}
