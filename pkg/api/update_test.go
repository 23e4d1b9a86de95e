// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/config"
	"github.com/foundriesio/fwota/pkg/image"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/restart"
	"github.com/foundriesio/fwota/pkg/state"
	"github.com/foundriesio/fwota/pkg/transport"
	"github.com/pelletier/go-toml"
	"github.com/stretchr/testify/require"
)

type okResponder struct {
	responses []error
}

func (r *okResponder) Respond(activationErr error) error {
	r.responses = append(r.responses, activationErr)
	return nil
}

func newTestConfig(t *testing.T, values map[string]interface{}) *config.Config {
	t.Helper()
	dir := t.TempDir()
	tree, err := toml.TreeFromMap(nil)
	require.Nil(t, err)
	tree.Set(config.StorageDirKey, dir)
	tree.Set(config.FlashDirKey, filepath.Join(dir, "flash"))
	tree.Set(config.PartitionSizeKey, "64K")
	tree.Set(config.RestartDelayKey, "0s")
	tree.Set(config.RestartMethodKey, restart.MethodNone)
	for k, v := range values {
		tree.Set(k, v)
	}
	b, err := toml.Marshal(tree)
	require.Nil(t, err)
	require.Nil(t, os.WriteFile(filepath.Join(dir, "sota.toml"), b, 0o644))
	cfg, err := config.NewConfig([]string{dir})
	require.Nil(t, err)
	return cfg
}

func TestUpdate_FragmentedStream(t *testing.T) {
	dir := partition.NewMemDirectory(64*1024, "ota_0", "ota_1")
	img := image.Build("2.0.0", image.WithSize(10_000))
	// The body arrives in tiny pieces, chunks are still filled up
	src := transport.NewReaderSource(iotest.HalfReader(bytes.NewReader(img)))
	responder := &okResponder{}
	restarts := 0

	var states []StateName
	info, err := Update(context.Background(), dir, src,
		WithRestartDelay(0),
		WithResponder(responder),
		WithRestarter(restart.Func(func(context.Context) error {
			restarts++
			return nil
		})),
		WithPostStateHandler(func(s StateName, _ state.UpdateInfo) { states = append(states, s) }),
	)
	require.Nil(t, err)
	require.Equal(t, int64(len(img)), info.BytesWritten)
	require.Equal(t, img, dir.Data("ota_1"))
	require.Equal(t, 10, dir.Writes)
	require.Equal(t, []error{nil}, responder.responses)
	require.Equal(t, 1, restarts)
	require.Len(t, states, 5)
	require.Equal(t, "2.0.0", info.NewDesc.Version())
}

func TestUpdate_WithConfig(t *testing.T) {
	cfg := newTestConfig(t, map[string]interface{}{
		config.ChunkSizeKey:         "4096",
		config.RejectSameVersionKey: "true",
		config.StrictKey:            "true",
	})
	opts := getUpdateOpts(WithConfig(cfg))
	require.Equal(t, 4096, opts.ChunkSize)
	require.True(t, opts.Strict)
	require.True(t, opts.RejectSameVersion)
	require.Zero(t, opts.RestartDelay)
	require.Equal(t, config.MaxReadRetriesDefault, opts.MaxReadRetries)

	dir := partition.NewMemDirectory(64*1024, "ota_0", "ota_1")
	dir.SetImage("ota_0", image.Build("1.0.0"), partition.StateValid)
	src := transport.NewReaderSource(bytes.NewReader(image.Build("1.0.0", image.WithSize(5000))))
	_, err := Update(context.Background(), dir, src, WithConfig(cfg))
	require.ErrorIs(t, err, state.ErrSameVersion)
	require.Zero(t, dir.Begins)
}

func TestUpdate_PreStateHandlerSeesProgress(t *testing.T) {
	dir := partition.NewMemDirectory(64*1024, "ota_0", "ota_1")
	img := image.Build("2.0.0", image.WithSize(3000))
	written := map[StateName]int64{}
	_, err := Update(context.Background(), dir, transport.NewReaderSource(bytes.NewReader(img)),
		WithRestartDelay(0),
		WithPreStateHandler(func(s StateName, info state.UpdateInfo) { written[s] = info.BytesWritten }),
	)
	require.Nil(t, err)
	require.Zero(t, written["Writing"])
	require.Equal(t, int64(3000), written["Finalizing"])
}

func TestUpdate_RecordsEvents(t *testing.T) {
	rec, err := events.NewRecorder(filepath.Join(t.TempDir(), "fwota.db"))
	require.Nil(t, err)
	dir := partition.NewMemDirectory(64*1024, "ota_0", "ota_1")
	img := image.Build("2.0.0", image.WithSize(3000))

	info, err := Update(context.Background(), dir, transport.NewReaderSource(bytes.NewReader(img[:100])),
		WithRestartDelay(0), WithEventRecorder(rec))
	require.ErrorIs(t, err, state.ErrMalformedImage)

	evts, err := rec.History(0)
	require.Nil(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, events.UpdateAborted, evts[0].EventType.Id)
	require.Equal(t, info.SessionID, evts[0].Event.CorrelationId)
}
