// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/foundriesio/fioconfig/sotatoml"
	"github.com/foundriesio/fwota/pkg/image"
	"github.com/foundriesio/fwota/pkg/restart"
	"github.com/pelletier/go-toml"
)

type (
	Config struct {
		tomlConfig    *sotatoml.AppConfig
		chunkSize     int
		readTimeout   time.Duration
		uploadTimeout time.Duration
		restartDelay  time.Duration
		partitionSize int64
	}
)

const (
	ListenKey            = "ota.listen"
	PathKey              = "ota.path"
	ChunkSizeKey         = "ota.chunk_size"
	ReadTimeoutKey       = "ota.read_timeout"
	MaxReadRetriesKey    = "ota.max_read_retries"
	UploadTimeoutKey     = "ota.upload_timeout"
	RestartDelayKey      = "ota.restart_delay"
	RestartMethodKey     = "ota.restart_method"
	RestartCommandKey    = "ota.restart_command"
	StrictKey            = "ota.strict"
	RejectSameVersionKey = "ota.reject_same_version"
	AutoConfirmKey       = "ota.auto_confirm"
	FlashDirKey          = "flash.path"
	PartitionsKey        = "flash.partitions"
	PartitionSizeKey     = "flash.partition_size"
	StorageDirKey        = "storage.path"
	DBPathKey            = "storage.sqldb_path"

	ListenDefault           = ":8032"
	PathDefault             = "/ota"
	ChunkSizeDefault        = 1024
	ReadTimeoutDefault      = 5 * time.Second
	MaxReadRetriesDefault   = 30
	UploadTimeoutDefault    = 10 * time.Minute
	RestartDelayDefault     = time.Second
	FlashDirDefault         = "/var/sota/flash"
	PartitionsDefault       = "ota_0,ota_1"
	PartitionSizeDefaultStr = "4M"
	PartitionSizeDefault    = 4 << 20
	StorageDefaultDir       = "/var/sota"
	DBDefaultFilename       = "fwota.db"
	MaxChunkSize            = 1 << 20
)

func NewConfig(tomlConfigPaths []string) (*Config, error) {
	var err error
	cfg := &Config{}

	if len(tomlConfigPaths) == 0 {
		return nil, fmt.Errorf("config: no TOML paths provided")
	}
	if cfg.tomlConfig, err = sotatoml.NewAppConfig(tomlConfigPaths); err != nil {
		return nil, fmt.Errorf("config: failed to load TOML from paths %q: %w",
			strings.Join(tomlConfigPaths, ", "), err)
	}

	cfg.chunkSize = ChunkSizeDefault
	chunkStr := cfg.tomlConfig.GetDefault(ChunkSizeKey, strconv.Itoa(ChunkSizeDefault))
	if chunkSize, err := strconv.Atoi(chunkStr); err == nil {
		if chunkSize < image.HeaderLen || chunkSize > MaxChunkSize {
			slog.Warn("chunk size out of range; using default", "value", chunkSize,
				"min", image.HeaderLen, "max", MaxChunkSize, "default", ChunkSizeDefault)
		} else {
			cfg.chunkSize = chunkSize
		}
	} else {
		slog.Warn("invalid chunk size value; using default", "value", chunkStr, "default", ChunkSizeDefault)
	}

	if cfg.readTimeout, err = cfg.getDuration(ReadTimeoutKey, ReadTimeoutDefault); err != nil {
		return nil, err
	}
	if cfg.uploadTimeout, err = cfg.getDuration(UploadTimeoutKey, UploadTimeoutDefault); err != nil {
		return nil, err
	}
	if cfg.restartDelay, err = cfg.getDuration(RestartDelayKey, RestartDelayDefault); err != nil {
		return nil, err
	}

	sizeStr := cfg.tomlConfig.GetDefault(PartitionSizeKey, PartitionSizeDefaultStr)
	if cfg.partitionSize, err = ParseSize(sizeStr); err != nil {
		return nil, fmt.Errorf("invalid value of %q: %w", PartitionSizeKey, err)
	}
	if cfg.partitionSize < image.HeaderLen {
		return nil, fmt.Errorf("%q is too small to hold an image: %s", PartitionSizeKey, sizeStr)
	}
	if len(cfg.GetPartitions()) == 0 {
		return nil, fmt.Errorf("no partitions are defined in %q", PartitionsKey)
	}
	if _, err := cfg.GetRestarter(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) getDuration(key string, def time.Duration) (time.Duration, error) {
	if !c.tomlConfig.Has(key) {
		return def, nil
	}
	d, err := time.ParseDuration(c.tomlConfig.Get(key))
	if err != nil {
		return 0, fmt.Errorf("invalid value of %q: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid value of %q: negative duration", key)
	}
	return d, nil
}

func (c *Config) getBool(key string, def bool) bool {
	v := c.tomlConfig.GetDefault(key, strconv.FormatBool(def))
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean value; using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

// ParseSize parses a byte count with an optional K, M or G suffix (powers of 1024).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "I")
	mult := int64(1)
	if l := len(s); l > 0 {
		switch s[l-1] {
		case 'K':
			mult = 1 << 10
		case 'M':
			mult = 1 << 20
		case 'G':
			mult = 1 << 30
		}
		if mult > 1 {
			s = s[:l-1]
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive: %d", n)
	}
	return n * mult, nil
}

func (c *Config) GetListenAddr() string {
	return c.tomlConfig.GetDefault(ListenKey, ListenDefault)
}

func (c *Config) GetUploadPath() string {
	p := c.tomlConfig.GetDefault(PathKey, PathDefault)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (c *Config) GetChunkSize() int {
	return c.chunkSize
}

func (c *Config) GetReadTimeout() time.Duration {
	return c.readTimeout
}

// GetMaxReadRetries returns the number of consecutive read timeouts tolerated;
// zero or less means no limit.
func (c *Config) GetMaxReadRetries() int {
	v := c.tomlConfig.GetDefault(MaxReadRetriesKey, strconv.Itoa(MaxReadRetriesDefault))
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid max read retries value; using default", "value", v, "default", MaxReadRetriesDefault)
		return MaxReadRetriesDefault
	}
	return n
}

func (c *Config) GetUploadTimeout() time.Duration {
	return c.uploadTimeout
}

func (c *Config) GetRestartDelay() time.Duration {
	return c.restartDelay
}

func (c *Config) GetRestarter() (restart.Restarter, error) {
	return restart.New(c.tomlConfig.GetDefault(RestartMethodKey, restart.MethodReboot),
		c.tomlConfig.Get(RestartCommandKey))
}

func (c *Config) IsStrict() bool {
	return c.getBool(StrictKey, false)
}

func (c *Config) RejectSameVersion() bool {
	return c.getBool(RejectSameVersionKey, false)
}

// AutoConfirm tells whether the running image is confirmed as soon as the
// agent has started on it.
func (c *Config) AutoConfirm() bool {
	return c.getBool(AutoConfirmKey, true)
}

func (c *Config) GetFlashDir() string {
	return c.tomlConfig.GetDefault(FlashDirKey, FlashDirDefault)
}

func (c *Config) GetPartitions() []string {
	parts := strings.Split(c.tomlConfig.GetDefault(PartitionsKey, PartitionsDefault), ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			result = append(result, v)
		}
	}
	return result
}

func (c *Config) GetPartitionSize() int64 {
	return c.partitionSize
}

func (c *Config) GetStorageDir() string {
	return c.tomlConfig.GetDefault(StorageDirKey, StorageDefaultDir)
}

func (c *Config) GetDBPath() string {
	dbPath := c.tomlConfig.GetDefault(DBPathKey, DBDefaultFilename)
	if filepath.IsAbs(dbPath) {
		return dbPath
	}
	return filepath.Join(c.GetStorageDir(), dbPath)
}

// Combined returns the effective agent settings, defaults included, as a
// TOML document.
func (c *Config) Combined() ([]byte, error) {
	tree, err := toml.TreeFromMap(map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	restartMethod := c.tomlConfig.GetDefault(RestartMethodKey, restart.MethodReboot)
	values := map[string]interface{}{
		ListenKey:            c.GetListenAddr(),
		PathKey:              c.GetUploadPath(),
		ChunkSizeKey:         int64(c.GetChunkSize()),
		ReadTimeoutKey:       c.GetReadTimeout().String(),
		MaxReadRetriesKey:    int64(c.GetMaxReadRetries()),
		UploadTimeoutKey:     c.GetUploadTimeout().String(),
		RestartDelayKey:      c.GetRestartDelay().String(),
		RestartMethodKey:     restartMethod,
		StrictKey:            c.IsStrict(),
		RejectSameVersionKey: c.RejectSameVersion(),
		AutoConfirmKey:       c.AutoConfirm(),
		FlashDirKey:          c.GetFlashDir(),
		PartitionsKey:        strings.Join(c.GetPartitions(), ","),
		PartitionSizeKey:     c.GetPartitionSize(),
		StorageDirKey:        c.GetStorageDir(),
		DBPathKey:            c.GetDBPath(),
	}
	if restartMethod == restart.MethodCommand {
		values[RestartCommandKey] = c.tomlConfig.Get(RestartCommandKey)
	}
	for k, v := range values {
		tree.Set(k, v)
	}
	return tree.Marshal()
}
