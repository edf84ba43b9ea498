// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath string
	version    string
	// ConsumedEnvKeys records every environment key the loader looked at.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a loader; an empty configPath skips the file layer.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, def string) string {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseString(EnvPrefix+key, def)
}

func (l *Loader) envInt(key string, def int) int {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseInt(EnvPrefix+key, def)
}

func (l *Loader) envBool(key string, def bool) bool {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseBool(EnvPrefix+key, def)
}

func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseDuration(EnvPrefix+key, def)
}

func (l *Loader) envFloat(key string, def float64) float64 {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseFloat(EnvPrefix+key, def)
}

// Load builds the effective configuration and validates it.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()
	cfg.Version = l.version

	if l.configPath != "" {
		if err := l.mergeFile(&cfg); err != nil {
			return Config{}, err
		}
	}
	l.mergeEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile decodes the YAML file over cfg. Keys absent from the file keep
// their default.
func (l *Loader) mergeFile(cfg *Config) error {
	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	cfg.LogLevel = l.envString("LOG_LEVEL", cfg.LogLevel)

	l.ConsumedEnvKeys[EnvPrefix+"STREAMS"] = struct{}{}
	if v, ok := os.LookupEnv(EnvPrefix + "STREAMS"); ok && v != "" {
		cfg.Streams = parseStreams(v)
	}

	cfg.Manifest.Attempts = l.envInt("MANIFEST_ATTEMPTS", cfg.Manifest.Attempts)
	cfg.Manifest.RetryPause = l.envDuration("MANIFEST_RETRY_PAUSE", cfg.Manifest.RetryPause)
	cfg.Manifest.ReopenAfter = l.envInt("MANIFEST_REOPEN_AFTER", cfg.Manifest.ReopenAfter)
	cfg.Manifest.MaxSize = l.envInt("MANIFEST_MAX_SIZE", cfg.Manifest.MaxSize)

	cfg.Segment.OpenAttempts = l.envInt("SEGMENT_OPEN_ATTEMPTS", cfg.Segment.OpenAttempts)
	cfg.Segment.OpenRetryDelay = l.envDuration("SEGMENT_OPEN_RETRY_DELAY", cfg.Segment.OpenRetryDelay)
	cfg.Segment.ChunkSize = l.envInt("SEGMENT_CHUNK_SIZE", cfg.Segment.ChunkSize)

	cfg.ReadAhead.Enabled = l.envBool("READAHEAD", cfg.ReadAhead.Enabled)
	cfg.ReadAhead.Size = l.envInt("READAHEAD_SIZE", cfg.ReadAhead.Size)
	cfg.ReadAhead.Cooldown = l.envDuration("READAHEAD_COOLDOWN", cfg.ReadAhead.Cooldown)
	cfg.WaitForManifest = l.envDuration("WAIT_FOR_MANIFEST", cfg.WaitForManifest)

	cfg.Follow.PollInterval = l.envDuration("FOLLOW_POLL_INTERVAL", cfg.Follow.PollInterval)
	cfg.Follow.IdleTimeout = l.envDuration("FOLLOW_IDLE_TIMEOUT", cfg.Follow.IdleTimeout)

	cfg.Server.ListenAddr = l.envString("LISTEN", cfg.Server.ListenAddr)
	cfg.Server.RateLimit = l.envInt("RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.ShutdownTimeout = l.envDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Resume.Backend = l.envString("RESUME_BACKEND", cfg.Resume.Backend)
	cfg.Resume.Dir = l.envString("RESUME_DIR", cfg.Resume.Dir)
	cfg.Resume.TTL = l.envDuration("RESUME_TTL", cfg.Resume.TTL)
	cfg.Resume.Redis.Addr = l.envString("RESUME_REDIS_ADDR", cfg.Resume.Redis.Addr)

	cfg.Telemetry.Enabled = l.envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = l.envString("OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = l.envString("OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Environment = l.envString("OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.SamplingRate = l.envFloat("OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.ServiceVersion = l.version
}

// EnvKeys returns the consumed keys in sorted order.
func (l *Loader) EnvKeys() []string {
	keys := make([]string, 0, len(l.ConsumedEnvKeys))
	for k := range l.ConsumedEnvKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
