// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads xg2g-timeshift configuration with the precedence
// ENV > File > Defaults.
package config

import (
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/telemetry"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/buffer"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/follow"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/manifest"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/pathmap"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/resume"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segfile"
	"github.com/rs/zerolog"
)

// Config is the effective configuration.
type Config struct {
	Version  string `yaml:"-"`
	LogLevel string `yaml:"log_level"`

	// Streams names the manifests served by `serve`.
	Streams      []Stream          `yaml:"streams"`
	PathMappings []pathmap.Mapping `yaml:"path_mappings"`

	Manifest        ManifestConfig  `yaml:"manifest"`
	Segment         SegmentConfig   `yaml:"segment"`
	ReadAhead       ReadAheadConfig `yaml:"read_ahead"`
	WaitForManifest time.Duration   `yaml:"wait_for_manifest"`
	Follow          FollowConfig    `yaml:"follow"`

	Server    ServerConfig     `yaml:"server"`
	Resume    ResumeConfig     `yaml:"resume"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Stream maps a URL-safe name to a manifest path.
type Stream struct {
	Name     string `yaml:"name"`
	Manifest string `yaml:"manifest"`
}

// ManifestConfig tunes the double-read refresh protocol.
type ManifestConfig struct {
	Attempts    int           `yaml:"attempts"`
	RetryPause  time.Duration `yaml:"retry_pause"`
	ReopenAfter int           `yaml:"reopen_after"`
	MaxSize     int           `yaml:"max_size"`
}

// SegmentConfig tunes segment file handles.
type SegmentConfig struct {
	OpenAttempts   int           `yaml:"open_attempts"`
	OpenRetryDelay time.Duration `yaml:"open_retry_delay"`
	ChunkSize      int           `yaml:"chunk_size"`
}

type ReadAheadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Size     int           `yaml:"size"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type FollowConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ServerConfig configures `serve`.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// RateLimit is the number of requests per minute and client IP; 0 disables it.
	RateLimit       int           `yaml:"rate_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ResumeConfig selects where client positions are remembered.
type ResumeConfig struct {
	Backend string             `yaml:"backend"`
	Dir     string             `yaml:"dir"`
	TTL     time.Duration      `yaml:"ttl"`
	Redis   resume.RedisConfig `yaml:"redis"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Manifest: ManifestConfig{
			Attempts:    manifest.DefaultAttempts,
			RetryPause:  manifest.DefaultRetryPause,
			ReopenAfter: manifest.DefaultReopenAfter,
			MaxSize:     manifest.DefaultMaxSize,
		},
		Segment: SegmentConfig{
			OpenAttempts:   segfile.DefaultOpenAttempts,
			OpenRetryDelay: segfile.DefaultOpenRetryDelay,
			ChunkSize:      segfile.DefaultChunkSize,
		},
		ReadAhead: ReadAheadConfig{
			Enabled:  true,
			Size:     buffer.DefaultReadAheadSize,
			Cooldown: buffer.DefaultReadAheadCooldown,
		},
		Follow: FollowConfig{
			PollInterval: follow.DefaultPollInterval,
			IdleTimeout:  30 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr:      ":8089",
			RateLimit:       120,
			ShutdownTimeout: 10 * time.Second,
		},
		Resume: ResumeConfig{
			Backend: resume.BackendMemory,
			TTL:     resume.DefaultTTL,
		},
		Telemetry: telemetry.Config{
			ServiceName:  "xg2g-timeshift",
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// ReaderOptions converts the configuration into buffer options.
func (c Config) ReaderOptions() buffer.Options {
	seg := segfile.Options{
		OpenAttempts:   c.Segment.OpenAttempts,
		OpenRetryDelay: c.Segment.OpenRetryDelay,
		ChunkSize:      c.Segment.ChunkSize,
	}
	return buffer.Options{
		Manifest: manifest.Options{
			Attempts:    c.Manifest.Attempts,
			RetryPause:  c.Manifest.RetryPause,
			ReopenAfter: c.Manifest.ReopenAfter,
			MaxSize:     c.Manifest.MaxSize,
			Handle:      seg,
		},
		Segment:           seg,
		Resolver:          pathmap.New(c.PathMappings),
		ReadAhead:         c.ReadAhead.Enabled,
		ReadAheadSize:     c.ReadAhead.Size,
		ReadAheadCooldown: c.ReadAhead.Cooldown,
		WaitForManifest:   c.WaitForManifest,
	}
}

// FollowOptions converts the configuration into follow options.
func (c Config) FollowOptions() follow.Options {
	return follow.Options{
		PollInterval: c.Follow.PollInterval,
		IdleTimeout:  c.Follow.IdleTimeout,
	}
}

// ResumeOptions converts the configuration into resume store options.
func (c Config) ResumeOptions(logger zerolog.Logger) resume.Options {
	return resume.Options{
		Backend: c.Resume.Backend,
		Dir:     c.Resume.Dir,
		TTL:     c.Resume.TTL,
		Redis:   c.Resume.Redis,
		Logger:  logger,
	}
}

// Stream returns the stream with the given name.
func (c Config) Stream(name string) (Stream, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return Stream{}, false
}
