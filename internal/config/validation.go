package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var streamName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks cross-field constraints the loader cannot express.
func Validate(cfg Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		add("log_level %q is not a zerolog level", cfg.LogLevel)
	}

	seen := map[string]bool{}
	for i, s := range cfg.Streams {
		switch {
		case !streamName.MatchString(s.Name):
			add("streams[%d].name %q must be URL-safe", i, s.Name)
		case seen[s.Name]:
			add("streams[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Manifest) == "" {
			add("streams[%d].manifest is required", i)
		}
	}
	for i, m := range cfg.PathMappings {
		if m.ReceiverRoot == "" || m.LocalRoot == "" {
			add("path_mappings[%d] needs receiver_root and local_root", i)
		}
	}

	if cfg.Manifest.Attempts < 1 {
		add("manifest.attempts must be at least 1")
	}
	if cfg.Manifest.RetryPause < 0 {
		add("manifest.retry_pause must not be negative")
	}
	if cfg.Manifest.ReopenAfter < 0 {
		add("manifest.reopen_after must not be negative")
	}
	if cfg.Manifest.MaxSize != 0 && cfg.Manifest.MaxSize < 24 {
		add("manifest.max_size %d is below the minimum manifest size", cfg.Manifest.MaxSize)
	}
	if cfg.Segment.OpenAttempts < 1 {
		add("segment.open_attempts must be at least 1")
	}
	if cfg.Segment.ChunkSize < 0 {
		add("segment.chunk_size must not be negative")
	}
	if cfg.ReadAhead.Size < 0 || cfg.ReadAhead.Cooldown < 0 {
		add("read_ahead size and cooldown must not be negative")
	}
	if cfg.WaitForManifest < 0 || cfg.Follow.PollInterval < 0 || cfg.Follow.IdleTimeout < 0 {
		add("durations must not be negative")
	}
	if cfg.Server.RateLimit < 0 {
		add("server.rate_limit must not be negative")
	}
	switch cfg.Resume.Backend {
	case "", "memory", "sqlite":
	case "badger":
		if cfg.Resume.Dir == "" {
			add("resume.dir is required for the badger backend")
		}
	case "redis":
		if cfg.Resume.Redis.Addr == "" {
			add("resume.redis.addr is required for the redis backend")
		}
	default:
		add("resume.backend %q must be memory, sqlite, badger or redis", cfg.Resume.Backend)
	}
	if cfg.Resume.TTL < 0 {
		add("resume.ttl must not be negative")
	}
	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.ExporterType {
		case "grpc", "http":
		default:
			add("telemetry.exporter %q must be grpc or http", cfg.Telemetry.ExporterType)
		}
		if cfg.Telemetry.Endpoint == "" {
			add("telemetry.endpoint is required when telemetry is enabled")
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			add("telemetry.sampling_rate must be within [0,1]")
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
