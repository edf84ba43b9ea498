// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ManuGH/xg2g-timeshift/internal/config"
	"github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/resume"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment before the server starts.
// Missing manifests only warn because the producer may start later.
func PerformStartupChecks(cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkListenAddr(logger, cfg.Server.ListenAddr); err != nil {
		return err
	}
	switch cfg.Resume.Backend {
	case resume.BackendSqlite, resume.BackendBadger:
		if cfg.Resume.Dir != "" {
			if err := checkDataDir(logger, cfg.Resume.Dir); err != nil {
				return fmt.Errorf("resume directory check failed: %w", err)
			}
		}
	}
	for _, s := range cfg.Streams {
		checkManifestDir(logger, s)
	}

	logger.Info().Int("streams", len(cfg.Streams)).Msg("startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Debug().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return err
	}
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %w)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Debug().Str("path", path).Msg("resume directory is writable")
	return nil
}

func checkManifestDir(logger zerolog.Logger, s config.Stream) {
	dir := filepath.Dir(s.Manifest)
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		logger.Warn().Err(err).Str(log.FieldStream, s.Name).Str("dir", dir).Msg("manifest directory not reachable yet")
	case !info.IsDir():
		logger.Warn().Str(log.FieldStream, s.Name).Str("dir", dir).Msg("manifest parent is not a directory")
	}
}
