// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command xg2g-timeshift reads a receiver's segmented timeshift buffer as one
// continuous stream, either on stdout or over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/xg2g-timeshift/internal/config"
	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/buffer"
	"github.com/ManuGH/xg2g-timeshift/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const serviceName = "xg2g-timeshift"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is the state shared by all subcommands once the configuration is loaded.
type app struct {
	configPath string
	logLevel   string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Read a segmented live timeshift buffer as one stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(a.configPath, version.Version).Load()
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.LogLevel = a.logLevel
			}
			a.cfg = cfg
			// stdout may carry stream bytes, so logs go to stderr.
			xglog.Configure(xglog.Config{
				Level:   cfg.LogLevel,
				Output:  cmd.ErrOrStderr(),
				Service: serviceName,
				Version: version.Version,
			})
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML configuration")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newInspectCmd(a),
		newCatCmd(a),
		newServeCmd(a),
		newSimulateCmd(a),
		newVersionCmd(),
	)
	return root
}

// manifestPath resolves a configured stream name, falling back to treating the
// argument as a manifest path.
func (a *app) manifestPath(arg string) string {
	if s, ok := a.cfg.Stream(arg); ok {
		return s.Manifest
	}
	return arg
}

func (a *app) readerOptions(logger zerolog.Logger, readAhead bool) buffer.Options {
	opts := a.cfg.ReaderOptions()
	opts.ReadAhead = opts.ReadAhead && readAhead
	opts.Logger = &logger
	return opts
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		// The version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version.String())
		},
	}
}
