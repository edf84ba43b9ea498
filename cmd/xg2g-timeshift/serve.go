package main

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/api"
	"github.com/ManuGH/xg2g-timeshift/internal/health"
	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/telemetry"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/resume"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured streams over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				a.cfg.Server.ListenAddr = listen
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logger := xglog.WithComponent("serve")
	if len(a.cfg.Streams) == 0 {
		return errors.New("no streams configured")
	}
	if err := health.PerformStartupChecks(a.cfg); err != nil {
		return err
	}

	tp, err := telemetry.NewProvider(ctx, a.cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	store, err := resume.NewStore(a.cfg.ResumeOptions(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("resume store close failed")
		}
	}()

	logger.Info().
		Str(xglog.FieldEvent, "serve.start").
		Str("resume_backend", a.cfg.Resume.Backend).
		Bool("telemetry", a.cfg.Telemetry.Enabled).
		Msg("starting timeshift server")

	if err := api.New(a.cfg, store).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Str(xglog.FieldEvent, "serve.stop").Msg("server stopped")
	return nil
}
