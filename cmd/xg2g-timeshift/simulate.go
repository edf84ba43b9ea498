package main

import (
	"context"
	"errors"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/producer"
	"github.com/spf13/cobra"
)

func newSimulateCmd(_ *app) *cobra.Command {
	var (
		opts   producer.Options
		limit  int64
		atomic bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a receiver-like producer that writes a rolling buffer",
		Long: "Write rolling segment files and republish the manifest after every write.\n" +
			"The bytes follow a fixed pattern that `cat --verify` checks.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Dir == "" {
				return errors.New("--dir is required")
			}
			if atomic {
				opts.Mode = producer.ModeAtomic
			}
			logger := xglog.WithComponent("simulate")
			opts.Logger = &logger

			p, err := producer.New(opts)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			logger.Info().
				Str(xglog.FieldManifest, p.ManifestPath()).
				Int64("segment_size", opts.SegmentSize).
				Int("window", opts.Window).
				Msg("producer started")
			err = p.Run(cmd.Context(), limit)
			logger.Info().Int64("bytes", p.Total()).Msg("producer stopped")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Dir, "dir", "", "directory for the manifest and segments")
	f.StringVar(&opts.ManifestName, "manifest", producer.DefaultManifestName, "manifest file name")
	f.StringVar(&opts.Prefix, "prefix", producer.DefaultPrefix, "segment file prefix")
	f.Int64Var(&opts.SegmentSize, "segment-size", producer.DefaultSegmentSize, "bytes per segment")
	f.IntVar(&opts.Window, "window", producer.DefaultWindow, "segments kept before eviction")
	f.IntVar(&opts.ChunkSize, "chunk", producer.DefaultChunkSize, "bytes per write")
	f.DurationVar(&opts.Interval, "interval", producer.DefaultInterval, "pause between writes")
	f.StringVar(&opts.StoredRoot, "stored-root", "", "store absolute names under this producer-side root")
	f.DurationVar(&opts.TornPause, "torn-pause", 0, "split every manifest rewrite by this pause")
	f.BoolVar(&atomic, "atomic", false, "replace the manifest atomically instead of in place")
	f.Int64Var(&limit, "limit", 0, "stop after this many bytes (0 = until interrupted)")
	return cmd
}
