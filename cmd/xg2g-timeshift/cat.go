package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/buffer"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/follow"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/producer"
	"github.com/spf13/cobra"
)

type catFlags struct {
	from        string
	idle        time.Duration
	limit       int64
	verify      bool
	segmentSize int64
}

func newCatCmd(a *app) *cobra.Command {
	var f catFlags
	cmd := &cobra.Command{
		Use:   "cat <stream|manifest>",
		Short: "Write the buffer to stdout, following the live edge",
		Long: "Write the buffer to stdout and keep following the live edge until the\n" +
			"idle timeout passes without new data or the process is interrupted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.from != "start" && f.from != "live" {
				return fmt.Errorf("--from must be start or live, got %q", f.from)
			}
			if f.verify && f.segmentSize <= 0 {
				return errors.New("--verify needs --segment-size")
			}
			return a.cat(cmd.Context(), cmd.OutOrStdout(), a.manifestPath(args[0]), f)
		},
	}
	cmd.Flags().StringVar(&f.from, "from", "start", "start position: start or live")
	cmd.Flags().DurationVar(&f.idle, "idle", 0, "stop after this long without data (default: follow.idle_timeout)")
	cmd.Flags().Int64Var(&f.limit, "limit", 0, "stop after this many bytes (0 = no limit)")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "check every byte against the simulate pattern")
	cmd.Flags().Int64Var(&f.segmentSize, "segment-size", producer.DefaultSegmentSize, "segment size the simulator was started with")
	return cmd
}

func (a *app) cat(ctx context.Context, out io.Writer, path string, f catFlags) error {
	logger := xglog.WithComponent("cat").With().Str(xglog.FieldManifest, path).Logger()

	r, err := buffer.Open(ctx, path, a.readerOptions(logger, true))
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	if f.from == "live" {
		if _, err := r.Seek(0, io.SeekEnd); err != nil {
			return err
		}
	}

	fopts := a.cfg.FollowOptions()
	if f.idle > 0 {
		fopts.IdleTimeout = f.idle
	}
	fopts.Logger = &logger
	fr := follow.New(ctx, r, fopts)
	defer func() { _ = fr.Close() }()

	var written int64
	buf := make([]byte, 188*348)
	for f.limit <= 0 || written < f.limit {
		want := len(buf)
		if f.limit > 0 {
			want = int(min(int64(want), f.limit-written))
		}
		n, err := fr.Read(buf[:want])
		if n > 0 {
			if f.verify {
				if verr := verifyPattern(r, buf[:n], f.segmentSize); verr != nil {
					return verr
				}
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, follow.ErrIdle) || errors.Is(err, context.Canceled) {
			break
		}
		return err
	}

	logger.Info().
		Str(xglog.FieldEvent, "cat.done").
		Int64("bytes", written).
		Int64(xglog.FieldCursor, r.Position()).
		Bool("verified", f.verify).
		Msg("stream ended")
	return nil
}

// verifyPattern checks that the n bytes just read end at the reader's position
// and match what the simulator wrote there. Finished simulator segments hold
// exactly segSize bytes, so virtual and producer offsets differ by a constant.
func verifyPattern(r *buffer.Reader, b []byte, segSize int64) error {
	segs := r.Segments()
	if len(segs) == 0 {
		return errors.New("verify: reader has no segments")
	}
	base := segs[0].SequenceID*segSize - segs[0].StartOffset
	end := r.Position()
	for i, got := range b {
		off := end - int64(len(b)) + int64(i)
		if want := producer.Pattern(off + base); got != want {
			return fmt.Errorf("verify: virtual offset %d holds %#02x, want %#02x", off, got, want)
		}
	}
	return nil
}
