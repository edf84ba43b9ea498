package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/buffer"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segments"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type inspectReport struct {
	Status   buffer.Status      `json:"status"`
	Segments []segments.Segment `json:"segments"`
}

func newInspectCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <stream|manifest>",
		Short: "Print the manifest counters and the resolved segment list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.manifestPath(args[0])
			logger := xglog.WithComponent("inspect")

			r, err := buffer.Open(cmd.Context(), path, a.readerOptions(logger, false))
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()
			if _, err := r.Seek(0, io.SeekCurrent); err != nil {
				return err
			}

			rep := inspectReport{Status: r.Status(), Segments: r.Segments()}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return printReport(out, rep)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printReport(w io.Writer, rep inspectReport) error {
	st := rep.Status
	fmt.Fprintf(w, "manifest  %s\n", st.Manifest)
	fmt.Fprintf(w, "counters  +%d/-%d (%d segments)\n", st.Added, st.Removed, st.Segments)
	fmt.Fprintf(w, "range     %d..%d (%s)\n", st.Start, st.End, humanize.IBytes(uint64(max(st.End-st.Start, 0))))
	if st.Stale {
		fmt.Fprintf(w, "stale     %d failed refreshes: %s\n", st.ConsecutiveFailures, st.LastErrorMessage)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTART\tLENGTH\tFILE")
	for _, s := range rep.Segments {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", s.SequenceID, s.StartOffset, humanize.IBytes(uint64(s.Length)), s.Path)
	}
	return tw.Flush()
}
