package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loykin/heapdumper"
	"github.com/loykin/heapdumper/internal/config"
	"github.com/loykin/heapdumper/internal/history"
)

var errHistoryNotConfigured = errors.New("history.dsn is not configured")

func createHistoryCommand(stdout, stderr io.Writer, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded heap dumps",
		Long: `List the most recent heap dump runs recorded in the history store
configured by history.dsn.

Examples:
  heapdumper history
  heapdumper history --pid=4242 --limit=5`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if path == "" {
				path = os.Getenv(config.EnvConfigPath)
			}
			return runHistory(cmd.Context(), path, *flags, stdout, stderr)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default $HEAPDUMPER_CONFIG)")
	cmd.Flags().IntVar(&flags.Limit, "limit", history.DefaultLimit, "maximum number of runs to show")
	cmd.Flags().IntVar(&flags.PID, "pid", 0, "only show runs for this process id")
	return cmd
}

func runHistory(ctx context.Context, configPath string, f HistoryFlags, stdout, stderr io.Writer) error {
	s, err := openSession(configPath, stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.cfg.History.DSN == "" {
		return errHistoryNotConfigured
	}
	sink, err := heapdumper.NewHistorySink(s.cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if c, ok := sink.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	lister, ok := sink.(history.Lister)
	if !ok {
		return fmt.Errorf("history sink %T cannot list records", sink)
	}

	events, err := lister.Recent(ctx, history.Query{Limit: f.Limit, PID: f.PID})
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	return printHistory(stdout, events, time.Now())
}

func printHistory(w io.Writer, events []history.Event, now time.Time) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "no heap dumps recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WHEN\tPID\tRESULT\tSIZE\tDURATION\tFILE")
	for _, e := range events {
		r := e.Record
		result := "ok"
		size := humanize.Bytes(uint64(max(r.Bytes, 0)))
		file := r.File
		if e.Type == history.EventDumpFailed {
			result = "failed"
			size = "-"
			if r.Error != "" {
				file = r.Error
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			humanize.RelTime(e.OccurredAt, now, "ago", "from now"),
			r.PID, result, size,
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
			file)
	}
	return tw.Flush()
}
