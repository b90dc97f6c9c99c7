package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/heapdumper"
	"github.com/loykin/heapdumper/internal/config"
	"github.com/loykin/heapdumper/internal/metrics"
)

// HistoryFlags holds flags for the history command
type HistoryFlags struct {
	ConfigPath string
	Limit      int
	PID        int
}

// buildRoot creates the root command. The root command takes raw
// -dir=<path> -pid=<id> tokens, so cobra flag parsing is disabled for it.
func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "heapdumper -dir=<path> -pid=<id>",
		Short: "Write a heap dump of a running JVM",
		Long: `heapdumper attaches to a running JVM and writes a heap dump to
<dir>heapdump_pid-<pid>_date-<MMDDYY-HHMMSS-TZ>.hprof.

Settings are read from the TOML file named by $HEAPDUMPER_CONFIG and
HEAPDUMPER_* environment variables.

Examples:
  heapdumper -dir=/var/dumps -pid=4242
  HEAPDUMPER_DUMP_LIVE_ONLY=true heapdumper -dir=/var/dumps -pid=4242
  heapdumper history --limit 5`,
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		SilenceErrors:      true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && (args[0] == "-h" || args[0] == "--help") {
				return cmd.Help()
			}
			return runDump(cmd.Context(), os.Getenv(config.EnvConfigPath), args, stdout, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(createHistoryCommand(stdout, stderr, &HistoryFlags{}))
	return root
}

// session is the per-invocation wiring shared by commands.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func openSession(configPath string, stderr io.Writer) (*session, error) {
	cfg, err := heapdumper.LoadConfig(strings.TrimSpace(configPath))
	if err != nil {
		return nil, err
	}
	lg, closer, err := cfg.Logger().NewSlogger(stderr)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: lg, closer: closer}, nil
}

func (s *session) Close() {
	if s.closer != nil {
		_ = s.closer.Close()
	}
}

// runDump validates the tokens before anything touches the target.
func runDump(ctx context.Context, configPath string, tokens []string, stdout, stderr io.Writer) error {
	p, err := heapdumper.ParseArgs(tokens)
	if err != nil {
		return err
	}

	s, err := openSession(configPath, stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	mcfg := s.cfg.MetricsConfig()
	var reg *prometheus.Registry
	if mcfg.Enabled() {
		reg = prometheus.NewRegistry()
		if err := heapdumper.RegisterMetrics(reg); err != nil {
			s.logger.Warn("metrics disabled", "error", err)
			reg = nil
		}
	}

	d, err := heapdumper.NewDumper(s.cfg, s.logger)
	if err != nil {
		return err
	}
	d.SetOutput(stdout)

	if dsn := s.cfg.History.DSN; dsn != "" {
		sink, err := heapdumper.NewHistorySink(dsn)
		if err != nil {
			s.logger.Warn("history disabled", "dsn", redactDSN(dsn), "error", err)
		} else {
			d.SetHistorySinks(sink)
			if c, ok := sink.(io.Closer); ok {
				defer func() { _ = c.Close() }()
			}
		}
	}

	_, dumpErr := d.Dump(ctx, p)

	if reg != nil {
		if err := metrics.Export(context.WithoutCancel(ctx), reg, mcfg); err != nil {
			s.logger.Warn("exporting metrics", "error", err)
		}
	}
	return dumpErr
}

// redactDSN hides the password part of a URL style DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	user, _, _ := strings.Cut(rest[:at], ":")
	return fmt.Sprintf("%s://%s:***@%s", scheme, user, rest[at+1:])
}
