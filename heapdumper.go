package heapdumper

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/heapdumper/internal/attach"
	"github.com/loykin/heapdumper/internal/config"
	"github.com/loykin/heapdumper/internal/heapdump"
	"github.com/loykin/heapdumper/internal/history"
	"github.com/loykin/heapdumper/internal/history/factory"
	"github.com/loykin/heapdumper/internal/metrics"
	"github.com/loykin/heapdumper/internal/params"
	"github.com/loykin/heapdumper/internal/sysexec"
)

// Re-export core types for external consumers.

type Params = params.Params

type Result = heapdump.Result

type Config = config.Config

type Dumper = heapdump.Dumper

type HistorySink = history.Sink

var (
	ErrInvalidParams  = params.ErrInvalidParams
	ErrNoConnection   = heapdump.ErrNoConnection
	ErrDumpInProgress = heapdump.ErrDumpInProgress
)

// ParseArgs validates -dir=<path> and -pid=<id> tokens.
func ParseArgs(tokens []string) (Params, error) { return params.Parse(tokens) }

// LoadConfig reads a TOML file; an empty path yields defaults plus
// HEAPDUMPER_* environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewDumper wires a Dumper from cfg using the shell runner and the HotSpot
// attach mechanism. A nil cfg uses the defaults.
func NewDumper(cfg *Config, logger *slog.Logger) (*Dumper, error) {
	if cfg == nil {
		c, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if logger == nil {
		logger = slog.Default()
	}
	disc := attach.NewDiscoverer(cfg.AttachConfig(), cfg.Attach.ManagementAgent, logger)
	return heapdump.NewDumper(cfg.DumpOptions(), sysexec.NewRunner(logger), disc, logger), nil
}

// NewHistorySink opens the sink selected by dsn (sqlite, postgres,
// clickhouse or opensearch).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
