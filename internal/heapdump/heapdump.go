// Package heapdump runs one heap dump end to end: name the file, attach to
// the target, invoke the dump and relax the file permissions.
package heapdump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/loykin/heapdumper/internal/attach"
	"github.com/loykin/heapdumper/internal/diag"
	"github.com/loykin/heapdumper/internal/history"
	"github.com/loykin/heapdumper/internal/metrics"
	"github.com/loykin/heapdumper/internal/params"
	"github.com/loykin/heapdumper/internal/sysexec"
	"github.com/loykin/heapdumper/internal/target"
)

var (
	// ErrNoConnection is returned when the target could not be attached to or
	// its management connector could not be resolved.
	ErrNoConnection = errors.New("could not establish JMX connection")
	// ErrDumpInProgress is returned when another run holds the lock for the
	// same process and directory.
	ErrDumpInProgress = errors.New("heap dump already in progress")
)

const DefaultFileMode = "644"

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Discoverer resolves the management connector of a JVM.
type Discoverer interface {
	Discover(ctx context.Context, pid int) (*attach.Connector, error)
}

// Client is an open management connection.
type Client interface {
	DumpHeap(ctx context.Context, file string, live bool) error
	Close() error
}

// OpenFunc opens a Client on a discovered connector.
type OpenFunc func(ctx context.Context, c *attach.Connector) (Client, error)

// InspectFunc looks up the target process before attaching.
type InspectFunc func(ctx context.Context, pid int) (*target.Info, error)

// Options tunes a Dumper.
type Options struct {
	// LiveOnly dumps reachable objects only.
	LiveOnly bool
	// FileMode is passed to chmod; empty means DefaultFileMode.
	FileMode string
	// TimestampCommand prints the file name timestamp; empty formats the
	// current time in the same layout.
	TimestampCommand string
	// Lock serializes runs for the same pid and directory.
	Lock bool
	// AttachTimeout bounds discovery; zero leaves it to the caller's context.
	AttachTimeout time.Duration
	// Timeout bounds the dump itself; zero means unbounded.
	Timeout time.Duration
}

// Result summarizes a run. On failure only the fields known at that point
// are set.
type Result struct {
	RunID         string
	PID           int
	File          string
	Bytes         int64
	Duration      time.Duration
	JMXServiceURL string
}

// Dumper writes heap dumps of running JVMs.
type Dumper struct {
	opts       Options
	runner     Runner
	discoverer Discoverer
	logger     *slog.Logger

	mu      sync.Mutex
	open    OpenFunc
	inspect InspectFunc
	sinks   []history.Sink
	out     io.Writer
	now     func() time.Time
}

// NewDumper returns a Dumper that talks to JVMs through discoverer and runs
// external commands with runner.
func NewDumper(opts Options, runner Runner, discoverer Discoverer, logger *slog.Logger) *Dumper {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FileMode == "" {
		opts.FileMode = DefaultFileMode
	}
	return &Dumper{
		opts:       opts,
		runner:     runner,
		discoverer: discoverer,
		logger:     logger,
		open:       openDiag,
		inspect:    target.Inspect,
		out:        os.Stdout,
		now:        time.Now,
	}
}

func openDiag(ctx context.Context, c *attach.Connector) (Client, error) {
	return diag.Open(ctx, c)
}

// SetHistorySinks configures history sinks. Passing nil or no sinks clears
// the list.
func (d *Dumper) SetHistorySinks(sinks ...history.Sink) {
	d.mu.Lock()
	d.sinks = append([]history.Sink(nil), sinks...)
	d.mu.Unlock()
}

// SetOutput redirects the success summary, os.Stdout by default.
func (d *Dumper) SetOutput(w io.Writer) {
	d.mu.Lock()
	d.out = w
	d.mu.Unlock()
}

// SetOpener replaces how management connections are opened.
func (d *Dumper) SetOpener(f OpenFunc) {
	d.mu.Lock()
	d.open = f
	d.mu.Unlock()
}

// SetInspector replaces the target preflight. Nil disables it.
func (d *Dumper) SetInspector(f InspectFunc) {
	d.mu.Lock()
	d.inspect = f
	d.mu.Unlock()
}

// Dump writes a heap dump of p.PID into p.Dir. The outcome is recorded in
// metrics and history whether or not it succeeds.
func (d *Dumper) Dump(ctx context.Context, p params.Params) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), PID: p.PID}
	log := d.logger.With("run_id", res.RunID, "pid", p.PID)

	err := d.run(ctx, log, p, res)
	if err != nil {
		metrics.ObserveFailure()
	} else {
		metrics.ObserveSuccess(res.Duration, res.Bytes, d.now())
	}
	d.record(ctx, log, res, err)
	return res, err
}

func (d *Dumper) run(ctx context.Context, log *slog.Logger, p params.Params, res *Result) error {
	d.mu.Lock()
	open, inspect, out := d.open, d.inspect, d.out
	d.mu.Unlock()

	ts, err := Timestamp(ctx, d.runner, d.opts.TimestampCommand, d.now())
	if err != nil {
		return err
	}
	res.File = FilePath(p.Dir, p.RawPID, ts)

	if d.opts.Lock {
		fl, err := acquireLock(lockPath(p.Dir, p.RawPID))
		if err != nil {
			return err
		}
		defer releaseLock(log, fl)
	}

	if inspect != nil {
		if err := d.preflight(ctx, log, inspect, p.PID); err != nil {
			return fmt.Errorf("%w: %w", ErrNoConnection, err)
		}
	}

	conn, err := d.discover(ctx, log, p.PID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoConnection, err)
	}
	res.JMXServiceURL = conn.JMXServiceURL

	client, err := open(ctx, conn)
	if err != nil {
		log.Error("management connection failed", "address", conn.Address, "error", err)
		return fmt.Errorf("%w: %w", ErrNoConnection, err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("closing management connection", "error", err)
		}
	}()

	dumpCtx := ctx
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		dumpCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	log.Info("dumping heap", "file", res.File, "live", d.opts.LiveOnly)
	start := d.now()
	if err := client.DumpHeap(dumpCtx, res.File, d.opts.LiveOnly); err != nil {
		return fmt.Errorf("heap dump of pid %d: %w", p.PID, err)
	}
	res.Duration = d.now().Sub(start)
	if info, err := os.Stat(res.File); err == nil {
		res.Bytes = info.Size()
	}

	_, _ = fmt.Fprintf(out, "successfully wrote heap dump to %s in %d seconds\n", res.File, int64(res.Duration.Seconds()))

	if _, err := d.runner.Run(ctx, "chmod "+d.opts.FileMode+" "+sysexec.Quote(res.File)); err != nil {
		return fmt.Errorf("chmod %s: %w", res.File, err)
	}

	log.Info("heap dump complete",
		"file", res.File,
		"size", humanize.Bytes(uint64(res.Bytes)),
		"duration", res.Duration.Round(time.Millisecond))
	return nil
}

// preflight fails only when the process is gone; anything suspicious about
// the target is logged and the attach is still attempted.
func (d *Dumper) preflight(ctx context.Context, log *slog.Logger, inspect InspectFunc, pid int) error {
	info, err := inspect(ctx, pid)
	if err != nil {
		if errors.Is(err, target.ErrNotRunning) {
			log.Error("target process not found")
			return err
		}
		log.Warn("could not inspect target", "error", err)
		return nil
	}

	metrics.SetTargetRSS(info.RSS)
	log.Debug("target process",
		"name", info.Name,
		"exe", info.Exe,
		"user", info.Username,
		"rss", humanize.Bytes(info.RSS),
		"started", humanize.Time(info.CreateTime))

	if euid := os.Geteuid(); euid >= 0 && !info.OwnedBy(euid) {
		log.Warn("target is owned by another user; attach will likely fail",
			"target_uid", info.EffectiveUID(), "uid", euid)
	}
	if !info.LooksLikeJVM() {
		log.Warn("target does not look like a JVM", "name", info.Name, "exe", info.Exe)
	}
	return nil
}

func (d *Dumper) discover(ctx context.Context, log *slog.Logger, pid int) (*attach.Connector, error) {
	if d.opts.AttachTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.AttachTimeout)
		defer cancel()
	}
	start := d.now()
	conn, err := d.discoverer.Discover(ctx, pid)
	metrics.ObserveAttach(d.now().Sub(start))
	if err != nil {
		log.Error("attach failed", "error", err)
		return nil, err
	}
	if conn == nil {
		return nil, attach.ErrNoConnectorAddress
	}
	log.Debug("connector resolved", "address", conn.Address, "jmx_url", conn.JMXServiceURL)
	return conn, nil
}

func (d *Dumper) record(ctx context.Context, log *slog.Logger, res *Result, runErr error) {
	d.mu.Lock()
	sinks := append([]history.Sink(nil), d.sinks...)
	d.mu.Unlock()
	if len(sinks) == 0 {
		return
	}

	rec := history.Record{
		RunID:         res.RunID,
		PID:           res.PID,
		File:          res.File,
		Bytes:         res.Bytes,
		DurationMS:    res.Duration.Milliseconds(),
		JMXServiceURL: res.JMXServiceURL,
	}
	evt := history.Event{Type: history.EventDumpSucceeded, OccurredAt: d.now().UTC(), Record: rec}
	if runErr != nil {
		evt.Type = history.EventDumpFailed
		evt.Record.Error = runErr.Error()
	}

	// the run context may already be cancelled; history is still written
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, s := range sinks {
		if err := s.Send(sendCtx, evt); err != nil {
			log.Warn("history sink failed", "sink", fmt.Sprintf("%T", s), "error", err)
		}
	}
}
