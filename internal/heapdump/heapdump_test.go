package heapdump

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/heapdumper/internal/attach"
	"github.com/loykin/heapdumper/internal/attach/attachtest"
	"github.com/loykin/heapdumper/internal/diag"
	"github.com/loykin/heapdumper/internal/history"
	"github.com/loykin/heapdumper/internal/params"
	"github.com/loykin/heapdumper/internal/sysexec"
	"github.com/loykin/heapdumper/internal/target"
)

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	ts       string
	tsErr    error
	chmodErr error
}

func (r *fakeRunner) Run(_ context.Context, command string) (string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()
	if strings.HasPrefix(command, "chmod") {
		return "", r.chmodErr
	}
	return r.ts, r.tsErr
}

func (r *fakeRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type fakeDiscoverer struct {
	conn  *attach.Connector
	err   error
	calls int
}

func (f *fakeDiscoverer) Discover(_ context.Context, pid int) (*attach.Connector, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	c := *f.conn
	c.PID = pid
	return &c, nil
}

type fakeClient struct {
	files  []string
	live   []bool
	err    error
	closed int
}

func (c *fakeClient) DumpHeap(_ context.Context, file string, live bool) error {
	c.files = append(c.files, file)
	c.live = append(c.live, live)
	if c.err != nil {
		return c.err
	}
	return os.WriteFile(file, bytes.Repeat([]byte{'x'}, 2048), 0o600)
}

func (c *fakeClient) Close() error {
	c.closed++
	return nil
}

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memorySink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

// steppingClock advances by step on every call.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := cur
		cur = cur.Add(step)
		return t
	}
}

type harness struct {
	dumper *Dumper
	runner *fakeRunner
	disc   *fakeDiscoverer
	client *fakeClient
	opened int
	out    *bytes.Buffer
	params params.Params
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := params.NormalizeDir(t.TempDir())
	h := &harness{
		runner: &fakeRunner{ts: "101526-093000-UTC"},
		disc:   &fakeDiscoverer{conn: &attach.Connector{Address: "/tmp/.java_pid1", JMXServiceURL: "service:jmx:rmi://x"}},
		client: &fakeClient{},
		out:    &bytes.Buffer{},
		params: params.Params{Dir: dir, PID: 4242, RawPID: "4242"},
	}
	if opts.TimestampCommand == "" {
		opts.TimestampCommand = DefaultTimestampCommand
	}
	h.dumper = NewDumper(opts, h.runner, h.disc, nil)
	h.dumper.SetOutput(h.out)
	h.dumper.SetInspector(nil)
	h.dumper.SetOpener(func(context.Context, *attach.Connector) (Client, error) {
		h.opened++
		return h.client, nil
	})
	h.dumper.now = steppingClock(time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC), 2*time.Second)
	return h
}

func TestDump_Success(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.dumper.Dump(context.Background(), h.params)
	require.NoError(t, err)

	want := h.params.Dir + "heapdump_pid-4242_date-101526-093000-UTC.hprof"
	assert.Equal(t, want, res.File)
	assert.Equal(t, 4242, res.PID)
	assert.Equal(t, int64(2048), res.Bytes)
	assert.Equal(t, 2*time.Second, res.Duration)
	assert.Equal(t, "service:jmx:rmi://x", res.JMXServiceURL)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, []string{want}, h.client.files)
	assert.Equal(t, []bool{false}, h.client.live)
	assert.Equal(t, 1, h.client.closed)
	assert.Equal(t, "successfully wrote heap dump to "+want+" in 2 seconds\n", h.out.String())
	assert.Equal(t, []string{DefaultTimestampCommand, "chmod 644 " + sysexec.Quote(want)}, h.runner.Commands())
}

func TestDump_LiveOnlyAndFileMode(t *testing.T) {
	h := newHarness(t, Options{LiveOnly: true, FileMode: "600"})
	res, err := h.dumper.Dump(context.Background(), h.params)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, h.client.live)
	assert.Contains(t, h.runner.Commands(), "chmod 600 "+sysexec.Quote(res.File))
}

func TestDump_AttachFailureNeverDumps(t *testing.T) {
	h := newHarness(t, Options{})
	h.disc.err = attach.ErrNoListener

	_, err := h.dumper.Dump(context.Background(), h.params)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.ErrorIs(t, err, attach.ErrNoListener)
	assert.Contains(t, err.Error(), "could not establish JMX connection")
	assert.Zero(t, h.opened)
	assert.Empty(t, h.client.files)
	assert.Empty(t, h.out.String())
	assert.Len(t, h.runner.Commands(), 1, "only the timestamp command runs")
}

func TestDump_OpenFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.dumper.SetOpener(func(context.Context, *attach.Connector) (Client, error) {
		return nil, errors.New("socket vanished")
	})
	_, err := h.dumper.Dump(context.Background(), h.params)
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.Empty(t, h.client.files)
}

func TestDump_TargetNotRunning(t *testing.T) {
	h := newHarness(t, Options{})
	h.dumper.SetInspector(func(_ context.Context, pid int) (*target.Info, error) {
		return nil, target.ErrNotRunning
	})

	_, err := h.dumper.Dump(context.Background(), h.params)
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.ErrorIs(t, err, target.ErrNotRunning)
	assert.Zero(t, h.disc.calls)
}

func TestDump_InspectWarningsDoNotStopTheRun(t *testing.T) {
	h := newHarness(t, Options{})
	h.dumper.SetInspector(func(_ context.Context, pid int) (*target.Info, error) {
		return &target.Info{PID: pid, Name: "python3", UIDs: []int{os.Geteuid() + 1}}, nil
	})
	_, err := h.dumper.Dump(context.Background(), h.params)
	require.NoError(t, err)
	assert.Equal(t, 1, h.disc.calls)
}

func TestDump_TimestampFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.runner.tsErr = &sysexec.ExitError{Command: "date", Code: 1, Stderr: "bad format"}

	_, err := h.dumper.Dump(context.Background(), h.params)
	var ee *sysexec.ExitError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Zero(t, h.disc.calls)
}

func TestDump_UnconfirmedDumpIsFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.client.err = &diag.DumpError{File: "x", Output: "Dump failed"}

	_, err := h.dumper.Dump(context.Background(), h.params)
	var de *diag.DumpError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, 1, h.client.closed)
	assert.Empty(t, h.out.String())
	for _, c := range h.runner.Commands() {
		assert.False(t, strings.HasPrefix(c, "chmod"), "chmod must not run after a failed dump")
	}
}

func TestDump_ChmodFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.runner.chmodErr = &sysexec.ExitError{Command: "chmod", Code: 1, Stderr: "Operation not permitted"}

	_, err := h.dumper.Dump(context.Background(), h.params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Operation not permitted")
	assert.Contains(t, h.out.String(), "successfully wrote heap dump")
}

func TestDump_LockHeldByAnotherRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock semantics differ on windows")
	}
	h := newHarness(t, Options{Lock: true})
	other := flock.New(lockPath(h.params.Dir, h.params.RawPID))
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = other.Close() }()

	_, err = h.dumper.Dump(context.Background(), h.params)
	assert.ErrorIs(t, err, ErrDumpInProgress)
	assert.Zero(t, h.disc.calls)

	require.NoError(t, other.Unlock())
	_, err = h.dumper.Dump(context.Background(), h.params)
	require.NoError(t, err)
}

func TestDump_RecordsHistory(t *testing.T) {
	h := newHarness(t, Options{})
	sink := &memorySink{}
	h.dumper.SetHistorySinks(sink)

	res, err := h.dumper.Dump(context.Background(), h.params)
	require.NoError(t, err)

	h.disc.err = errors.New("connection refused")
	_, err = h.dumper.Dump(context.Background(), h.params)
	require.Error(t, err)

	require.Len(t, sink.events, 2)
	ok := sink.events[0]
	assert.Equal(t, history.EventDumpSucceeded, ok.Type)
	assert.Equal(t, res.RunID, ok.Record.RunID)
	assert.Equal(t, int64(2048), ok.Record.Bytes)
	assert.Equal(t, int64(2000), ok.Record.DurationMS)
	assert.Empty(t, ok.Record.Error)

	failed := sink.events[1]
	assert.Equal(t, history.EventDumpFailed, failed.Type)
	assert.NotEqual(t, res.RunID, failed.Record.RunID)
	assert.Contains(t, failed.Record.Error, "could not establish JMX connection")
}

func TestTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	ts, err := Timestamp(context.Background(), &fakeRunner{}, "", now)
	require.NoError(t, err)
	assert.Equal(t, "010226-030405-UTC", ts)

	ts, err = Timestamp(context.Background(), &fakeRunner{ts: "\"101526-093000-UTC\"\n"}, "date", now)
	require.NoError(t, err)
	assert.Equal(t, "101526-093000-UTC", ts)

	_, err = Timestamp(context.Background(), &fakeRunner{ts: "  "}, "date", now)
	require.Error(t, err)
}

func TestFilePath(t *testing.T) {
	assert.Equal(t, "/dumps/heapdump_pid-77_date-x.hprof", FilePath("/dumps/", "77", "x"))
}

func TestDump_EndToEndWithShellAndFakeJVM(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell and UNIX sockets")
	}
	jvm := attachtest.NewJVM(t.TempDir())
	l := attachtest.Start(t, "", 31337, jvm.Handle)

	dir := params.NormalizeDir(t.TempDir())
	p, err := params.Parse([]string{"-dir=" + dir, "-pid=31337"})
	require.NoError(t, err)

	disc := attach.NewDiscoverer(attach.Config{ProcRoot: filepath.Join(t.TempDir(), "proc"), TempDir: l.Dir}, true, nil)
	out := &bytes.Buffer{}
	d := NewDumper(Options{TimestampCommand: DefaultTimestampCommand, Lock: true}, sysexec.NewRunner(nil), disc, nil)
	d.SetOutput(out)
	d.SetInspector(nil)

	res, err := d.Dump(context.Background(), p)
	require.NoError(t, err)

	name := filepath.Base(res.File)
	m := regexp.MustCompile(`^heapdump_pid-31337_date-(.+)\.hprof$`).FindStringSubmatch(name)
	require.NotNil(t, m, "unexpected file name %s", name)
	assert.Regexp(t, `^\d{6}-\d{6}-\S+$`, m[1])
	assert.Equal(t, jvm.ConnectorURL, res.JMXServiceURL)

	info, err := os.Stat(res.File)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	assert.Regexp(t, `^successfully wrote heap dump to .+ in \d+ seconds\n$`, out.String())
}

func TestDump_RelativeDirIsSentAbsolute(t *testing.T) {
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(oldWd) })
	require.NoError(t, os.Mkdir("dumps", 0o755))
	cwd, err := os.Getwd()
	require.NoError(t, err)

	h := newHarness(t, Options{})
	h.params, err = params.Parse([]string{"-dir=dumps", "-pid=4242"})
	require.NoError(t, err)

	res, err := h.dumper.Dump(context.Background(), h.params)
	require.NoError(t, err)

	want := filepath.Join(cwd, "dumps", "heapdump_pid-4242_date-101526-093000-UTC.hprof")
	assert.Equal(t, want, res.File)
	assert.Equal(t, []string{want}, h.client.files)
	assert.Contains(t, h.runner.Commands(), "chmod 644 "+sysexec.Quote(want))
}
