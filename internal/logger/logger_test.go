package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewSlogger_TextWithoutTimestamps(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := Config{Slog: SlogConfig{Level: "debug"}}.NewSlogger(&buf)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	log.Debug("attaching", "pid", 42)
	out := buf.String()
	assert.Contains(t, out, "level=DEBUG")
	assert.Contains(t, out, "msg=attaching")
	assert.Contains(t, out, "pid=42")
	assert.NotContains(t, out, "time=")
}

func TestNewSlogger_JSONWithTimestamps(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := Config{Slog: SlogConfig{Format: "json", TimeStamps: true}}.NewSlogger(&buf)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	log.Debug("hidden")
	log.Info("dumped", "file", "/d/x.hprof")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug should be filtered at info level")
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Equal(t, "dumped", m["msg"])
	assert.Equal(t, "/d/x.hprof", m["file"])
	assert.Contains(t, m, "time")
}

func TestNewSlogger_ColorKeepsColorsOnDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := Config{Slog: SlogConfig{Color: true}}.NewSlogger(&buf)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	log.With("run_id", "abc").Warn("slow attach")
	out := buf.String()
	assert.Contains(t, out, "\033[33mWARN\033[0m")
	assert.Contains(t, out, "run_id=abc")
	assert.NotContains(t, out, "time=")
}

func TestNewSlogger_UnknownFormat(t *testing.T) {
	_, _, err := Config{Slog: SlogConfig{Format: "xml"}}.NewSlogger(&bytes.Buffer{})
	require.Error(t, err)
}

func TestNewSlogger_FileDisablesColor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heapdumper.log")
	var buf bytes.Buffer
	log, closer, err := Config{
		Slog: SlogConfig{Color: true},
		File: FileConfig{Path: path},
	}.NewSlogger(&buf)
	require.NoError(t, err)

	log.Info("to both")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "msg=\"to both\"")
	assert.NotContains(t, string(b), "\033[")
	assert.Equal(t, string(b), buf.String())
}

func TestFileWriter_Defaults(t *testing.T) {
	assert.Nil(t, Config{}.FileWriter())

	w := Config{File: FileConfig{Path: "/var/log/heapdumper.log", Compress: true}}.FileWriter()
	l, ok := w.(*lj.Logger)
	require.True(t, ok, "expected lumberjack logger, got %T", w)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
	assert.True(t, l.Compress)

	w = Config{File: FileConfig{Path: "x.log", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2}}.FileWriter()
	l = w.(*lj.Logger)
	assert.Equal(t, 1, l.MaxSize)
	assert.Equal(t, 9, l.MaxBackups)
	assert.Equal(t, 2, l.MaxAge)
}

func TestColorTextHandler_LevelTag(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.Debug("probe")
	log.Log(context.Background(), slog.LevelError+2, "fatal-ish")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "\033[36mDEBUG\033[0m  "), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "\033[31mERROR+2\033[0m  "), lines[1])
	assert.NotContains(t, buf.String(), "level=")
	assert.NotContains(t, buf.String(), "time=")
}

func TestNewSlogger_ColorNeedsTerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stderr.txt"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	log, closer, err := Config{Slog: SlogConfig{Color: true}}.NewSlogger(f)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()
	log.Warn("redirected")

	b, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Contains(t, string(b), "level=WARN")
	assert.NotContains(t, string(b), "\033[")
}
