package heapdumper

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	dir := t.TempDir()
	p, err := ParseArgs([]string{"-dir=" + dir, "-pid=42"})
	require.NoError(t, err)
	assert.Equal(t, 42, p.PID)
	assert.Equal(t, "42", p.RawPID)
	assert.Equal(t, dir+string(filepath.Separator), p.Dir)

	_, err = ParseArgs([]string{"-pid=42"})
	assert.True(t, errors.Is(err, ErrInvalidParams))
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "644", c.Dump.FileMode)
}

func TestNewDumper_NoTargetFailsWithNoConnection(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("attach mechanism is linux only")
	}
	c, err := LoadConfig("")
	require.NoError(t, err)
	c.Dump.Lock = false
	c.Attach.ProcRoot = t.TempDir()

	d, err := NewDumper(c, nil)
	require.NoError(t, err)
	var out bytes.Buffer
	d.SetOutput(&out)

	p, err := ParseArgs([]string{"-dir=" + t.TempDir(), "-pid=2147483000"})
	require.NoError(t, err)
	_, err = d.Dump(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.Empty(t, out.String())
}

func TestNewHistorySink(t *testing.T) {
	s, err := NewHistorySink(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NotNil(t, s)
	if c, ok := s.(interface{ Close() error }); ok {
		assert.NoError(t, c.Close())
	}
}
