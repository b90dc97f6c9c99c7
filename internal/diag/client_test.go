package diag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/loykin/heapdumper/internal/attach"
	"github.com/loykin/heapdumper/internal/attach/attachtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openFake(t *testing.T, jvm *attachtest.JVM) (*attachtest.Listener, *Client) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("attach listener uses UNIX sockets")
	}
	l := attachtest.Start(t, "", 900, jvm.Handle)
	c, err := Open(context.Background(), &attach.Connector{PID: 900, Address: l.Socket})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return l, c
}

func TestDumpHeap_AllObjects(t *testing.T) {
	l, c := openFake(t, attachtest.NewJVM("/opt/jdk"))
	file := filepath.Join(t.TempDir(), "heap.hprof")

	require.NoError(t, c.DumpHeap(context.Background(), file, false))
	_, err := os.Stat(file)
	require.NoError(t, err)

	reqs := l.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "dumpheap", reqs[0].Command)
	assert.Equal(t, [3]string{file, "-all", ""}, reqs[0].Args)
}

func TestDumpHeap_LiveOnly(t *testing.T) {
	jvm := attachtest.NewJVM("/opt/jdk")
	var gotLive bool
	jvm.DumpFunc = func(file string, live bool) string {
		gotLive = live
		return "Heap dump file created\n"
	}
	_, c := openFake(t, jvm)

	require.NoError(t, c.DumpHeap(context.Background(), "/x.hprof", true))
	assert.True(t, gotLive)
}

func TestDumpHeap_UnconfirmedSuccessIsAnError(t *testing.T) {
	jvm := attachtest.NewJVM("/opt/jdk")
	jvm.DumpFunc = func(file string, _ bool) string {
		return "Dump failed: File exists\n"
	}
	_, c := openFake(t, jvm)

	err := c.DumpHeap(context.Background(), "/exists.hprof", false)
	var de *DumpError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, "/exists.hprof", de.File)
	assert.Contains(t, err.Error(), "Dump failed: File exists")
}

func TestDumpHeap_CommandError(t *testing.T) {
	jvm := attachtest.NewJVM("/opt/jdk")
	jvm.DumpCode = 1
	_, c := openFake(t, jvm)

	err := c.DumpHeap(context.Background(), "/x.hprof", false)
	var ce *attach.CommandError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, 1, ce.Code)
}

func TestClient_Closed(t *testing.T) {
	_, c := openFake(t, attachtest.NewJVM("/opt/jdk"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.DumpHeap(context.Background(), "/x.hprof", false), ErrClosed)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), nil)
	require.Error(t, err)

	_, err = Open(context.Background(), &attach.Connector{PID: 1, Address: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)

	regular := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(regular, nil, 0o600))
	_, err = Open(context.Background(), &attach.Connector{PID: 1, Address: regular})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a socket")
}
