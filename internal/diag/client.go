// Package diag invokes HotSpot diagnostic operations over an established
// management connection.
package diag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loykin/heapdumper/internal/attach"
)

const createdMarker = "Heap dump file created"

// ErrClosed is returned by a Client after Close.
var ErrClosed = errors.New("diagnostic client is closed")

// DumpError means the JVM answered but did not confirm that the file was
// written.
type DumpError struct {
	File   string
	Output string
}

func (e *DumpError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("heap dump to %s was not confirmed", e.File)
	}
	return fmt.Sprintf("heap dump to %s was not confirmed: %s", e.File, out)
}

// Client is a management connection to one JVM.
type Client struct {
	conn   *attach.Connector
	closed bool
}

// Open connects to the JVM described by c.
func Open(ctx context.Context, c *attach.Connector) (*Client, error) {
	if c == nil || c.Address == "" {
		return nil, errors.New("diag: connector has no address")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(c.Address)
	if err != nil {
		return nil, fmt.Errorf("diag: open %s: %w", c.Address, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return nil, fmt.Errorf("diag: %s is not a socket", c.Address)
	}
	return &Client{conn: c}, nil
}

// DumpHeap writes an HPROF heap dump of the target to file. With live set
// only reachable objects are dumped.
func (c *Client) DumpHeap(ctx context.Context, file string, live bool) error {
	if c.closed {
		return ErrClosed
	}
	mode := "-all"
	if live {
		mode = "-live"
	}
	out, err := attach.Exec(ctx, c.conn.Address, "dumpheap", file, mode)
	if err != nil {
		return fmt.Errorf("dumpheap: %w", err)
	}
	if !strings.Contains(out, createdMarker) {
		return &DumpError{File: file, Output: out}
	}
	return nil
}

// Close releases the connection. Calling it twice is harmless.
func (c *Client) Close() error {
	c.closed = true
	return nil
}
