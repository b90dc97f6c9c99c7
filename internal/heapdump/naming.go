package heapdump

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultTimestampCommand prints MMDDYY-HHMMSS-TZ.
	DefaultTimestampCommand = `date +"%m%d%y-%H%M%S-%Z"`
	// fallbackLayout is DefaultTimestampCommand's format as a Go layout.
	fallbackLayout = "010206-150405-MST"
)

// Timestamp runs command and returns its output with quotes and surrounding
// whitespace removed. An empty command formats now instead.
func Timestamp(ctx context.Context, r Runner, command string, now time.Time) (string, error) {
	if strings.TrimSpace(command) == "" {
		return now.Format(fallbackLayout), nil
	}
	out, err := r.Run(ctx, command)
	if err != nil {
		return "", fmt.Errorf("timestamp: %w", err)
	}
	ts := strings.TrimSpace(strings.ReplaceAll(out, `"`, ""))
	if ts == "" {
		return "", errors.New("timestamp: command produced no output")
	}
	return ts, nil
}

// FilePath builds <dir>heapdump_pid-<pid>_date-<timestamp>.hprof. dir must
// already end with a path separator.
func FilePath(dir, pid, timestamp string) string {
	return dir + "heapdump_pid-" + pid + "_date-" + timestamp + ".hprof"
}
