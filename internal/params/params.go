package params

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	dirPrefix = "-dir="
	pidPrefix = "-pid="
)

// ErrInvalidParams is wrapped by every error returned from Parse.
var ErrInvalidParams = errors.New("invalid parameters")

// Params holds the validated command line input for a single dump.
type Params struct {
	// Dir is the absolute output directory; it always ends with a path separator.
	Dir string
	// PID is the target process id.
	PID int
	// RawPID is the pid exactly as supplied (after trimming), used in file names.
	RawPID string
}

// Parse validates a flat list of -key=value tokens. Only -dir and -pid are
// recognized; a repeated key keeps its last value.
func Parse(tokens []string) (Params, error) {
	var dir, pid string
	for _, s := range tokens {
		switch {
		case strings.HasPrefix(s, dirPrefix):
			dir = strings.TrimSpace(s[len(dirPrefix):])
		case strings.HasPrefix(s, pidPrefix):
			pid = strings.TrimSpace(s[len(pidPrefix):])
		default:
			return Params{}, invalid("unrecognized command line parameter [%s]", s)
		}
	}

	if dir == "" {
		return Params{}, invalid("must supply command line parameter to set a write directory: -dir=<path>")
	}
	// the JVM resolves relative paths against its own working directory
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Params{}, invalid("unable to resolve directory [%s]", dir)
	}
	dir = NormalizeDir(abs)
	if !CanWriteToDir(dir) {
		return Params{}, invalid("unable to write to directory [%s]", dir)
	}

	if pid == "" {
		return Params{}, invalid("must supply command line parameter to set a process id: -pid=<pid>")
	}
	n, err := strconv.ParseInt(pid, 10, 32)
	if err != nil {
		return Params{}, invalid("could not determine process id")
	}

	return Params{Dir: dir, PID: int(n), RawPID: pid}, nil
}

// NormalizeDir makes sure dir ends with the OS path separator.
func NormalizeDir(dir string) string {
	if strings.HasSuffix(dir, string(os.PathSeparator)) {
		return dir
	}
	return dir + string(os.PathSeparator)
}

// CanWriteToDir reports whether dir exists, is a directory and is writable
// by the effective user.
func CanWriteToDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	return writable(dir)
}

// Error describes a rejected parameter. It matches ErrInvalidParams.
type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

func (e *Error) Is(target error) bool { return target == ErrInvalidParams }

func invalid(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}
