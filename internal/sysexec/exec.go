package sysexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"
)

// ExitError is returned when a command ran but exited with a non-zero status.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command [%s] returned status [%d] with error msg [%s]", e.Command, e.Code, e.Stderr)
}

// Runner executes command strings and captures their output.
type Runner struct {
	logger    *slog.Logger
	waitDelay time.Duration
}

// DefaultWaitDelay is how long Run keeps reading output after the command
// exited or its context was cancelled.
const DefaultWaitDelay = 5 * time.Second

// NewRunner creates a Runner. A nil logger falls back to slog.Default().
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, waitDelay: DefaultWaitDelay}
}

// Run executes command and returns its standard output with trailing
// whitespace removed. Standard output and standard error are drained
// concurrently so a chatty child never blocks on a full pipe.
func (r *Runner) Run(ctx context.Context, command string) (string, error) {
	cmd := buildShellAwareCommand(ctx, command)
	// Bounds how long Wait waits for output after the child exits or ctx is
	// done; a backgrounded descendant may hold the pipes open indefinitely.
	cmd.WaitDelay = r.waitDelay

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout, cmd.Stderr = outW, errW

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %q: %w", command, err)
	}

	var outBuf, errBuf strings.Builder
	var waitErr error
	var g errgroup.Group
	g.Go(func() error { return drain(outR, &outBuf) })
	g.Go(func() error { return drain(errR, &errBuf) })
	g.Go(func() error {
		waitErr = cmd.Wait()
		_ = outW.Close()
		_ = errW.Close()
		return nil
	})
	drainErr := g.Wait()

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		r.logger.Warn("command left output pipes open after exiting", "command", command, "wait_delay", r.waitDelay)
		waitErr = nil
	}
	r.logger.Debug("command finished", "command", command, "duration", time.Since(started), "err", waitErr)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("run %q: %w", command, ctxErr)
	}
	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			return "", &ExitError{Command: command, Code: ee.ExitCode(), Stderr: trimTrailing(errBuf.String())}
		}
		return "", fmt.Errorf("run %q: %w", command, waitErr)
	}
	if drainErr != nil {
		return "", fmt.Errorf("read output of %q: %w", command, drainErr)
	}
	return trimTrailing(outBuf.String()), nil
}

// buildShellAwareCommand avoids invoking a shell unless the command contains
// shell metacharacters.
func buildShellAwareCommand(ctx context.Context, command string) *exec.Cmd {
	command = strings.TrimSpace(command)
	if strings.ContainsAny(command, "|&;<>*?`$\"'(){}[]~%\\") {
		return shellCommand(ctx, command)
	}
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return shellCommand(ctx, command)
	}
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// drain copies r into sb line by line until EOF, keeping line breaks. On a
// read error the pipe is closed so the writing side does not block.
func drain(r *io.PipeReader, sb *strings.Builder) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		sb.WriteString(line)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_ = r.CloseWithError(err)
			return err
		}
	}
}

func trimTrailing(s string) string {
	return strings.TrimRightFunc(s, unicode.IsSpace)
}
