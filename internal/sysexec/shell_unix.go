//go:build !windows

package sysexec

import (
	"context"
	"os/exec"
	"strings"
)

// shellCommand runs script through the POSIX shell.
func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}

// Quote wraps s in single quotes so the shell passes it through verbatim.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
