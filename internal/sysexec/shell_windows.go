//go:build windows

package sysexec

import (
	"context"
	"os/exec"
	"strings"
)

// shellCommand runs script through cmd.exe.
func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", script)
}

// Quote wraps s in double quotes for cmd.exe.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
