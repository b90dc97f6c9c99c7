// Package target inspects the process a heap dump is requested for.
package target

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning means no process with the requested pid exists.
var ErrNotRunning = errors.New("process is not running")

// Info is a best-effort snapshot of the target. Fields that could not be
// read are left empty.
type Info struct {
	PID        int
	Name       string
	Exe        string
	Cwd        string
	Username   string
	UIDs       []int
	CreateTime time.Time
	Cmdline    []string
	RSS        uint64
}

// Inspect looks up pid. Only a missing process is an error; everything else
// is collected on a best-effort basis.
func Inspect(ctx context.Context, pid int) (*Info, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
		}
		return nil, fmt.Errorf("inspect pid %d: %w", pid, err)
	}

	info := &Info{PID: pid}
	info.Name, _ = p.NameWithContext(ctx)
	info.Exe, _ = p.ExeWithContext(ctx)
	info.Cwd, _ = p.CwdWithContext(ctx)
	info.Username, _ = p.UsernameWithContext(ctx)
	if uids, err := p.UidsWithContext(ctx); err == nil {
		for _, u := range uids {
			info.UIDs = append(info.UIDs, int(u))
		}
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		info.CreateTime = time.UnixMilli(ms)
	}
	info.Cmdline, _ = p.CmdlineSliceWithContext(ctx)
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.RSS = mem.RSS
	}
	return info, nil
}

// EffectiveUID returns the target's effective uid, or -1 when unknown.
func (i *Info) EffectiveUID() int {
	switch len(i.UIDs) {
	case 0:
		return -1
	case 1:
		return i.UIDs[0]
	default:
		return i.UIDs[1]
	}
}

// OwnedBy reports whether uid matches the target's effective uid. Unknown
// ownership is treated as a match.
func (i *Info) OwnedBy(uid int) bool {
	euid := i.EffectiveUID()
	return euid < 0 || euid == uid
}

// LooksLikeJVM guesses from the name, executable and command line whether
// the target is a Java virtual machine.
func (i *Info) LooksLikeJVM() bool {
	for _, s := range []string{i.Name, filepath.Base(i.Exe)} {
		if isJavaBinary(s) {
			return true
		}
	}
	if len(i.Cmdline) > 0 && isJavaBinary(filepath.Base(i.Cmdline[0])) {
		return true
	}
	for _, arg := range i.Cmdline {
		if arg == "-jar" || strings.HasPrefix(arg, "-Xmx") || strings.HasPrefix(arg, "-XX:") {
			return true
		}
	}
	return false
}

func isJavaBinary(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".exe")
	return name == "java" || name == "javaw"
}
