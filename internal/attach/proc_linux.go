//go:build linux

package attach

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
)

// openProc looks pid up under procRoot.
func openProc(procRoot string, pid int) (procfs.Proc, bool) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return procfs.Proc{}, false
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return procfs.Proc{}, false
	}
	return p, true
}

// namespacePID returns the pid of the target inside its innermost pid
// namespace, the last NSpid entry of its status file.
func namespacePID(procRoot string, pid int) int {
	p, ok := openProc(procRoot, pid)
	if !ok {
		return pid
	}
	st, err := p.NewStatus()
	if err != nil || len(st.NSpids) == 0 {
		return pid
	}
	return int(st.NSpids[len(st.NSpids)-1])
}

// procLink is /proc/<pid>/<name>. Paths are opened through the link itself:
// its readlink value is only meaningful inside the target's mount namespace.
func procLink(procRoot string, pid int, name string) string {
	return filepath.Join(procRoot, strconv.Itoa(pid), name)
}

// targetRoot is the target's filesystem root as seen from this process, or
// empty when the root link cannot be read.
func targetRoot(procRoot string, pid int) string {
	p, ok := openProc(procRoot, pid)
	if !ok {
		return ""
	}
	if _, err := p.RootDir(); err != nil {
		return ""
	}
	return procLink(procRoot, pid, "root")
}

// targetTempDir resolves the target's /tmp, which differs from ours when the
// JVM runs in another mount namespace.
func targetTempDir(procRoot string, pid int) string {
	if root := targetRoot(procRoot, pid); root != "" {
		tmp := filepath.Join(root, "tmp")
		if info, err := os.Stat(tmp); err == nil && info.IsDir() {
			return tmp
		}
	}
	return "/tmp"
}

// triggerDirs lists where HotSpot looks for .attach_pid, in order.
func triggerDirs(procRoot string, pid int, tmp string) []string {
	if p, ok := openProc(procRoot, pid); ok {
		if _, err := p.Cwd(); err == nil {
			return []string{procLink(procRoot, pid, "cwd"), tmp}
		}
	}
	return []string{tmp}
}
