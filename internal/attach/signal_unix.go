//go:build unix

package attach

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func sendQuit(pid int) error {
	return unix.Kill(pid, unix.SIGQUIT)
}

// createTrigger creates the .attach_pid file. HotSpot ignores a trigger that
// is not owned by the attaching user, so one with a foreign owner is dropped.
func createTrigger(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o660)
	if err != nil {
		return err
	}
	_ = f.Close()

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && int(st.Uid) != os.Geteuid() {
		_ = os.Remove(path)
		return fmt.Errorf("%s is owned by uid %d", path, st.Uid)
	}
	return nil
}
