package heapdump

import (
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"
)

// lockPath is the per-target lock file inside the output directory.
func lockPath(dir, pid string) string {
	return dir + ".heapdump_pid-" + pid + ".lock"
}

// acquireLock takes an exclusive, non-blocking lock. A lock held by another
// run yields ErrDumpInProgress.
func acquireLock(path string) (*flock.Flock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		_ = fl.Close()
		return nil, fmt.Errorf("%w: %s is locked", ErrDumpInProgress, path)
	}
	return fl, nil
}

// releaseLock leaves the lock file on disk; removing it could invalidate a
// lock another run acquired in between.
func releaseLock(logger *slog.Logger, fl *flock.Flock) {
	if fl == nil {
		return
	}
	if err := fl.Close(); err != nil {
		logger.Debug("failed to release lock", "path", fl.Path(), "err", err)
	}
}
