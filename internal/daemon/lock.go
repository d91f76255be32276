// Package daemon wires every Descartes component into one ordered
// startup/shutdown sequence, enforces the single-writer lock that
// keeps two daemons from sharing a workspace, and adapts the
// independently-testable engines (store, eventbus, lease, runtime,
// workflow, loopengine, rpc) to each other's narrow interfaces.
package daemon

import (
	"fmt"
	"os"
	"syscall"

	"github.com/descartes-run/descartes/internal/errkind"
)

// Lock is a single-writer advisory lock backed by flock(2) on a file
// under the workspace's .descartes directory, grounded on the
// exclusive-open-then-flock discipline the original implementation
// used to guarantee one live daemon per workspace.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if needed) the lock file at path and takes an
// exclusive, non-blocking flock. A second daemon pointed at the same
// workspace fails here instead of corrupting state underneath the
// first.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errkind.New(errkind.IO, "daemon.Acquire", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errkind.New(errkind.Conflict, "daemon.Acquire", fmt.Errorf("another daemon already holds %s: %w", path, err))
	}
	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{f: f}, nil
}

// Release drops the flock and closes the file. It does not remove the
// lock file, so a stale PID is visible for diagnostics between runs.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
