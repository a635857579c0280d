// Package lock enforces the single-writer invariant on a job's state
// directory: exactly one process may hold the store open for writing at a
// time, so a second `start`/`resume` against the same job directory fails
// fast instead of corrupting the SQLite file underneath it.
package lock

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	pollInterval = 100 * time.Millisecond
	acquireWait  = 3 * time.Second
)

// JobLock wraps an exclusive file lock scoped to one job directory.
type JobLock struct {
	fl *flock.Flock
}

// Path returns the lock file path for a job directory, conventionally
// alongside its state database.
func Path(jobDir string) string {
	return jobDir + "/job.lock"
}

// Acquire attempts to take the exclusive lock at path within acquireWait. A
// held lock from another process returns an error identifying the job as
// already running.
func Acquire(path string) (*JobLock, error) {
	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), acquireWait)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, pollInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("job already running (lock held at %s)", path)
	}
	return &JobLock{fl: fl}, nil
}

// Release drops the exclusive lock. Safe to call once; a second call is a
// no-op error from the underlying flock, which callers may ignore.
func (l *JobLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// PIDPath returns the path of the file recording the owning process's PID,
// written alongside the lock so a separate `stop` invocation has something
// to signal.
func PIDPath(jobDir string) string {
	return jobDir + "/job.pid"
}

// WritePID records the current process's PID at path, overwriting any
// stale value left by a prior run.
func WritePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReadPID reads back a PID previously written by WritePID.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
