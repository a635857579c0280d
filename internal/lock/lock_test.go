package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(path)
	require.Error(t, err)
}

func TestPathAppendsLockFilename(t *testing.T) {
	require.Equal(t, "/tmp/job42/job.lock", Path("/tmp/job42"))
}
