package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLockFile(t *testing.T, dir, name string) *os.File {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("lock"), 0o644))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFlockExclusiveBlockingAndUnlock(t *testing.T) {
	f := openLockFile(t, t.TempDir(), "manifest.lock")
	require.NoError(t, FlockExclusiveBlocking(f))
	assert.NoError(t, FlockUnlock(f))
}

func TestFlockExclusiveNonBlockingSucceedsOnUnlockedFile(t *testing.T) {
	f := openLockFile(t, t.TempDir(), "manifest.lock")
	require.NoError(t, FlockExclusiveNonBlocking(f))
	assert.NoError(t, FlockUnlock(f))
}

func TestFlockExclusiveNonBlockingFailsWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	f1 := openLockFile(t, dir, "manifest.lock")
	require.NoError(t, FlockExclusiveBlocking(f1))
	defer FlockUnlock(f1)

	path := filepath.Join(dir, "manifest.lock")
	f2, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f2.Close()

	err = FlockExclusiveNonBlocking(f2)
	assert.True(t, IsLocked(err), "expected IsLocked(err) to be true, got %v", err)
}
