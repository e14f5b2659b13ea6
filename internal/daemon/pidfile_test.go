package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPidAndLocks(t *testing.T) {
	dir := t.TempDir()
	pf, ok, err := Acquire(dir)
	require.NoError(t, err)
	require.True(t, ok)
	defer pf.Release()

	b, err := os.ReadFile(filepath.Join(dir, "precached.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireSecondInstanceFails(t *testing.T) {
	dir := t.TempDir()
	pf, ok, err := Acquire(dir)
	require.NoError(t, err)
	require.True(t, ok)
	defer pf.Release()

	_, ok2, err := Acquire(dir)
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestReleaseRemovesPidFile(t *testing.T) {
	dir := t.TempDir()
	pf, ok, err := Acquire(dir)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, pf.Release())
	_, err = os.Stat(filepath.Join(dir, "precached.pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestReleaseNilIsNoop(t *testing.T) {
	var pf *PIDFile
	assert.NoError(t, pf.Release())
}
