package proctracker

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnExecReadsLiveProcess(t *testing.T) {
	tr := New(nil)
	rec, ok := tr.OnExec(os.Getpid())
	require.True(t, ok)
	assert.NotEmpty(t, rec.ExePath)
	assert.Equal(t, os.Getpid(), rec.PID)

	got, found := tr.Lookup(os.Getpid())
	require.True(t, found)
	assert.Equal(t, rec.ExePath, got.ExePath)
}

func TestOnExecVanishedProcessIsSkippedNotFatal(t *testing.T) {
	tr := New(nil)
	_, ok := tr.OnExec(-1) // no such pid, /proc/-1/exe never exists
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())
}

func TestOnExitMarksDeadAndPruneRemoves(t *testing.T) {
	tr := New(nil)
	tr.OnExec(os.Getpid())
	tr.OnExit(os.Getpid())

	rec, ok := tr.Lookup(os.Getpid())
	require.True(t, ok)
	assert.True(t, rec.IsDead)

	n := tr.PruneZombies()
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, tr.Len())
}

const sampleMountInfo = `36 35 98:0 / / rw,relatime master:1 - ext4 /dev/sda1 rw
37 36 0:31 / /proc rw,nosuid,nodev - proc proc rw
38 36 0:5 / /overlay/merged rw,relatime master:2 - overlay overlay rw,lowerdir=/a,upperdir=/b,workdir=/c
`

func TestParseMountInfo(t *testing.T) {
	mounts, err := ParseMountInfo(strings.NewReader(sampleMountInfo))
	require.NoError(t, err)
	require.Len(t, mounts, 3)
	assert.Equal(t, "/", mounts[0].Dest)
	assert.Equal(t, "/dev/sda1", mounts[0].Source)
	assert.Equal(t, "/overlay/merged", mounts[2].Dest)
	assert.Equal(t, "overlay", mounts[2].Source)
}

func TestResolveSourcePathLongestPrefixWins(t *testing.T) {
	mounts := []MountEntry{
		{Dest: "/", Source: "/dev/sda1"},
		{Dest: "/overlay/merged", Source: "/mnt/container-root"},
	}
	got, ok := ResolveSourcePath(mounts, "/overlay/merged/usr/bin/app")
	require.True(t, ok)
	assert.Equal(t, "/mnt/container-root/usr/bin/app", got)
}

func TestResolveSourcePathFallsBackToRoot(t *testing.T) {
	mounts := []MountEntry{
		{Dest: "/", Source: "/dev/sda1"},
		{Dest: "/overlay/merged", Source: "/mnt/container-root"},
	}
	got, ok := ResolveSourcePath(mounts, "/usr/bin/app")
	require.True(t, ok)
	assert.Equal(t, "/dev/sda1/usr/bin/app", got)
}

func TestResolveSourcePathNoMatch(t *testing.T) {
	_, ok := ResolveSourcePath(nil, "/usr/bin/app")
	assert.False(t, ok)
}
