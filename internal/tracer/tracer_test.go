package tracer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowcore/precached/internal/blacklist"
	"github.com/hollowcore/precached/internal/eventbus"
	"github.com/hollowcore/precached/internal/histogram"
	"github.com/hollowcore/precached/internal/tracestore"
)

type fakeProcs struct {
	exe, cmdline string
	ok           bool
}

func (f fakeProcs) Lookup(pid int) (string, string, bool) { return f.exe, f.cmdline, f.ok }

func newTestManager(t *testing.T, procs ProcessSource) (*Manager, *tracestore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := tracestore.Open(dir, nil)
	require.NoError(t, err)
	m := New(Config{
		Procs:     procs,
		Store:     store,
		Histogram: histogram.New(),
		Bus:       eventbus.New(),
		Window:    50 * time.Millisecond,
		MinLen:    1,
		MinSize:   0,
		Retention: time.Hour,
	})
	return m, store
}

func TestOnExecAdmitsAndOnFileOpenAppends(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(exe, []byte("binary"), 0755))

	m, _ := newTestManager(t, fakeProcs{exe: exe, cmdline: "prog --flag", ok: true})
	now := time.Now()
	m.OnExec(42, now)
	assert.Equal(t, 1, m.Len())

	other := filepath.Join(t.TempDir(), "lib.so")
	require.NoError(t, os.WriteFile(other, []byte("lib"), 0644))
	m.OnFileOpen(42, other, now.Add(time.Millisecond))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].EntryCount) // synthetic exe open + the lib open
}

func TestAdmissionSkipsBlacklistedProgram(t *testing.T) {
	exe := "/usr/bin/blocked"
	m, _ := newTestManager(t, fakeProcs{exe: exe, cmdline: "blocked", ok: true})
	m.programBlacklist = blacklist.Compile([]string{"/usr/bin/blocked"})
	m.OnExec(1, time.Now())
	assert.Equal(t, 0, m.Len())
}

func TestOnFileOpenMissedStartAdmitsLazily(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(exe, []byte("binary"), 0755))

	m, _ := newTestManager(t, fakeProcs{exe: exe, cmdline: "prog", ok: true})
	now := time.Now()
	m.OnFileOpen(7, exe, now)
	assert.Equal(t, 1, m.Len())
}

func TestOnFileOpenDropsFileBlacklistMatch(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(exe, []byte("binary"), 0755))
	m, _ := newTestManager(t, fakeProcs{exe: exe, cmdline: "prog", ok: true})
	m.fileBlacklist = blacklist.Compile([]string{"/proc/**"})
	now := time.Now()
	m.OnExec(9, now)
	m.OnFileOpen(9, "/proc/9/status", now)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].EntryCount) // only the synthetic exe open
}

func TestExpireDuePersistsAndRemoves(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(exe, []byte("binary"), 0755))
	m, store := newTestManager(t, fakeProcs{exe: exe, cmdline: "prog", ok: true})

	start := time.Now()
	m.OnExec(3, start)
	require.Equal(t, 1, m.Len())

	m.ExpireDue(start.Add(m.window + time.Millisecond))
	assert.Equal(t, 0, m.Len())

	_, found, err := store.LookupByExeAndCmdline(exe, "prog")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestOnExitMarksAdvisoryExitedWithoutRemoving(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(exe, []byte("binary"), 0755))
	m, _ := newTestManager(t, fakeProcs{exe: exe, cmdline: "prog", ok: true})

	m.OnExec(5, time.Now())
	m.OnExit(5)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].ProcessExited)
}
