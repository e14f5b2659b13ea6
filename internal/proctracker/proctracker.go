// Package proctracker implements the process tracker described in spec
// §4.2: a pid → record table fed by a raw Exec/Exit/Fork event stream,
// with mount-namespace-aware executable path resolution.
//
// The single-mutex, mutate-only-cheap-fields discipline is grounded on
// manager/process.go's processManager, which guards a subprocess's
// lifecycle state the same way; here the guarded state is a table of many
// processes instead of one supervised child.
package proctracker

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/hollowcore/precached/internal/plog"
)

// Record is one tracked process.
type Record struct {
	PID     int
	Comm    string
	ExePath string
	Cmdline string
	IsDead  bool
}

// Tracker owns the pid -> Record table.
type Tracker struct {
	mtx   sync.Mutex
	procs map[int]*Record
	log   plog.Logger
}

// New returns an empty tracker.
func New(log plog.Logger) *Tracker {
	if log == nil {
		log = plog.NoLogger()
	}
	return &Tracker{procs: make(map[int]*Record), log: log}
}

// OnExec resolves pid from procfs and records it. A process that vanishes
// mid-read is logged at debug and skipped — never fatal (spec §4.2).
func (t *Tracker) OnExec(pid int) (*Record, bool) {
	exe, err := readExe(pid)
	if err != nil {
		t.log.Debugf("proctracker: pid %d vanished before exe could be read: %v", pid, err)
		return nil, false
	}
	comm, _ := readComm(pid)
	cmdline, _ := readCmdline(pid)

	if resolved, ok := t.resolveAcrossNamespace(pid, exe); ok {
		exe = resolved
	}

	rec := &Record{PID: pid, Comm: comm, ExePath: exe, Cmdline: cmdline}
	t.mtx.Lock()
	t.procs[pid] = rec
	t.mtx.Unlock()
	return rec, true
}

// OnExit marks pid dead. The record is retained until the next prune pass
// so late-arriving file-open events can still attribute to it.
func (t *Tracker) OnExit(pid int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if r, ok := t.procs[pid]; ok {
		r.IsDead = true
	}
}

// Lookup returns the record for pid, if tracked.
func (t *Tracker) Lookup(pid int) (Record, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	r, ok := t.procs[pid]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// PruneZombies removes every dead record, returning how many were dropped.
// Called on Ping per spec §4.2.
func (t *Tracker) PruneZombies() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	n := 0
	for pid, r := range t.procs {
		if r.IsDead {
			delete(t.procs, pid)
			n++
		}
	}
	return n
}

// Len reports the number of tracked records, live or zombie.
func (t *Tracker) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.procs)
}

// resolveAcrossNamespace rewrites exe into the daemon-visible path when pid
// lives in a different mount namespace (spec §4.2's canonical-path
// requirement). Any failure to read or parse mountinfo is treated as "no
// rewrite needed" rather than an error — most processes share the daemon's
// namespace and have nothing to resolve.
func (t *Tracker) resolveAcrossNamespace(pid int, exe string) (string, bool) {
	if selfNS, err := os.Readlink("/proc/self/ns/mnt"); err == nil {
		if ns, err := os.Readlink("/proc/" + strconv.Itoa(pid) + "/ns/mnt"); err == nil && ns == selfNS {
			return "", false
		}
	}
	mounts, err := ReadMountInfo(pid)
	if err != nil {
		return "", false
	}
	return ResolveSourcePath(mounts, exe)
}

func readExe(pid int) (string, error) {
	return os.Readlink("/proc/" + strconv.Itoa(pid) + "/exe")
}

func readComm(pid int) (string, error) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readCmdline(pid int) (string, error) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return "", err
	}
	parts := strings.Split(strings.TrimRight(string(b), "\x00"), "\x00")
	return strings.Join(parts, " "), nil
}
