// Package tracer implements the tracer manager described in spec §4.4: a
// table of in-flight per-process I/O traces, admitted on exec, appended to
// as file-open notifications arrive, and expired by wall clock into the
// trace store.
//
// The single-mutex, no-I/O-under-lock discipline mirrors
// manager/process.go's processManager and internal/proctracker.Tracker —
// the table here just holds accumulating trace_log entries instead of
// static process fields.
package tracer

import (
	"os"
	"sync"
	"time"

	"github.com/hollowcore/precached/internal/blacklist"
	"github.com/hollowcore/precached/internal/eventbus"
	"github.com/hollowcore/precached/internal/histogram"
	"github.com/hollowcore/precached/internal/iotrace"
	"github.com/hollowcore/precached/internal/plog"
	"github.com/hollowcore/precached/internal/tracestore"
)

// ProcessSource resolves a pid to its executable path and command line,
// satisfied by internal/proctracker.Tracker.
type ProcessSource interface {
	Lookup(pid int) (exe, cmdline string, ok bool)
}

// Manager owns the in-flight tracer table.
type Manager struct {
	mtx     sync.Mutex
	entries map[int]*entry

	procs            ProcessSource
	store            *tracestore.Store
	hist             *histogram.Histogram
	bus              *eventbus.Bus
	log              plog.Logger
	programBlacklist *blacklist.Set
	fileBlacklist    *blacklist.Set
	window           time.Duration
	minLen           int
	minSize          int64
	retention        time.Duration
}

type entry struct {
	log           *iotrace.Log
	startTime     time.Time
	processExited bool
}

// Config bundles Manager's construction parameters.
type Config struct {
	Procs            ProcessSource
	Store            *tracestore.Store
	Histogram        *histogram.Histogram
	Bus              *eventbus.Bus
	Log              plog.Logger
	ProgramBlacklist *blacklist.Set
	FileBlacklist    *blacklist.Set
	Window           time.Duration
	MinLen           int
	MinSize          int64
	Retention        time.Duration
}

// New builds an empty tracer manager.
func New(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = plog.NoLogger()
	}
	return &Manager{
		entries:          make(map[int]*entry),
		procs:            cfg.Procs,
		store:            cfg.Store,
		hist:             cfg.Histogram,
		bus:              cfg.Bus,
		log:              log,
		programBlacklist: cfg.ProgramBlacklist,
		fileBlacklist:    cfg.FileBlacklist,
		window:           cfg.Window,
		minLen:           cfg.MinLen,
		minSize:          cfg.MinSize,
		retention:        cfg.Retention,
	}
}

// OnExec runs the admission decision of spec §4.4 for a freshly exec'd pid.
func (m *Manager) OnExec(pid int, now time.Time) {
	exe, cmdline, ok := m.procs.Lookup(pid)
	if !ok {
		return
	}
	m.admit(pid, exe, cmdline, now)
	if exe != "" && cmdline != "" {
		m.hist.Increment(iotrace.Fingerprint(exe, cmdline))
	}
}

// admit decides, and if warranted creates, a fresh tracer entry for pid.
// Caller must not hold m.mtx.
func (m *Manager) admit(pid int, exe, cmdline string, now time.Time) {
	if m.programBlacklist.Match(exe) {
		return
	}
	if existing, ok, err := m.store.LookupByExeAndCmdline(exe, cmdline); err == nil && ok {
		if existing.Blacklisted {
			return
		}
		flags := existing.Compute(now, m.retention)
		if flags.Valid() && flags.Fresh() && flags.Current() {
			return
		}
	}

	fi, statErr := os.Stat(exe)
	var size int64
	if statErr == nil {
		size = fi.Size()
	}
	l := iotrace.New(exe, "", cmdline, size, now)

	m.mtx.Lock()
	m.entries[pid] = &entry{log: l, startTime: now}
	m.mtx.Unlock()
}

// OnFileOpen records one file-open notification, admitting a missed-start
// tracer if none exists yet (spec §4.4 recording step 1).
func (m *Manager) OnFileOpen(pid int, path string, now time.Time) {
	if m.fileBlacklist.Match(path) {
		return
	}

	m.mtx.Lock()
	e, ok := m.entries[pid]
	m.mtx.Unlock()
	if !ok {
		exe, cmdline, pok := m.procs.Lookup(pid)
		if !pok {
			return
		}
		m.admit(pid, exe, cmdline, now)
		m.mtx.Lock()
		e, ok = m.entries[pid]
		m.mtx.Unlock()
		if !ok {
			return
		}
	}

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}

	m.mtx.Lock()
	e.log.Append(path, size, now)
	m.mtx.Unlock()
}

// OnExit marks pid's tracer, if any, as advisory process_exited; the
// tracer still expires by the wall-clock rule (spec §4.4).
func (m *Manager) OnExit(pid int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if e, ok := m.entries[pid]; ok {
		e.processExited = true
	}
}

// ExpireDue persists and drops every tracer whose window has elapsed,
// called opportunistically after a batch of file-open notifications and
// on every Ping (spec §4.4).
func (m *Manager) ExpireDue(now time.Time) {
	m.mtx.Lock()
	var due []int
	for pid, e := range m.entries {
		if now.Sub(e.startTime) >= m.window {
			due = append(due, pid)
		}
	}
	m.mtx.Unlock()

	for _, pid := range due {
		m.expireOne(pid, now)
	}
}

func (m *Manager) expireOne(pid int, now time.Time) {
	m.mtx.Lock()
	e, ok := m.entries[pid]
	if ok {
		delete(m.entries, pid)
	}
	m.mtx.Unlock()
	if !ok {
		return
	}

	e.log.TraceStoppedAt = now
	saved, err := m.store.Save(e.log, m.minLen, m.minSize, false)
	if err != nil {
		m.log.Errorf("tracer: persist %s: %v", e.log.Hash, err)
		return
	}
	if saved && m.bus != nil {
		m.bus.Submit(eventbus.OptimizeIOTraceLog, e.log.Hash)
	}
}

// Len reports the number of in-flight tracers.
func (m *Manager) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.entries)
}

// Snapshot returns a stable copy of every in-flight tracer's summary, for
// control-socket introspection.
func (m *Manager) Snapshot() []Summary {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]Summary, 0, len(m.entries))
	for pid, e := range m.entries {
		out = append(out, Summary{
			PID:             pid,
			Hash:            e.log.Hash,
			Exe:             e.log.Exe,
			StartedAt:       e.startTime,
			EntryCount:      len(e.log.TraceLog),
			AccumulatedSize: e.log.AccumulatedSize,
			ProcessExited:   e.processExited,
		})
	}
	return out
}

// Summary is one in-flight tracer's introspectable state.
type Summary struct {
	PID             int
	Hash            string
	Exe             string
	StartedAt       time.Time
	EntryCount      int
	AccumulatedSize int64
	ProcessExited   bool
}
