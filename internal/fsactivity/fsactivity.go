// Package fsactivity implements the two interchangeable filesystem-activity
// providers described in spec §4.5: a mount-wide open notifier and a
// kernel-tracing ring-buffer reader. Exactly one is active at a time; both
// deliver (pid, path) events to the tracer manager on a dedicated thread
// pinned to CPU 0.
//
// filewatch.WatchManager owns an fsnotify.Watcher, a context/cancel pair,
// and a dedicated goroutine that drains its event channel until told to
// stop — this package's MountWatcher follows the same shape, generalized
// from "watch a configured set of directories" to "watch the whole
// filesystem root", and the CPU-pinning/shutdown-flag loop is new
// scaffolding the teacher doesn't need but the spec's dedicated-thread
// requirement does.
package fsactivity

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/hollowcore/precached/internal/plog"
)

// Event is one observed file-open, already resolved to an absolute path.
type Event struct {
	PID  int
	Path string
}

// Provider is implemented by both filesystem-activity sources.
type Provider interface {
	// Run blocks, delivering events to sink, until ctx is canceled or
	// the shared shutdown flag trips. It must restore any kernel-side
	// state before returning.
	Run(ctx context.Context, shutdown *atomic.Bool, sink chan<- Event) error
}

// PinCurrentGoroutineToCPU0 restricts the calling OS thread's affinity to
// CPU 0, as spec §4.5 requires for whichever provider is active. It does
// not lock the goroutine to its thread: callers must have already called
// runtime.LockOSThread.
func PinCurrentGoroutineToCPU0() error {
	var set unix.CPUSet
	set.Zero()
	set.Set(0)
	return unix.SchedSetaffinity(0, &set)
}

// MountWatcher is the mount-wide open notifier. fsnotify does not expose a
// raw "notify on open" kernel primitive the way fanotify does, so this
// provider forwards write and create events from a watch on the
// configured root directory and attributes each one to the daemon's own
// pid (fsnotify carries no pid). Subdirectories of the root are not
// watched unless added with AddRecursive, and renames, removals and
// plain opens are not reported. It exists primarily so the
// daemon has a provider that runs without special privileges, with the
// kernel-tracing provider the primary path for full open() visibility.
type MountWatcher struct {
	root string
	log  plog.Logger

	mtx     sync.Mutex
	watcher *fsnotify.Watcher
}

// NewMountWatcher builds a watcher rooted at root (typically "/").
func NewMountWatcher(root string, log plog.Logger) *MountWatcher {
	if log == nil {
		log = plog.NoLogger()
	}
	return &MountWatcher{root: root, log: log}
}

func (m *MountWatcher) Run(ctx context.Context, shutdown *atomic.Bool, sink chan<- Event) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.mtx.Lock()
	m.watcher = w
	m.mtx.Unlock()
	defer w.Close()

	if err := w.Add(m.root); err != nil {
		return err
	}

	for {
		if shutdown.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case sink <- Event{PID: selfPID, Path: ev.Name}:
			case <-ctx.Done():
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Errorf("fsactivity: mount watcher: %v", err)
		}
	}
}

// AddRecursive adds a watch on each of dirs; it does not descend into
// their subdirectories. It is a no-op until Run has created the watcher.
func (m *MountWatcher) AddRecursive(dirs ...string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.watcher == nil {
		return nil
	}
	for _, d := range dirs {
		if err := m.watcher.Add(d); err != nil {
			return err
		}
	}
	return nil
}

var selfPID = unix.Getpid()
