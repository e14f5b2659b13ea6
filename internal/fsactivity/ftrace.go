package fsactivity

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hollowcore/precached/internal/plog"
)

// tracefs control-file I/O is bespoke text plumbing with no third-party
// wrapper in the pack; golang.org/x/sys/unix only covers the CPU-pinning
// half of this provider (see PinCurrentGoroutineToCPU0), so the tracefs
// setup/teardown/parsing below is plain stdlib file I/O.
const defaultTracefsRoot = "/sys/kernel/tracing"

// KernelTracer is the kernel-tracing ring-buffer provider: a private
// tracing instance filtered to the open-family syscalls, read from the
// instance's trace_pipe.
type KernelTracer struct {
	tracefsRoot string
	instance    string
	denylist    map[string]bool // comm names to filter out, e.g. the daemon's own and journald's
	log         plog.Logger
}

// NewKernelTracer builds a tracer using instance as its private tracing
// instance name under tracefs. denylistComm excludes events whose comm
// matches, preventing feedback from the daemon logging its own activity.
func NewKernelTracer(instance string, denylistComm []string, log plog.Logger) *KernelTracer {
	if log == nil {
		log = plog.NoLogger()
	}
	deny := make(map[string]bool, len(denylistComm))
	for _, c := range denylistComm {
		deny[c] = true
	}
	return &KernelTracer{
		tracefsRoot: defaultTracefsRoot,
		instance:    instance,
		denylist:    deny,
		log:         log,
	}
}

func (k *KernelTracer) instanceDir() string {
	return filepath.Join(k.tracefsRoot, "instances", k.instance)
}

// setup enables the open-family syscall tracepoints on a private
// instance, per spec §4.5: "writing into a debug/trace control
// filesystem".
func (k *KernelTracer) setup() error {
	dir := k.instanceDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("fsactivity: create tracing instance: %w", err)
	}
	events := []string{"syscalls/sys_enter_open", "syscalls/sys_enter_openat"}
	for _, ev := range events {
		enablePath := filepath.Join(dir, "events", ev, "enable")
		if err := os.WriteFile(enablePath, []byte("1"), 0644); err != nil {
			return fmt.Errorf("fsactivity: enable %s: %w", ev, err)
		}
	}
	return os.WriteFile(filepath.Join(dir, "tracing_on"), []byte("1"), 0644)
}

// teardown disables tracing and removes the private instance, restoring
// kernel state on shutdown (spec §4.5).
func (k *KernelTracer) teardown() error {
	dir := k.instanceDir()
	_ = os.WriteFile(filepath.Join(dir, "tracing_on"), []byte("0"), 0644)
	return os.Remove(dir)
}

// Run enables tracing, reads the trace pipe until shutdown, then tears
// down. A setup failure is returned to the caller, which per spec §4.5
// retries the whole setup in a supervising loop rather than treating it
// as fatal.
func (k *KernelTracer) Run(ctx context.Context, shutdown *atomic.Bool, sink chan<- Event) error {
	if err := k.setup(); err != nil {
		return err
	}
	defer func() {
		if err := k.teardown(); err != nil {
			k.log.Errorf("fsactivity: teardown: %v", err)
		}
	}()

	pipePath := filepath.Join(k.instanceDir(), "trace_pipe")
	f, err := os.Open(pipePath)
	if err != nil {
		return fmt.Errorf("fsactivity: open trace pipe: %w", err)
	}
	defer f.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		f.Close()
		close(done)
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if shutdown.Load() {
			return nil
		}
		pid, comm, path, ok := parseTraceLine(scanner.Text())
		if !ok || k.denylist[comm] {
			continue
		}
		select {
		case sink <- Event{PID: pid, Path: path}:
		case <-ctx.Done():
			return nil
		}
	}
	select {
	case <-done:
	default:
	}
	return nil
}

// parseTraceLine extracts (pid, comm, path) from one trace_pipe line.
// The kernel's human-readable format looks like:
//
//	  Comm-PID   [000] ...  TIMESTAMP: sys_enter_openat: filename: "/path"
//
// Real deployments would resolve the pathname pointer via the format's
// printed argument; this parser expects the filename already rendered as
// a quoted string, which is what the kernel produces when the tracepoint
// format includes %s on a __string field (as sys_enter_open{,at} do).
func parseTraceLine(line string) (pid int, comm string, path string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return 0, "", "", false
	}
	head, rest, found := strings.Cut(line, ":")
	if !found {
		return 0, "", "", false
	}
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return 0, "", "", false
	}
	commPID := fields[0]
	dash := strings.LastIndex(commPID, "-")
	if dash < 0 {
		return 0, "", "", false
	}
	comm = commPID[:dash]
	pid, err := strconv.Atoi(commPID[dash+1:])
	if err != nil {
		return 0, "", "", false
	}

	q1 := strings.Index(rest, `"`)
	if q1 < 0 {
		return 0, "", "", false
	}
	q2 := strings.Index(rest[q1+1:], `"`)
	if q2 < 0 {
		return 0, "", "", false
	}
	path = rest[q1+1 : q1+1+q2]
	if path == "" {
		return 0, "", "", false
	}
	return pid, comm, path, true
}
