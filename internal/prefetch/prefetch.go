// Package prefetch implements the worker pool and admission rules of the
// prefetch controller described in spec §4.6: partition a trace's entries
// across a fixed worker pool, warm each file into the mapping registry
// subject to a memory admission gate and an optional throughput limiter,
// and publish per-worker telemetry for introspection.
//
// throttle.go's ThrottleConn wraps a net.Conn's Read/Write in a
// golang.org/x/time/rate.Limiter to cap ingest throughput; this package
// borrows the same limiter for the same reason — cap bytes/sec — but
// applies it to mmap-warming reads instead of network I/O. Bounded
// fan-out across workers is grounded on the same "fixed pool, one
// goroutine per slice" shape manager/process.go uses for supervised
// subprocesses, generalized here with golang.org/x/sync/errgroup and
// semaphore.Weighted instead of a single supervised child.
package prefetch

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hollowcore/precached/internal/blacklist"
	"github.com/hollowcore/precached/internal/histogram"
	"github.com/hollowcore/precached/internal/iotrace"
	"github.com/hollowcore/precached/internal/mapping"
	"github.com/hollowcore/precached/internal/plog"
	"github.com/hollowcore/precached/internal/tracestore"
)

// StateKind is the telemetry variant a worker publishes to its slot.
type StateKind int

const (
	Uninitialized StateKind = iota
	Idle
	PrefetchedFile
	PrefetchedFileMetadata
	UnmappedFile
	Error
)

// State is one worker's current telemetry slot value.
type State struct {
	Kind StateKind
	Path string
}

// MemoryGate reports current memory pressure as a percentage used,
// satisfied by internal/mempressure's sampled readings.
type MemoryGate interface {
	PercentUsed() float64
}

// Controller runs the fixed-width warming worker pool and the
// online/offline/eviction policies layered on top of it.
type Controller struct {
	registry  *mapping.Registry
	store     *tracestore.Store
	hist      *histogram.Histogram
	log       plog.Logger
	mem       MemoryGate
	blacklist *blacklist.Set
	limiter   *rate.Limiter // nil disables throttling
	workers   int
	upperPct  float64
	lowerPct  float64
	critPct   float64

	shuttingDown atomic.Bool
	cachedMtx    sync.Mutex
	cached       map[string]bool // fingerprints already warmed

	statesMtx sync.Mutex
	states    []State
}

// Config bundles the Controller's construction parameters.
type Config struct {
	Registry  *mapping.Registry
	Store     *tracestore.Store
	Histogram *histogram.Histogram
	Log       plog.Logger
	MemGate   MemoryGate
	// Blacklist is consulted before every warm, per spec §1's "applied
	// at recording and prefetching time" — a path can become blacklisted,
	// or enter a trace via an admin import, after the trace was recorded.
	Blacklist         *blacklist.Set
	Workers           int
	RateLimitBytesSec int64 // 0 disables throttling
	UpperPct          float64
	LowerPct          float64
	CriticalPct       float64
}

// New builds a Controller from cfg.
func New(cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		log = plog.NoLogger()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	var limiter *rate.Limiter
	if cfg.RateLimitBytesSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBytesSec), int(cfg.RateLimitBytesSec))
	}
	return &Controller{
		registry:  cfg.Registry,
		store:     cfg.Store,
		hist:      cfg.Histogram,
		log:       log,
		mem:       cfg.MemGate,
		blacklist: cfg.Blacklist,
		limiter:   limiter,
		workers:   workers,
		upperPct:  cfg.UpperPct,
		lowerPct:  cfg.LowerPct,
		critPct:   cfg.CriticalPct,
		cached:    make(map[string]bool),
		states:    make([]State, workers),
	}
}

// Shutdown trips the cooperative cancellation flag every worker checks
// once per file.
func (c *Controller) Shutdown() { c.shuttingDown.Store(true) }

// States returns a snapshot of every worker's telemetry slot.
func (c *Controller) States() []State {
	c.statesMtx.Lock()
	defer c.statesMtx.Unlock()
	out := make([]State, len(c.states))
	copy(out, c.states)
	return out
}

func (c *Controller) setState(worker int, s State) {
	c.statesMtx.Lock()
	if worker >= 0 && worker < len(c.states) {
		c.states[worker] = s
	}
	c.statesMtx.Unlock()
}

func (c *Controller) isCached(fingerprint string) bool {
	c.cachedMtx.Lock()
	defer c.cachedMtx.Unlock()
	return c.cached[fingerprint]
}

func (c *Controller) markCached(fingerprint string, v bool) {
	c.cachedMtx.Lock()
	c.cached[fingerprint] = v
	c.cachedMtx.Unlock()
}

// WarmTrace partitions l's trace_log into up to c.workers contiguous
// slices and warms them concurrently, bounded by a semaphore sized to the
// worker count (spec §4.6's "fixed-width thread pool" requirement).
func (c *Controller) WarmTrace(ctx context.Context, l *iotrace.Log) error {
	if c.shuttingDown.Load() {
		return nil
	}
	slices := partition(l.TraceLog, c.workers)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(c.workers))
	for i, slice := range slices {
		i, slice := i, slice
		if len(slice) == 0 {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			c.warmSlice(gctx, i, slice)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.markCached(l.Hash, true)
	return nil
}

func (c *Controller) warmSlice(ctx context.Context, worker int, entries []iotrace.Entry) {
	for _, e := range entries {
		if c.shuttingDown.Load() {
			c.setState(worker, State{Kind: Idle})
			return
		}
		if c.mem != nil && c.mem.PercentUsed() > c.upperPct {
			c.log.Debugf("prefetch: worker %d abandoning slice, memory above upper threshold", worker)
			c.setState(worker, State{Kind: Idle})
			return
		}
		if c.blacklist.Match(e.Op.Path) {
			c.log.Debugf("prefetch: worker %d skipping blacklisted %s", worker, e.Op.Path)
			c.setState(worker, State{Kind: Idle})
			continue
		}
		if c.limiter != nil {
			n := int(e.Size)
			if n > c.limiter.Burst() {
				n = c.limiter.Burst()
			}
			if n > 0 {
				_ = c.limiter.WaitN(ctx, n)
			}
		}
		if err := c.registry.Warm(e.Op.Path); err != nil {
			c.log.Debugf("prefetch: worker %d failed to warm %s: %v", worker, e.Op.Path, err)
			c.setState(worker, State{Kind: Error, Path: e.Op.Path})
			continue
		}
		c.setState(worker, State{Kind: PrefetchedFile, Path: e.Op.Path})
	}
	c.setState(worker, State{Kind: Idle})
}

func partition(entries []iotrace.Entry, n int) [][]iotrace.Entry {
	if n <= 0 {
		n = 1
	}
	if len(entries) == 0 {
		return nil
	}
	if n > len(entries) {
		n = len(entries)
	}
	out := make([][]iotrace.Entry, n)
	base := len(entries) / n
	rem := len(entries) % n
	idx := 0
	for i := 0; i < n; i++ {
		sz := base
		if i < rem {
			sz++
		}
		out[i] = entries[idx : idx+sz]
		idx += sz
	}
	return out
}

// OnlinePrefetch implements spec §4.6's "Online prefetch": on
// TrackedProcessChanged(Exec), warm the trace for (exe, cmdline) if one
// exists, isn't blacklisted, and isn't already cached.
func (c *Controller) OnlinePrefetch(ctx context.Context, exe, cmdline string) error {
	l, ok, err := c.store.LookupByExeAndCmdline(exe, cmdline)
	if err != nil || !ok {
		return err
	}
	if l.Blacklisted || c.isCached(l.Hash) {
		return nil
	}
	return c.WarmTrace(ctx, l)
}

// OfflinePrefetch implements spec §4.6's "Offline prefetch": walk the
// hot-applications histogram in descending count order, warming each
// not-yet-cached trace until shutdown or the critical memory threshold.
func (c *Controller) OfflinePrefetch(ctx context.Context) error {
	for _, entry := range c.hist.Descending() {
		if c.shuttingDown.Load() {
			return nil
		}
		if c.mem != nil && c.mem.PercentUsed() >= c.critPct {
			return nil
		}
		if c.isCached(entry.Fingerprint) {
			continue
		}
		l, ok, err := c.store.LookupByHash(entry.Fingerprint)
		if err != nil {
			c.log.Errorf("prefetch: offline lookup of %s: %v", entry.Fingerprint, err)
			continue
		}
		if !ok || l.Blacklisted {
			continue
		}
		if err := c.WarmTrace(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// Evict implements spec §4.6's eviction policy: walk the histogram in
// ascending count order, unmapping every file of each cached trace until
// memory used falls below the lower threshold.
func (c *Controller) Evict() error {
	for _, entry := range c.hist.Ascending() {
		if c.mem == nil || c.mem.PercentUsed() < c.lowerPct {
			return nil
		}
		if !c.isCached(entry.Fingerprint) {
			continue
		}
		l, ok, err := c.store.LookupByHash(entry.Fingerprint)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for path := range l.FileMap {
			if err := c.registry.Remove(path); err != nil {
				c.log.Errorf("prefetch: eviction failed to unmap %s: %v", path, err)
				continue
			}
		}
		c.markCached(entry.Fingerprint, false)
	}
	return nil
}
