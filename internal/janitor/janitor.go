// Package janitor implements the periodic housekeeping pass described in
// spec §4.9: prune invalid trace-store artifacts, optimize every
// non-optimized one, and drop hot-applications entries with no backing
// artifact. Triggered once after startup, thereafter no more often than
// min_housekeeping_interval, and on explicit DoHousekeeping.
//
// Aggregating a pass's non-fatal per-item failures into a single error is
// grounded on the teacher's own use of hashicorp/go-multierror wherever a
// loop can fail partway without the whole pass being fatal (config/loader.go's
// VariableConfig processing follows the same "collect and report, don't
// abort" discipline for a run over many entries).
package janitor

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hollowcore/precached/internal/histogram"
	"github.com/hollowcore/precached/internal/plog"
	"github.com/hollowcore/precached/internal/tracestore"
)

const defaultOptimizeWorkers = 4

// Janitor bundles the stores a housekeeping pass operates over.
type Janitor struct {
	store           *tracestore.Store
	hist            *histogram.Histogram
	histPath        string
	log             plog.Logger
	minTraceLen     int
	minTraceSz      int64
	optimizeWorkers int
}

// Config bundles Janitor's construction parameters.
type Config struct {
	Store       *tracestore.Store
	Histogram   *histogram.Histogram
	HistPath    string
	Log         plog.Logger
	MinTraceLen int
	MinTraceSz  int64
	// OptimizeWorkers bounds the janitor's own scheduler pool, distinct
	// from the prefetch controller's worker pool (spec §5). 0 uses
	// defaultOptimizeWorkers.
	OptimizeWorkers int
}

// New builds a Janitor from cfg.
func New(cfg Config) *Janitor {
	log := cfg.Log
	if log == nil {
		log = plog.NoLogger()
	}
	workers := cfg.OptimizeWorkers
	if workers <= 0 {
		workers = defaultOptimizeWorkers
	}
	return &Janitor{
		store:           cfg.Store,
		hist:            cfg.Histogram,
		histPath:        cfg.HistPath,
		log:             log,
		minTraceLen:     cfg.MinTraceLen,
		minTraceSz:      cfg.MinTraceSz,
		optimizeWorkers: workers,
	}
}

// Run performs one full housekeeping pass: prune_invalid, optimize every
// non-optimized artifact, and optimize the hot-applications histogram
// against the now-pruned trace store. Failures accumulate and are
// returned together; none of them aborts later steps in the pass.
func (j *Janitor) Run() error {
	var merr *multierror.Error

	if err := j.store.PruneInvalid(j.minTraceLen, j.minTraceSz); err != nil {
		merr = multierror.Append(merr, err)
	}

	entries, err := j.store.Enumerate()
	if err != nil {
		merr = multierror.Append(merr, err)
	} else {
		if err := j.optimizePending(entries); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e.Log.Hash] = true
	}
	j.hist.Prune(func(fp string) bool { return known[fp] })

	if j.histPath != "" {
		if err := j.hist.Save(j.histPath); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	return merr.ErrorOrNil()
}

// optimizePending runs store.Optimize over every non-optimized artifact on
// the janitor's own scheduler pool, bounded by optimizeWorkers and distinct
// from the prefetch controller's pool (spec §5). One artifact's failure
// does not stop the others.
func (j *Janitor) optimizePending(entries []tracestore.Entry) error {
	g, ctx := errgroup.WithContext(context.Background())
	sem := semaphore.NewWeighted(int64(j.optimizeWorkers))
	var mtx sync.Mutex
	var merr *multierror.Error

	for _, e := range entries {
		if e.Log.TraceLogOptimized {
			continue
		}
		hash := e.Log.Hash
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := j.store.Optimize(hash); err != nil {
				j.log.Errorf("janitor: optimize %s: %v", hash, err)
				mtx.Lock()
				merr = multierror.Append(merr, err)
				mtx.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return merr.ErrorOrNil()
}
