// Package daemon wires every engine component into the resident process
// described in spec §5–§6: one owning struct, one event bus, one main
// loop alternating between polling the filesystem-activity source and
// draining the bus, plus the signal-to-event adapters manager/main.go's
// bootstrap shape inspired (load config, build logger, build workers,
// wait for a quit signal, shut down in reverse).
package daemon

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hollowcore/precached/internal/blacklist"
	"github.com/hollowcore/precached/internal/control"
	"github.com/hollowcore/precached/internal/daemonconfig"
	"github.com/hollowcore/precached/internal/eventbus"
	"github.com/hollowcore/precached/internal/fsactivity"
	"github.com/hollowcore/precached/internal/histogram"
	"github.com/hollowcore/precached/internal/janitor"
	"github.com/hollowcore/precached/internal/mapping"
	"github.com/hollowcore/precached/internal/mempressure"
	"github.com/hollowcore/precached/internal/plog"
	"github.com/hollowcore/precached/internal/prefetch"
	"github.com/hollowcore/precached/internal/proctracker"
	"github.com/hollowcore/precached/internal/rules"
	"github.com/hollowcore/precached/internal/tracer"
	"github.com/hollowcore/precached/internal/tracestore"
)

const histogramFileName = "hot_applications.state"

// procTrackerAdapter satisfies tracer.ProcessSource over a
// *proctracker.Tracker, whose richer Record the tracer manager doesn't
// need in full.
type procTrackerAdapter struct {
	t *proctracker.Tracker
}

func (a procTrackerAdapter) Lookup(pid int) (string, string, bool) {
	r, ok := a.t.Lookup(pid)
	if !ok {
		return "", "", false
	}
	return r.ExePath, r.Cmdline, true
}

// Daemon owns every long-lived component and the main loop that drives
// them. It is constructed once per process by cmd/precached.
type Daemon struct {
	cfg *daemonconfig.Config
	log plog.Logger

	bus        *eventbus.Bus
	procs      *proctracker.Tracker
	tracers    *tracer.Manager
	store      *tracestore.Store
	hist       *histogram.Histogram
	classifier *mempressure.Classifier
	registry   *mapping.Registry
	prefetcher *prefetch.Controller
	janitor    *janitor.Janitor
	rulesEng   *rules.Engine
	stats      *Statistics
	pidfile    *PIDFile

	provider fsactivity.Provider
	events   chan fsactivity.Event

	startedAt time.Time

	exitNow          atomic.Bool
	lastHousekeeping time.Time
}

// New constructs every engine component from cfg but does not yet start
// the main loop.
func New(cfg *daemonconfig.Config, log plog.Logger) (*Daemon, error) {
	if log == nil {
		log = plog.NoLogger()
	}

	store, err := tracestore.Open(cfg.State_Dir+"/iotrace", log)
	if err != nil {
		return nil, err
	}

	histPath := cfg.State_Dir + "/" + histogramFileName
	hist, err := histogram.Load(histPath)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	procs := proctracker.New(log)

	programBL := blacklist.Compile(cfg.Program_Blacklist)
	fileBL := blacklist.Compile(cfg.File_Blacklist)

	tracers := tracer.New(tracer.Config{
		Procs:            procTrackerAdapter{procs},
		Store:            store,
		Histogram:        hist,
		Bus:              bus,
		Log:              log,
		ProgramBlacklist: programBL,
		FileBlacklist:    fileBL,
		Window:           cfg.TraceWindow,
		MinLen:           cfg.Min_Trace_Len,
		MinSize:          cfg.MinTraceSize,
		Retention:        cfg.TraceWindow * 10,
	})

	classifier := mempressure.New(mempressure.Thresholds{
		UpperPct:            float64(cfg.Available_Mem_Upper_Pct),
		LowerPct:            float64(cfg.Available_Mem_Lower_Pct),
		CriticalPct:         float64(cfg.Available_Mem_Crit_Pct),
		IdleLoadThreshold:   cfg.SystemIdleLoad,
		MemFreedThreshold:   cfg.MemoryFreedThreshold,
		SwapRecoveryWindow:  30 * time.Second,
		FreedRecoveryWindow: 30 * time.Second,
		IdleSustainWindow:   60 * time.Second,
	})

	registry := mapping.New()

	prefetcher := prefetch.New(prefetch.Config{
		Registry:          registry,
		Store:             store,
		Histogram:         hist,
		Log:               log,
		MemGate:           &liveMemGate{},
		Blacklist:         fileBL,
		Workers:           cfg.Worker_Pool_Size,
		RateLimitBytesSec: cfg.RateLimitBytesSec,
		UpperPct:          float64(cfg.Available_Mem_Upper_Pct),
		LowerPct:          float64(cfg.Available_Mem_Lower_Pct),
		CriticalPct:       float64(cfg.Available_Mem_Crit_Pct),
	})

	j := janitor.New(janitor.Config{
		Store:       store,
		Histogram:   hist,
		HistPath:    histPath,
		Log:         log,
		MinTraceLen: cfg.Min_Trace_Len,
		MinTraceSz:  cfg.MinTraceSize,
	})

	rulesEng := rules.New(rules.Config{
		Blacklist:   fileBL,
		Log:         log,
		MemGate:     &liveMemGate{},
		CriticalPct: float64(cfg.Available_Mem_Crit_Pct),
		Macros:      rules.Macros{User: os.Getenv("USER"), HomeDir: os.Getenv("HOME")},
	})
	if cfg.Rules_Dir != "" {
		if err := rulesEng.Reload(cfg.Rules_Dir); err != nil {
			log.Errorf("daemon: initial rule load: %v", err)
		}
	}

	d := &Daemon{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		procs:      procs,
		tracers:    tracers,
		store:      store,
		hist:       hist,
		classifier: classifier,
		registry:   registry,
		prefetcher: prefetcher,
		janitor:    j,
		rulesEng:   rulesEng,
		stats:      &Statistics{},
		events:     make(chan fsactivity.Event, 256),
		provider:   newFSActivityProvider(cfg, log),
	}

	bus.Register(d.handleEvent)
	return d, nil
}

// newFSActivityProvider selects between the two §4.5 fs-activity sources
// per cfg.FS_Activity_Provider. The ftrace path gives genuine per-pid
// attribution via the kernel tracing ring buffer and is the default; the
// mount-watcher path only ever reports events as belonging to precached's
// own pid, since fsnotify carries no pid, and exists for hosts without
// tracefs access.
func newFSActivityProvider(cfg *daemonconfig.Config, log plog.Logger) fsactivity.Provider {
	switch cfg.FS_Activity_Provider {
	case "mount":
		return fsactivity.NewMountWatcher(cfg.Mount_Root, log)
	default:
		return fsactivity.NewKernelTracer(cfg.Ftrace_Instance, cfg.Ftrace_Comm_Denylist, log)
	}
}

// liveMemGate adapts mempressure.ReadCurrent into the PercentUsed-only
// interface prefetch and rules consult; a fresh reading is taken per call
// rather than threading the classifier's last sample through, since both
// consumers only ever need the instantaneous figure.
type liveMemGate struct{}

func (liveMemGate) PercentUsed() float64 {
	r, err := mempressure.ReadCurrent()
	if err != nil {
		return 0
	}
	return r.PercentUsed()
}

// AcquirePIDFile takes the single-instance lock at cfg.Run_Dir. It
// returns false when another instance already holds it; Run itself does
// not check the lock, and cmd/precached exits before calling Run in that
// case.
func (d *Daemon) AcquirePIDFile() (bool, error) {
	pf, ok, err := Acquire(d.cfg.Run_Dir)
	if err != nil || !ok {
		return ok, err
	}
	d.pidfile = pf
	return true, nil
}

// Run executes the startup sequence and blocks in the main loop until a
// terminating signal arrives or ctx is canceled (spec §5–§6).
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now()
	d.bus.Submit(eventbus.Startup, nil)

	providerCtx, cancelProvider := context.WithCancel(ctx)
	defer cancelProvider()
	var providerShutdown atomic.Bool
	providerDone := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := fsactivity.PinCurrentGoroutineToCPU0(); err != nil {
			d.log.Debugf("daemon: pin fs-activity thread to cpu0: %v", err)
		}
		providerDone <- d.runProviderSupervised(providerCtx, &providerShutdown)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	go func() {
		time.Sleep(d.cfg.StartupDelay)
		d.bus.Submit(eventbus.DoHousekeeping, nil)
	}()

	metricsTicker := time.NewTicker(d.cfg.MetricsPeriod)
	defer metricsTicker.Stop()
	pingTicker := time.NewTicker(200 * time.Millisecond)
	defer pingTicker.Stop()

	for {
		if d.exitNow.Load() {
			providerShutdown.Store(true)
			cancelProvider()
			<-providerDone
			d.shutdown()
			return nil
		}

		select {
		case <-ctx.Done():
			d.exitNow.Store(true)
			continue

		case sig := <-sigs:
			d.handleSignal(sig)

		case ev, ok := <-d.events:
			if !ok {
				continue
			}
			d.onFileActivity(ev)
			d.drainPendingActivity()
			d.tracers.ExpireDue(time.Now())

		case <-pingTicker.C:
			d.bus.Submit(eventbus.Ping, nil)
			d.bus.Drain()

		case <-metricsTicker.C:
			d.bus.Submit(eventbus.GatherStatsAndMetrics, nil)
			d.bus.Drain()
		}
	}
}

// providerRetryDelay bounds how fast runProviderSupervised cycles on a
// persistently failing fs-activity provider (spec §7: kernel-tracing setup
// failure is logged and retried in a supervising loop, not fatal). A var,
// not a const, so tests can shrink it.
var providerRetryDelay = 2 * time.Second

// runProviderSupervised restarts d.provider.Run on any non-shutdown error,
// mirroring manager/process.go's "this will just cycle and retry" restart
// loop around a supervised child.
func (d *Daemon) runProviderSupervised(ctx context.Context, shutdown *atomic.Bool) error {
	for {
		err := d.provider.Run(ctx, shutdown, d.events)
		if ctx.Err() != nil || shutdown.Load() {
			return nil
		}
		if err != nil {
			d.log.Errorf("daemon: fs-activity provider exited, restarting: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(providerRetryDelay):
		}
	}
}

// drainPendingActivity folds every already-queued fs-activity event into
// the same batch before checking tracer expiry, per spec §4.4's "after
// each batch of file-open notifications processed".
func (d *Daemon) drainPendingActivity() {
	for {
		select {
		case ev := <-d.events:
			d.onFileActivity(ev)
		default:
			return
		}
	}
}

func (d *Daemon) onFileActivity(ev fsactivity.Event) {
	d.tracers.OnFileOpen(ev.PID, ev.Path, time.Now())
}

func (d *Daemon) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		if d.cfg.Rules_Dir != "" {
			if err := d.rulesEng.Reload(d.cfg.Rules_Dir); err != nil {
				d.log.Errorf("daemon: rule reload: %v", err)
			}
		}
		d.bus.Submit(eventbus.ConfigurationReloaded, nil)
		d.bus.Drain()
	case syscall.SIGUSR1:
		d.bus.Submit(eventbus.DoHousekeeping, nil)
		d.bus.Drain()
	case syscall.SIGUSR2:
		d.bus.Submit(eventbus.PrimeCaches, nil)
		d.bus.Drain()
	case syscall.SIGTERM, syscall.SIGINT:
		d.exitNow.Store(true)
		d.bus.Submit(eventbus.Shutdown, nil)
		d.bus.Drain()
	}
}

func (d *Daemon) shutdown() {
	if err := d.hist.Save(d.cfg.State_Dir + "/" + histogramFileName); err != nil {
		d.log.Errorf("daemon: final histogram save: %v", err)
	}
	if err := d.registry.Close(); err != nil {
		d.log.Errorf("daemon: unmapping registry on shutdown: %v", err)
	}
	if err := d.pidfile.Release(); err != nil {
		d.log.Errorf("daemon: releasing pid file: %v", err)
	}
}

// GlobalStats snapshots the daemon-wide gauges exposed over the control
// socket's RequestGlobalStatistics command (spec §6); the transport that
// serves it is out of scope, but the view this repo would hand that
// transport is built and exercised here.
func (d *Daemon) GlobalStats() control.GlobalStatisticsView {
	pct := 0.0
	if r, err := mempressure.ReadCurrent(); err == nil {
		pct = r.PercentUsed()
	}
	return control.GlobalStatisticsView{
		TrackedProcesses: d.procs.Len(),
		InFlightTracers:  d.tracers.Len(),
		MappedFiles:      d.registry.Len(),
		PercentMemUsed:   pct,
		Uptime:           time.Since(d.startedAt).String(),
	}
}

// InternalState bundles the rolling counters with the point-in-time
// gauges, matching control.InternalStateView (the SendInternalState
// payload).
func (d *Daemon) InternalState() control.InternalStateView {
	return control.InternalStateView{
		Statistics:       d.stats.View(),
		GlobalStatistics: d.GlobalStats(),
	}
}

// handleEvent is the bus handler dispatching every variant to the
// component(s) spec §4 assigns it to, plus the rule engine for any
// matching configured rule.
func (d *Daemon) handleEvent(ev eventbus.Event) {
	ctx := context.Background()

	switch ev.Tag {
	case eventbus.Ping:
		d.procs.PruneZombies()
		d.tracers.ExpireDue(time.Now())
		if !d.lastHousekeeping.IsZero() && time.Since(d.lastHousekeeping) >= d.cfg.MinHousekeepingInterval {
			d.bus.Submit(eventbus.DoHousekeeping, nil)
		}

	case eventbus.GatherStatsAndMetrics:
		reading, err := mempressure.ReadCurrent()
		if err != nil {
			d.log.Errorf("daemon: sample memory: %v", err)
			break
		}
		for _, tag := range d.classifier.Sample(reading, time.Now()) {
			d.bus.Submit(tag, nil)
		}

	case eventbus.DoHousekeeping:
		if err := d.janitor.Run(); err != nil {
			d.log.Errorf("daemon: housekeeping: %v", err)
		}
		d.stats.housekeepingRuns.Add(1)
		d.lastHousekeeping = time.Now()

	case eventbus.PrimeCaches, eventbus.EnterIdle, eventbus.IdlePeriod, eventbus.AvailableMemoryLow:
		if err := d.prefetcher.OfflinePrefetch(ctx); err != nil {
			d.log.Errorf("daemon: offline prefetch: %v", err)
		}

	case eventbus.AvailableMemoryCritical:
		if err := d.prefetcher.Evict(); err != nil {
			d.log.Errorf("daemon: eviction: %v", err)
		}

	case eventbus.TrackedProcessChanged:
		if pe, ok := ev.Payload.(eventbus.ProcEvent); ok {
			d.handleProcEvent(ctx, pe)
		}

	case eventbus.OptimizeIOTraceLog:
		d.stats.tracesPersisted.Add(1)
		if hash, ok := ev.Payload.(string); ok {
			if err := d.store.Optimize(hash); err != nil {
				d.log.Errorf("daemon: optimize %s: %v", hash, err)
			}
		}
	}

	for _, r := range d.rulesEng.Match(ev.Tag) {
		d.stats.rulesMatched.Add(1)
		if err := d.rulesEng.Execute(r); err != nil {
			d.log.Errorf("daemon: rule execution: %v", err)
		}
	}
}

func (d *Daemon) handleProcEvent(ctx context.Context, pe eventbus.ProcEvent) {
	switch pe.Kind {
	case eventbus.ProcExec:
		rec, ok := d.procs.OnExec(pe.PID)
		if !ok {
			return
		}
		now := time.Now()
		d.tracers.OnExec(pe.PID, now)
		if err := d.prefetcher.OnlinePrefetch(ctx, rec.ExePath, rec.Cmdline); err != nil {
			d.log.Errorf("daemon: online prefetch for pid %d: %v", pe.PID, err)
		}
	case eventbus.ProcExit:
		d.procs.OnExit(pe.PID)
		d.tracers.OnExit(pe.PID)
	}
}
