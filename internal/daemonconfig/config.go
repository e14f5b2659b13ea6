// Package daemonconfig loads the resident daemon's configuration. It
// follows the teacher's gcfg-tagged-struct-plus-environment-override shape
// (config/config.go, config/loader.go, config/env.go) rather than anything
// bespoke. The "config-file parsing" Non-goal scopes out the CLI tooling
// that edits config files on the operator's behalf, not the daemon's own
// need to load one at startup.
package daemonconfig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gravwell/gcfg"
	"github.com/inhies/go-bytesize"
)

const maxConfigSize int64 = 4 * 1024 * 1024 // same sanity ceiling the teacher uses

var (
	ErrConfigFileTooLarge = errors.New("config file is too large")
	ErrMissingStateDir    = errors.New("state directory must be set")
)

// Global holds the [Global] stanza of precached.conf.
type Global struct {
	State_Dir                         string
	Rules_Dir                         string
	Run_Dir                           string
	Log_File                          string
	Log_Level                         string
	Trace_Window_Seconds              int
	Min_Trace_Len                     int
	Min_Trace_Size                    string // bytesize, e.g. "64KB"
	Metrics_Period_Seconds            int
	Worker_Pool_Size                  int
	Rate_Limit_Bytes_Sec              string // bytesize, 0/empty disables throttling
	Available_Mem_Upper_Pct           int
	Available_Mem_Lower_Pct           int
	Available_Mem_Crit_Pct            int
	Memory_Freed_Threshold            string // bytesize
	System_Idle_Load_Threshold        string
	Min_Housekeeping_Interval_Seconds int
	Startup_Delay_Seconds             int
	Program_Blacklist                 []string
	File_Blacklist                    []string

	// FS_Activity_Provider selects the §4.5 filesystem-activity source:
	// "ftrace" (default, real per-pid visibility via the kernel tracing
	// ring buffer) or "mount" (fsnotify-based, degrades to attributing
	// every event to the daemon's own pid, for hosts without tracefs
	// access).
	FS_Activity_Provider string
	Ftrace_Instance      string
	Ftrace_Comm_Denylist []string
	Mount_Root           string
}

type cfgReadType struct {
	Global Global
}

// Config is the fully parsed, defaulted, and validated daemon configuration.
type Config struct {
	Global

	MinTraceSize            int64
	RateLimitBytesSec       int64
	MemoryFreedThreshold    int64
	SystemIdleLoad          float64
	TraceWindow             time.Duration
	MetricsPeriod           time.Duration
	MinHousekeepingInterval time.Duration
	StartupDelay            time.Duration
}

func (g *Global) setDefaults() {
	if g.Trace_Window_Seconds == 0 {
		g.Trace_Window_Seconds = 60
	}
	if g.Min_Trace_Len == 0 {
		g.Min_Trace_Len = 2
	}
	if g.Min_Trace_Size == "" {
		g.Min_Trace_Size = "4KB"
	}
	if g.Metrics_Period_Seconds == 0 {
		g.Metrics_Period_Seconds = 5
	}
	if g.Worker_Pool_Size == 0 {
		g.Worker_Pool_Size = 4
	}
	if g.Available_Mem_Upper_Pct == 0 {
		g.Available_Mem_Upper_Pct = 70
	}
	if g.Available_Mem_Lower_Pct == 0 {
		g.Available_Mem_Lower_Pct = 50
	}
	if g.Available_Mem_Crit_Pct == 0 {
		g.Available_Mem_Crit_Pct = 90
	}
	if g.Memory_Freed_Threshold == "" {
		g.Memory_Freed_Threshold = "256MB"
	}
	if g.System_Idle_Load_Threshold == "" {
		g.System_Idle_Load_Threshold = "0.5"
	}
	if g.Min_Housekeeping_Interval_Seconds == 0 {
		g.Min_Housekeeping_Interval_Seconds = 900
	}
	if g.Startup_Delay_Seconds == 0 {
		g.Startup_Delay_Seconds = 30
	}
	if g.Log_Level == "" {
		g.Log_Level = "INFO"
	}
	if g.Run_Dir == "" {
		g.Run_Dir = "/run/precached"
	}
	if g.FS_Activity_Provider == "" {
		g.FS_Activity_Provider = "ftrace"
	}
	if g.Ftrace_Instance == "" {
		g.Ftrace_Instance = "precached"
	}
	if g.Mount_Root == "" {
		g.Mount_Root = "/"
	}
}

// Load reads an INI-style config file and returns a validated Config.
func Load(path string) (*Config, error) {
	b, err := readBounded(path)
	if err != nil {
		return nil, err
	}
	var cr cfgReadType
	if err := gcfg.ReadStringInto(&cr, string(b)); err != nil {
		return nil, err
	}
	return finish(cr.Global)
}

// LoadBytes parses config content already in memory (used by tests and by
// the boundary config-reload adapter that reacts to SIGHUP).
func LoadBytes(b []byte) (*Config, error) {
	var cr cfgReadType
	if err := gcfg.ReadStringInto(&cr, string(b)); err != nil {
		return nil, err
	}
	return finish(cr.Global)
}

func finish(g Global) (*Config, error) {
	g.setDefaults()
	if strings.TrimSpace(g.State_Dir) == "" {
		return nil, ErrMissingStateDir
	}
	switch g.FS_Activity_Provider {
	case "ftrace", "mount":
	default:
		return nil, fmt.Errorf("fs activity provider: unknown value %q", g.FS_Activity_Provider)
	}
	minSize, err := bytesize.Parse(g.Min_Trace_Size)
	if err != nil {
		return nil, fmt.Errorf("min trace size: %w", err)
	}
	memFreed, err := bytesize.Parse(g.Memory_Freed_Threshold)
	if err != nil {
		return nil, fmt.Errorf("memory freed threshold: %w", err)
	}
	var rateLimit bytesize.ByteSize
	if strings.TrimSpace(g.Rate_Limit_Bytes_Sec) != "" {
		if rateLimit, err = bytesize.Parse(g.Rate_Limit_Bytes_Sec); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	var idleLoad float64
	fmt.Sscanf(g.System_Idle_Load_Threshold, "%f", &idleLoad)

	return &Config{
		Global:                  g,
		MinTraceSize:            int64(minSize),
		RateLimitBytesSec:       int64(rateLimit),
		MemoryFreedThreshold:    int64(memFreed),
		SystemIdleLoad:          idleLoad,
		TraceWindow:             time.Duration(g.Trace_Window_Seconds) * time.Second,
		MetricsPeriod:           time.Duration(g.Metrics_Period_Seconds) * time.Second,
		MinHousekeepingInterval: time.Duration(g.Min_Housekeeping_Interval_Seconds) * time.Second,
		StartupDelay:            time.Duration(g.Startup_Delay_Seconds) * time.Second,
	}, nil
}

func readBounded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	return io.ReadAll(f)
}
