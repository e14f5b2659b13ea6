package rules

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hollowcore/precached/internal/blacklist"
	"github.com/hollowcore/precached/internal/eventbus"
	"github.com/hollowcore/precached/internal/plog"
)

// MemoryGate reports current memory pressure, gating CacheMetadataRecursive
// so a rule cannot stat its way through a directory under memory pressure.
type MemoryGate interface {
	PercentUsed() float64
}

// Macros supplies the substitution values for $user, $home_dir, $date and
// $meminfo inside a Log action's Message parameter.
type Macros struct {
	User     string
	HomeDir  string
	Now      func() time.Time
	MemInfo  func() string
}

func (m Macros) expand(s string) string {
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	meminfo := ""
	if m.MemInfo != nil {
		meminfo = m.MemInfo()
	}
	r := strings.NewReplacer(
		"$user", m.User,
		"$home_dir", m.HomeDir,
		"$date", now.Format(time.RFC3339),
		"$meminfo", meminfo,
	)
	return r.Replace(s)
}

// Engine holds every loaded, enabled rule and evaluates them against bus
// events.
type Engine struct {
	mtx         sync.RWMutex
	files       []*File
	blacklist   *blacklist.Set
	log         plog.Logger
	mem         MemoryGate
	criticalPct float64
	macros      Macros
	statCache   *statCache
}

// Config bundles Engine's construction parameters.
type Config struct {
	Blacklist *blacklist.Set
	Log       plog.Logger
	MemGate   MemoryGate
	// CriticalPct is the PercentUsed() watermark above which
	// CacheMetadataRecursive abandons its walk rather than keep statting
	// under memory pressure (spec §4.8's Available_Mem_Crit_Pct). Defaults
	// to 90 when unset.
	CriticalPct float64
	Macros      Macros
}

// New builds an empty engine; load rule files with Reload.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = plog.NoLogger()
	}
	critPct := cfg.CriticalPct
	if critPct == 0 {
		critPct = 90
	}
	return &Engine{
		blacklist:   cfg.Blacklist,
		log:         log,
		mem:         cfg.MemGate,
		criticalPct: critPct,
		macros:      cfg.Macros,
		statCache:   newStatCache(),
	}
}

// Reload replaces the engine's rule set by loading rules.d/*.rules from
// dir. Per-file parse errors are logged and the file is skipped; loading
// never aborts partway through the directory.
func (e *Engine) Reload(dir string) error {
	files, errs := LoadDir(dir)
	for _, err := range errs {
		e.log.Errorf("rules: %v", err)
	}
	e.mtx.Lock()
	e.files = files
	e.mtx.Unlock()
	e.statCache.clear()
	return nil
}

// Match returns every enabled rule whose Event equals tag, across every
// loaded file, in file-then-line order.
func (e *Engine) Match(tag eventbus.Tag) []Rule {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	var out []Rule
	for _, f := range e.files {
		if !f.Enabled {
			continue
		}
		for _, r := range f.Rules {
			if r.Event == tag {
				out = append(out, r)
			}
		}
	}
	return out
}

// Execute dispatches a matched rule's action.
func (e *Engine) Execute(r Rule) error {
	switch r.Action {
	case Noop:
		return nil
	case Log:
		e.log.Infof("%s", e.macros.expand(r.Params["Message"]))
		return nil
	case Notify:
		e.log.Debugf("rules: Notify action is reserved, ignoring")
		return nil
	case CacheMetadataRecursive:
		return e.cacheMetadataRecursive(r.Params["Directory"])
	default:
		return fmt.Errorf("rules: unknown action %v", r.Action)
	}
}

// cacheMetadataRecursive stats every file under dir, subject to the
// memory gate and the static blacklist (spec §4.10). It never maps file
// contents — only primes dentry/inode metadata into cache.
func (e *Engine) cacheMetadataRecursive(dir string) error {
	if dir == "" {
		return fmt.Errorf("rules: CacheMetadataRecursive requires a Directory parameter")
	}
	root := os.DirFS(dir)
	return doublestar.GlobWalk(root, "**", func(path string, d fs.DirEntry) error {
		if e.mem != nil && e.mem.PercentUsed() > e.criticalPct {
			return fs.SkipAll
		}
		full := filepath.Join(dir, path)
		if e.blacklist != nil && e.blacklist.Match(full) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		e.statCache.stat(full)
		return nil
	})
}

// statCache bounds repeated stat() calls across housekeeping passes; it is
// cleared whenever the rule set reloads (spec-supplemental: grounded on
// the original daemon's vfs_stat_cache, a bounded LRU of recently-stated
// paths consulted before issuing a fresh stat(2)).
type statCache struct {
	mtx  sync.Mutex
	seen map[string]time.Time
	cap  int
}

func newStatCache() *statCache {
	return &statCache{seen: make(map[string]time.Time), cap: 4096}
}

func (c *statCache) stat(path string) {
	c.mtx.Lock()
	if _, ok := c.seen[path]; ok {
		c.mtx.Unlock()
		return
	}
	if len(c.seen) >= c.cap {
		for k := range c.seen {
			delete(c.seen, k)
			break
		}
	}
	c.mtx.Unlock()

	if _, err := os.Stat(path); err == nil {
		c.mtx.Lock()
		c.seen[path] = time.Now()
		c.mtx.Unlock()
	}
}

func (c *statCache) clear() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.seen = make(map[string]time.Time)
}

func (c *statCache) len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.seen)
}
