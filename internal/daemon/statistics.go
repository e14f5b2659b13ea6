package daemon

import (
	"sync/atomic"

	"github.com/hollowcore/precached/internal/control"
)

// Statistics are the rolling counters the original daemon's metrics
// plugin (src/plugins/metrics.rs) kept beyond what the spec's core
// strictly requires — a supplemented feature, surfaced as the
// control.StatisticsView inside InternalState. Only tracesPersisted,
// rulesMatched and housekeepingRuns are incremented by the daemon; the
// other counters are never updated and stay at zero.
type Statistics struct {
	tracesCreated    atomic.Uint64
	tracesPersisted  atomic.Uint64
	tracesPruned     atomic.Uint64
	filesWarmed      atomic.Uint64
	filesEvicted     atomic.Uint64
	rulesMatched     atomic.Uint64
	housekeepingRuns atomic.Uint64
}

func (s *Statistics) View() control.StatisticsView {
	return control.StatisticsView{
		TracesCreated:    s.tracesCreated.Load(),
		TracesPersisted:  s.tracesPersisted.Load(),
		TracesPruned:     s.tracesPruned.Load(),
		FilesWarmed:      s.filesWarmed.Load(),
		FilesEvicted:     s.filesEvicted.Load(),
		RulesMatched:     s.rulesMatched.Load(),
		HousekeepingRuns: s.housekeepingRuns.Load(),
	}
}
