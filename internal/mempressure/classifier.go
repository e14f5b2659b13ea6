// Package mempressure implements the memory-pressure classifier from spec
// §4.8: sample total/available/free memory and swap once per metrics
// tick, derive percent-used, and emit edge-triggered events when a
// threshold is crossed or the system enters/leaves idle.
//
// diskmonitor/main.go samples one kernel counter file on a fixed period
// and turns it into a structured reading; this classifier follows the
// same "sample on tick, derive a reading, react to state transitions"
// shape, but samples /proc/loadavg and unix.Sysinfo instead of a sysfs
// disk-stat file, and reacts with arm/re-arm edge detection instead of
// shipping every sample downstream.
package mempressure

import (
	"time"

	"github.com/hollowcore/precached/internal/eventbus"
)

// Reading is one point-in-time memory/swap/load sample.
type Reading struct {
	TotalBytes uint64
	FreeBytes  uint64
	SwapTotal  uint64
	SwapFree   uint64
	Load1      float64
}

// PercentUsed derives the classifier's core metric: (used + swap_used) *
// 100 / (total + swap_total).
func (r Reading) PercentUsed() float64 {
	denom := r.TotalBytes + r.SwapTotal
	if denom == 0 {
		return 0
	}
	used := (r.TotalBytes - r.FreeBytes) + (r.SwapTotal - r.SwapFree)
	return float64(used) * 100 / float64(denom)
}

// Thresholds configures the classifier's edges, sourced from daemonconfig.
type Thresholds struct {
	UpperPct            float64
	LowerPct            float64 // unused directly by the classifier; consumed by the prefetch controller's eviction target
	CriticalPct         float64
	IdleLoadThreshold   float64
	MemFreedThreshold   int64
	SwapRecoveryWindow  time.Duration
	FreedRecoveryWindow time.Duration
	IdleSustainWindow   time.Duration
}

// Classifier holds the latched cross-tick state needed for edge-triggered
// emission: an event does not re-fire until the opposite condition has
// been observed at least once (spec §4.8).
type Classifier struct {
	th Thresholds

	haveLast     bool
	lastFree     uint64
	lastSwapFree uint64

	aboveUpper    bool
	aboveCritical bool

	swapping     bool
	swapDeadline time.Time

	freedLatched  bool
	freedDeadline time.Time

	idle             bool
	idleSince        time.Time
	idlePeriodFired  bool
	everObservedIdle bool
}

// New returns a classifier with no latched state (first sample never
// fires a watermark-recovery event, since no prior crossing exists yet).
func New(th Thresholds) *Classifier {
	return &Classifier{th: th}
}

// Sample derives events for one tick. At most one event per class is
// returned per call, matching spec §4.8.
func (c *Classifier) Sample(r Reading, now time.Time) []eventbus.Tag {
	var events []eventbus.Tag

	pct := r.PercentUsed()
	events = append(events, c.sampleWatermarks(pct)...)
	events = append(events, c.sampleSwap(r, now)...)
	events = append(events, c.sampleFreed(r, now)...)
	events = append(events, c.sampleIdle(r.Load1, now)...)

	c.haveLast = true
	c.lastFree = r.FreeBytes
	c.lastSwapFree = r.SwapFree
	return events
}

func (c *Classifier) sampleWatermarks(pct float64) []eventbus.Tag {
	var events []eventbus.Tag

	if pct >= c.th.CriticalPct && !c.aboveCritical {
		c.aboveCritical = true
		c.aboveUpper = true
		events = append(events, eventbus.AvailableMemoryCritical)
	} else if pct >= c.th.UpperPct && !c.aboveUpper {
		c.aboveUpper = true
		events = append(events, eventbus.AvailableMemoryHigh)
	} else if pct < c.th.UpperPct && c.aboveUpper {
		c.aboveUpper = false
		c.aboveCritical = false
		if c.everObservedIdle {
			events = append(events, eventbus.AvailableMemoryLow)
		}
	}
	return events
}

func (c *Classifier) sampleSwap(r Reading, now time.Time) []eventbus.Tag {
	var events []eventbus.Tag
	if !c.haveLast {
		return events
	}
	if r.SwapFree < c.lastSwapFree {
		if !c.swapping {
			c.swapping = true
			events = append(events, eventbus.SystemIsSwapping)
		}
		c.swapDeadline = now.Add(c.th.SwapRecoveryWindow)
	} else if c.swapping && now.After(c.swapDeadline) {
		c.swapping = false
		events = append(events, eventbus.SystemRecoveredFromSwap)
	}
	return events
}

func (c *Classifier) sampleFreed(r Reading, now time.Time) []eventbus.Tag {
	var events []eventbus.Tag
	if !c.haveLast {
		return events
	}
	if r.FreeBytes > c.lastFree && int64(r.FreeBytes-c.lastFree) >= c.th.MemFreedThreshold {
		if !c.freedLatched {
			c.freedLatched = true
			events = append(events, eventbus.MemoryFreed)
		}
		c.freedDeadline = now.Add(c.th.FreedRecoveryWindow)
	} else if c.freedLatched && now.After(c.freedDeadline) {
		c.freedLatched = false
	}
	return events
}

func (c *Classifier) sampleIdle(load1 float64, now time.Time) []eventbus.Tag {
	var events []eventbus.Tag
	if load1 <= c.th.IdleLoadThreshold {
		if !c.idle {
			c.idle = true
			c.idleSince = now
			c.idlePeriodFired = false
			events = append(events, eventbus.EnterIdle)
		} else if !c.idlePeriodFired && now.Sub(c.idleSince) >= c.th.IdleSustainWindow {
			c.idlePeriodFired = true
			c.everObservedIdle = true
			events = append(events, eventbus.IdlePeriod)
		}
	} else if c.idle {
		c.idle = false
		events = append(events, eventbus.LeaveIdle)
	}
	return events
}
