package mempressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hollowcore/precached/internal/eventbus"
)

func testThresholds() Thresholds {
	return Thresholds{
		UpperPct:            70,
		LowerPct:            50,
		CriticalPct:         90,
		IdleLoadThreshold:   0.5,
		MemFreedThreshold:   1024,
		SwapRecoveryWindow:  time.Second,
		FreedRecoveryWindow: time.Second,
		IdleSustainWindow:   time.Second,
	}
}

func reading(totalMB, freeMB uint64, load1 float64) Reading {
	return Reading{TotalBytes: totalMB << 20, FreeBytes: freeMB << 20, Load1: load1}
}

func containsTag(tags []eventbus.Tag, want eventbus.Tag) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func TestUpperWatermarkCrossingFiresOnce(t *testing.T) {
	c := New(testThresholds())
	now := time.Now()

	ev := c.Sample(reading(1000, 400, 1.0), now) // 60% used
	assert.False(t, containsTag(ev, eventbus.AvailableMemoryHigh))

	ev = c.Sample(reading(1000, 200, 1.0), now) // 80% used
	assert.True(t, containsTag(ev, eventbus.AvailableMemoryHigh))

	ev = c.Sample(reading(1000, 150, 1.0), now) // still above upper
	assert.False(t, containsTag(ev, eventbus.AvailableMemoryHigh), "must not re-fire until re-armed")
}

func TestCriticalThenLowRequiresPriorIdle(t *testing.T) {
	c := New(testThresholds())
	now := time.Now()

	ev := c.Sample(reading(1000, 50, 1.0), now) // 95% used -> critical
	assert.True(t, containsTag(ev, eventbus.AvailableMemoryCritical))

	// drop below upper without ever having observed an idle period
	ev = c.Sample(reading(1000, 400, 1.0), now)
	assert.False(t, containsTag(ev, eventbus.AvailableMemoryLow), "low watermark requires a prior idle period")
}

func TestSwapLatchAndRecover(t *testing.T) {
	c := New(testThresholds())
	now := time.Now()

	r1 := reading(1000, 400, 1.0)
	r1.SwapTotal, r1.SwapFree = 1000<<20, 1000<<20
	c.Sample(r1, now)

	r2 := r1
	r2.SwapFree = 900 << 20
	ev := c.Sample(r2, now)
	assert.True(t, containsTag(ev, eventbus.SystemIsSwapping))

	later := now.Add(2 * time.Second)
	ev = c.Sample(r2, later) // swap free unchanged, past recovery window
	assert.True(t, containsTag(ev, eventbus.SystemRecoveredFromSwap))
}

func TestIdleEnterSustainLeave(t *testing.T) {
	c := New(testThresholds())
	now := time.Now()

	ev := c.Sample(reading(1000, 500, 0.1), now)
	assert.True(t, containsTag(ev, eventbus.EnterIdle))

	ev = c.Sample(reading(1000, 500, 0.1), now.Add(100*time.Millisecond))
	assert.False(t, containsTag(ev, eventbus.IdlePeriod), "sustain window not yet elapsed")

	ev = c.Sample(reading(1000, 500, 0.1), now.Add(2*time.Second))
	assert.True(t, containsTag(ev, eventbus.IdlePeriod))

	ev = c.Sample(reading(1000, 500, 2.0), now.Add(3*time.Second))
	assert.True(t, containsTag(ev, eventbus.LeaveIdle))
}

func TestLowWatermarkFiresAfterIdleObserved(t *testing.T) {
	c := New(testThresholds())
	now := time.Now()

	c.Sample(reading(1000, 50, 0.1), now) // critical, also idle-eligible load
	c.Sample(reading(1000, 500, 0.1), now.Add(10*time.Millisecond))
	c.Sample(reading(1000, 500, 0.1), now.Add(2*time.Second)) // IdlePeriod fires here

	ev := c.Sample(reading(1000, 50, 0.1), now.Add(3*time.Second)) // critical again
	assert.True(t, containsTag(ev, eventbus.AvailableMemoryCritical))

	ev = c.Sample(reading(1000, 900, 0.1), now.Add(4*time.Second)) // drop below upper
	assert.True(t, containsTag(ev, eventbus.AvailableMemoryLow))
}
