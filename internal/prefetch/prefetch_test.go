package prefetch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowcore/precached/internal/blacklist"
	"github.com/hollowcore/precached/internal/histogram"
	"github.com/hollowcore/precached/internal/iotrace"
	"github.com/hollowcore/precached/internal/mapping"
	"github.com/hollowcore/precached/internal/tracestore"
)

type fakeGate struct{ pct float64 }

func (f fakeGate) PercentUsed() float64 { return f.pct }

func newTestController(t *testing.T, gate MemoryGate) (*Controller, *tracestore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := tracestore.Open(filepath.Join(dir, "iotrace"), nil)
	require.NoError(t, err)

	reg := mapping.New()
	hist := histogram.New()

	c := New(Config{
		Registry:    reg,
		Store:       store,
		Histogram:   hist,
		MemGate:     gate,
		Workers:     2,
		UpperPct:    80,
		LowerPct:    50,
		CriticalPct: 95,
	})
	return c, store, dir
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0640))
	return p
}

func TestWarmTraceMapsEveryEntry(t *testing.T) {
	dir := t.TempDir()
	c, store, _ := newTestController(t, fakeGate{pct: 10})

	exe := writeFile(t, dir, "app", 4096)
	lib := writeFile(t, dir, "lib.so", 4096)

	l := iotrace.New(exe, "app", exe, 4096, time.Now())
	l.Append(lib, 4096, time.Now())
	_, err := store.Save(l, 0, 0, true)
	require.NoError(t, err)

	require.NoError(t, c.WarmTrace(context.Background(), l))
	assert.True(t, c.registry.Contains(exe))
	assert.True(t, c.registry.Contains(lib))
	assert.True(t, c.isCached(l.Hash))
}

func TestWarmSliceSkipsBlacklistedPath(t *testing.T) {
	dir := t.TempDir()
	store, err := tracestore.Open(filepath.Join(dir, "iotrace"), nil)
	require.NoError(t, err)
	reg := mapping.New()

	exe := writeFile(t, dir, "app", 4096)
	secret := writeFile(t, dir, "secret-bin", 4096)

	c := New(Config{
		Registry:  reg,
		Store:     store,
		Histogram: histogram.New(),
		MemGate:   fakeGate{pct: 10},
		Blacklist: blacklist.Compile([]string{secret}),
		Workers:   1,
		UpperPct:  80,
	})

	l := iotrace.New(exe, "app", exe, 4096, time.Now())
	l.Append(secret, 4096, time.Now())

	require.NoError(t, c.WarmTrace(context.Background(), l))
	assert.True(t, c.registry.Contains(exe))
	assert.False(t, c.registry.Contains(secret), "blacklisted path must not be warmed even when present in a recorded trace")
}

func TestWarmSliceAbandonsAboveUpperThreshold(t *testing.T) {
	dir := t.TempDir()
	c, _, _ := newTestController(t, fakeGate{pct: 99})

	exe := writeFile(t, dir, "app", 4096)
	l := iotrace.New(exe, "app", exe, 4096, time.Now())

	require.NoError(t, c.WarmTrace(context.Background(), l))
	assert.False(t, c.registry.Contains(exe), "memory gate above upper threshold must abandon warming")
}

func TestOnlinePrefetchSkipsBlacklisted(t *testing.T) {
	dir := t.TempDir()
	c, store, _ := newTestController(t, fakeGate{pct: 10})

	exe := writeFile(t, dir, "app", 4096)
	l := iotrace.New(exe, "app", exe, 4096, time.Now())
	l.Blacklisted = true
	_, err := store.Save(l, 0, 0, true)
	require.NoError(t, err)

	require.NoError(t, c.OnlinePrefetch(context.Background(), exe, exe))
	assert.False(t, c.registry.Contains(exe))
}

func TestOfflinePrefetchWarmsHistogramTrace(t *testing.T) {
	dir := t.TempDir()
	c, store, _ := newTestController(t, fakeGate{pct: 10})

	exeA := writeFile(t, dir, "a", 1024)
	lA := iotrace.New(exeA, "a", exeA, 1024, time.Now())
	_, err := store.Save(lA, 0, 0, true)
	require.NoError(t, err)
	c.hist.Increment(lA.Hash)

	require.NoError(t, c.OfflinePrefetch(context.Background()))
	assert.True(t, c.registry.Contains(exeA))
}

func TestEvictUnmapsUntilBelowLowerThreshold(t *testing.T) {
	dir := t.TempDir()
	c, store, _ := newTestController(t, fakeGate{pct: 60})

	exe := writeFile(t, dir, "app", 4096)
	l := iotrace.New(exe, "app", exe, 4096, time.Now())
	_, err := store.Save(l, 0, 0, true)
	require.NoError(t, err)
	c.hist.Increment(l.Hash)

	require.NoError(t, c.WarmTrace(context.Background(), l))
	require.True(t, c.registry.Contains(exe))

	require.NoError(t, c.Evict())
	assert.False(t, c.registry.Contains(exe))
	assert.False(t, c.isCached(l.Hash))
}
