package janitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowcore/precached/internal/histogram"
	"github.com/hollowcore/precached/internal/iotrace"
	"github.com/hollowcore/precached/internal/tracestore"
)

func TestRunPrunesOptimizesAndSyncsHistogram(t *testing.T) {
	dir := t.TempDir()
	store, err := tracestore.Open(filepath.Join(dir, "iotrace"), nil)
	require.NoError(t, err)
	hist := histogram.New()

	exe := filepath.Join(dir, "kept-bin")
	require.NoError(t, os.WriteFile(exe, []byte("x"), 0640))

	kept := iotrace.New(exe, "kept", exe, 1, time.Now())
	kept.Append(exe, 1, time.Now()) // duplicate, should be deduped on optimize
	_, err = store.Save(kept, 0, 0, true)
	require.NoError(t, err)
	hist.Increment(kept.Hash)

	gone := iotrace.New("/no/such/binary", "gone", "gone", 0, time.Now())
	_, err = store.Save(gone, 0, 0, true)
	require.NoError(t, err)
	hist.Increment(gone.Hash)
	hist.Increment("fingerprint-with-no-artifact-at-all")

	j := New(Config{
		Store:       store,
		Histogram:   hist,
		HistPath:    filepath.Join(dir, "hot_applications.state"),
		MinTraceLen: 0,
		MinTraceSz:  0,
	})
	require.NoError(t, j.Run())

	_, ok, err := store.LookupByHash(gone.Hash)
	require.NoError(t, err)
	assert.False(t, ok, "missing-binary artifact should be pruned")

	got, ok, err := store.LookupByHash(kept.Hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.TraceLogOptimized)

	assert.Equal(t, int64(1), hist.Count(kept.Hash))
	assert.Equal(t, int64(0), hist.Count(gone.Hash), "histogram entry without a backing artifact must be dropped")
	assert.Equal(t, int64(0), hist.Count("fingerprint-with-no-artifact-at-all"))

	_, err = os.Stat(filepath.Join(dir, "hot_applications.state"))
	assert.NoError(t, err)
}
