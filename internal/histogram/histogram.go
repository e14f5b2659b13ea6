// Package histogram implements the hot-applications histogram described
// in spec §4.7: a count per fingerprint, persisted to
// state_dir/hot_applications.state using the same compressed-JSON
// envelope the trace store uses for its artifacts (zstd over a
// goccy/go-json document, written atomically via google/renameio).
package histogram

import (
	"os"
	"sort"
	"sync"

	gojson "github.com/goccy/go-json"
	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
)

// Entry is one fingerprint and its observed launch count.
type Entry struct {
	Fingerprint string `json:"fingerprint"`
	Count       int64  `json:"count"`
}

// Histogram is the concurrency-safe fingerprint -> count table.
type Histogram struct {
	mtx    sync.Mutex
	counts map[string]int64
}

// New returns an empty histogram.
func New() *Histogram {
	return &Histogram{counts: make(map[string]int64)}
}

// Increment bumps fingerprint's count by one, as done on every
// TrackedProcessChanged(Exec) whose exe and cmdline both resolved.
func (h *Histogram) Increment(fingerprint string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.counts[fingerprint]++
}

// Count returns fingerprint's current count.
func (h *Histogram) Count(fingerprint string) int64 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.counts[fingerprint]
}

// Len reports the number of distinct fingerprints tracked.
func (h *Histogram) Len() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.counts)
}

// Descending returns every entry sorted by count, highest first, used by
// offline prefetch to warm the most popular programs first.
func (h *Histogram) Descending() []Entry {
	entries := h.snapshot()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Fingerprint < entries[j].Fingerprint
	})
	return entries
}

// Ascending returns every entry sorted by count, lowest first, used by
// eviction to unmap the least popular programs first.
func (h *Histogram) Ascending() []Entry {
	entries := h.snapshot()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count < entries[j].Count
		}
		return entries[i].Fingerprint < entries[j].Fingerprint
	})
	return entries
}

func (h *Histogram) snapshot() []Entry {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	out := make([]Entry, 0, len(h.counts))
	for fp, c := range h.counts {
		out = append(out, Entry{Fingerprint: fp, Count: c})
	}
	return out
}

// Prune removes every fingerprint for which keep returns false. Used by
// housekeeping's "optimize histogram" pass, which drops entries with no
// corresponding trace-store artifact.
func (h *Histogram) Prune(keep func(fingerprint string) bool) int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	dropped := 0
	for fp := range h.counts {
		if !keep(fp) {
			delete(h.counts, fp)
			dropped++
		}
	}
	return dropped
}

// Save persists the histogram atomically.
func (h *Histogram) Save(path string) error {
	h.mtx.Lock()
	counts := make(map[string]int64, len(h.counts))
	for fp, c := range h.counts {
		counts[fp] = c
	}
	h.mtx.Unlock()

	b, err := encode(counts)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, b, 0640)
}

// Load restores a histogram previously written by Save. A missing file is
// not an error; it yields an empty histogram (first run).
func Load(path string) (*Histogram, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	counts, err := decode(b)
	if err != nil {
		return nil, err
	}
	h := New()
	for fp, c := range counts {
		h.counts[fp] = c
	}
	return h, nil
}

// encode/decode use a fingerprint->count JSON object on disk, per spec §6,
// rather than the []Entry shape Descending/Ascending return to callers.
func encode(counts map[string]int64) ([]byte, error) {
	j, err := gojson.Marshal(counts)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(j, nil), nil
}

func decode(b []byte) (map[string]int64, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	j, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	var counts map[string]int64
	if err := gojson.Unmarshal(j, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}
