// Package tracestore implements the durable, content-addressed I/O-trace
// store described in spec §4.3: one compressed JSON artifact per
// (executable, command-line) fingerprint under state_dir/iotrace/.
//
// The persistence idiom — write to a fresh file, never corrupt the existing
// artifact on a partial write, and never let one bad file abort a directory
// scan — is grounded on chancacher.ChanCacher's file-backed cache rotation
// and filewatch's enumerate-and-skip-bad-entries discipline, adapted here
// from chancacher's gob encoding to zstd-compressed JSON and from an
// in-process channel cache to an on-disk artifact directory.
package tracestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"

	"github.com/hollowcore/precached/internal/iotrace"
	"github.com/hollowcore/precached/internal/plog"
)

const artifactExt = ".trace"

// Store is the on-disk artifact directory.
type Store struct {
	dir string
	log plog.Logger
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string, log plog.Logger) (*Store, error) {
	if log == nil {
		log = plog.NoLogger()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.dir, hash+artifactExt)
}

// LookupByHash loads the artifact for hash, if present.
func (s *Store) LookupByHash(hash string) (*iotrace.Log, bool, error) {
	b, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	l, err := decode(b)
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

// LookupByExeAndCmdline computes the fingerprint then looks it up.
func (s *Store) LookupByExeAndCmdline(exe, cmdline string) (*iotrace.Log, bool, error) {
	return s.LookupByHash(iotrace.Fingerprint(exe, cmdline))
}

// Save persists l if it meets the minimum length/size gate, unless
// allowTruncate bypasses the gate (used by admin/import tooling). Returns
// whether the artifact was actually written.
func (s *Store) Save(l *iotrace.Log, minLen int, minSize int64, allowTruncate bool) (bool, error) {
	if !allowTruncate {
		if len(l.TraceLog) < minLen || l.AccumulatedSize < minSize {
			return false, nil
		}
	}
	b, err := encode(l)
	if err != nil {
		return false, err
	}
	if err := renameio.WriteFile(s.pathFor(l.Hash), b, 0640); err != nil {
		return false, err
	}
	return true, nil
}

// Entry is one (path, trace) pair yielded by Enumerate.
type Entry struct {
	Path string
	Log  *iotrace.Log
}

// Enumerate walks every artifact in the store. A single unparsable artifact
// is logged and skipped — it never aborts the scan (spec §4.3 failure
// semantics), matching filewatch's one-bad-file-is-not-fatal discipline.
func (s *Store) Enumerate() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), artifactExt) {
			continue
		}
		p := filepath.Join(s.dir, de.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			s.log.Errorf("tracestore: read %s: %v", p, err)
			continue
		}
		l, err := decode(b)
		if err != nil {
			s.log.Errorf("tracestore: parse %s: %v", p, err)
			continue
		}
		out = append(out, Entry{Path: p, Log: l})
	}
	return out, nil
}

// Optimize loads the artifact for hash, deduplicates trace_log preserving
// first occurrence, drops entries whose path is no longer a regular file,
// recomputes file_map/accumulated_size, sets trace_log_optimized, and
// re-saves unconditionally (spec §4.3, §8 invariant 2 and idempotence law).
func (s *Store) Optimize(hash string) error {
	l, ok, err := s.LookupByHash(hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tracestore: no artifact for hash %s", hash)
	}
	OptimizeLog(l)
	_, err = s.Save(l, 0, 0, true)
	return err
}

// OptimizeLog performs the in-memory half of Optimize, exported for
// callers that already hold a loaded Log and want to skip a redundant
// round trip through disk.
func OptimizeLog(l *iotrace.Log) {
	seen := make(map[string]bool, len(l.TraceLog))
	deduped := l.TraceLog[:0]
	for _, e := range l.TraceLog {
		if seen[e.Op.Path] {
			continue
		}
		if fi, err := os.Stat(e.Op.Path); err != nil || !fi.Mode().IsRegular() {
			continue
		}
		seen[e.Op.Path] = true
		deduped = append(deduped, e)
	}
	l.TraceLog = append([]iotrace.Entry(nil), deduped...)
	l.FileMap = make(map[string]int, len(l.TraceLog))
	var sz int64
	for _, e := range l.TraceLog {
		l.FileMap[e.Op.Path]++
		sz += e.Size
	}
	l.AccumulatedSize = sz
	l.TraceLogOptimized = true
}

// PruneInvalid deletes artifacts that fail to parse, fall below the
// minimum length/size threshold, or are Outdated/MissingBinary — unless
// blacklisted, in which case they are preserved regardless (spec §4.3).
func (s *Store) PruneInvalid(minLen int, minSize int64) error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var merr *multierror.Error
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), artifactExt) {
			continue
		}
		p := filepath.Join(s.dir, de.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", p, err))
			continue
		}
		l, err := decode(b)
		if err != nil {
			s.log.Errorf("tracestore: pruning unparsable artifact %s: %v", p, err)
			if rmErr := os.Remove(p); rmErr != nil {
				merr = multierror.Append(merr, rmErr)
			}
			continue
		}
		if l.Blacklisted {
			continue
		}
		if len(l.TraceLog) < minLen || l.AccumulatedSize < minSize || outdatedOrMissing(l) {
			if rmErr := os.Remove(p); rmErr != nil {
				merr = multierror.Append(merr, rmErr)
			}
		}
	}
	return merr.ErrorOrNil()
}

func outdatedOrMissing(l *iotrace.Log) bool {
	fi, err := os.Stat(l.Exe)
	if err != nil {
		return true // MissingBinary
	}
	return fi.ModTime().After(l.CreatedAt) // Outdated
}

func encode(l *iotrace.Log) ([]byte, error) {
	j, err := iotrace.Marshal(l)
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

func decode(b []byte) (*iotrace.Log, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	j, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	return iotrace.Unmarshal(j)
}
