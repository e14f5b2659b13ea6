// Package iotrace implements the I/O-trace data model described in spec §3:
// the per-launch record of every file a program opened, keyed by a
// fingerprint of its executable path and command line.
package iotrace

import (
	"hash/fnv"
	"os"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
)

// Op is the kind of filesystem activity a trace entry records. FileOpen is
// the only variant the daemon currently produces; it is a tagged union in
// the spec to leave room for future operation kinds.
type Op struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

func FileOpen(path string) Op { return Op{Kind: "FileOpen", Path: path} }

// Entry is one recorded file open.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Op        Op        `json:"op"`
	Size      int64     `json:"size"`
}

// Log is the full I/O-trace artifact for one (executable, command-line)
// fingerprint.
type Log struct {
	Hash              string         `json:"hash"`
	Exe               string         `json:"exe"`
	Comm              string         `json:"comm"`
	Cmdline           string         `json:"cmdline"`
	CreatedAt         time.Time      `json:"created_at"`
	TraceStoppedAt    time.Time      `json:"trace_stopped_at"`
	FileMap           map[string]int `json:"file_map"`
	TraceLog          []Entry        `json:"trace_log"`
	AccumulatedSize   int64          `json:"accumulated_size"`
	TraceLogOptimized bool           `json:"trace_log_optimized"`
	Blacklisted       bool           `json:"blacklisted,omitempty"`
}

// Fingerprint computes the FNV-1a hash over exe||cmdline and renders it as
// the decimal string used for artifact filenames (spec §3 invariant d).
func Fingerprint(exe, cmdline string) string {
	h := fnv.New64a()
	h.Write([]byte(exe))
	h.Write([]byte(cmdline))
	return strconv.FormatUint(h.Sum64(), 10)
}

// New creates a trace log in construction, seeded with the synthetic open of
// exe per spec §3 invariant (c) / §4.4 admission step 3.
func New(exe, comm, cmdline string, exeSize int64, now time.Time) *Log {
	l := &Log{
		Hash:      Fingerprint(exe, cmdline),
		Exe:       exe,
		Comm:      comm,
		Cmdline:   cmdline,
		CreatedAt: now,
		FileMap:   make(map[string]int),
		TraceLog:  make([]Entry, 0, 8),
	}
	l.Append(exe, exeSize, now)
	return l
}

// Append records a file open, maintaining the file_map and accumulated_size
// invariants (spec §3 invariants a, b).
func (l *Log) Append(path string, size int64, now time.Time) {
	l.TraceLog = append(l.TraceLog, Entry{Timestamp: now, Op: FileOpen(path), Size: size})
	if l.FileMap == nil {
		l.FileMap = make(map[string]int)
	}
	l.FileMap[path]++
	l.AccumulatedSize += size
}

// Flags are derived at query time against the live filesystem; they are
// never stored (spec §3).
type Flags struct {
	MissingBinary bool
	Outdated      bool
	Expired       bool
}

func (f Flags) Invalid() bool { return f.MissingBinary || f.Outdated || f.Expired }
func (f Flags) Valid() bool   { return !f.Invalid() }
func (f Flags) Current() bool { return !f.Outdated }
func (f Flags) Fresh() bool   { return !f.Expired }

// Compute derives Flags for l against the live filesystem and retention.
func (l *Log) Compute(now time.Time, retention time.Duration) Flags {
	var f Flags
	fi, err := os.Stat(l.Exe)
	if err != nil {
		f.MissingBinary = true
	} else if fi.ModTime().After(l.CreatedAt) {
		f.Outdated = true
	}
	if now.Sub(l.CreatedAt) > retention {
		f.Expired = true
	}
	return f
}

// Marshal/Unmarshal use goccy/go-json, a faster drop-in codec than
// encoding/json, matching the codec gravwell's generators reach for.
func Marshal(l *Log) ([]byte, error)   { return gojson.Marshal(l) }
func Unmarshal(b []byte) (*Log, error) {
	var l Log
	if err := gojson.Unmarshal(b, &l); err != nil {
		return nil, err
	}
	return &l, nil
}
