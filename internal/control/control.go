// Package control defines the wire schema of the daemon control socket
// described in spec §6: a Unix-domain, request/reply JSON envelope. The
// transport itself (accept loop, auth, framing) is a boundary adapter
// outside this repo's scope (§1 Non-goals) — this package only fixes the
// message shapes other adapters serialize against, confirmed against the
// original daemon's own flat {instant, command} envelope
// (src/ipc/ipc.rs, src/dbus_interface.rs).
package control

import (
	"time"

	gojson "github.com/goccy/go-json"
)

// Command is the tagged command carried by an Envelope.
type Command string

const (
	Connect               Command = "Connect"
	ConnectedSuccessfully Command = "ConnectedSuccessfully"
	Close                 Command = "Close"
	Ping                  Command = "Ping"
	Pong                  Command = "Pong"

	RequestTrackedProcesses Command = "RequestTrackedProcesses"
	SendTrackedProcesses    Command = "SendTrackedProcesses"

	RequestInFlightTracers Command = "RequestInFlightTracers"
	SendInFlightTracers    Command = "SendInFlightTracers"

	RequestPrefetchStatus Command = "RequestPrefetchStatus"
	SendPrefetchStatus    Command = "SendPrefetchStatus"

	RequestInternalEvents Command = "RequestInternalEvents"
	SendInternalEvents    Command = "SendInternalEvents"

	RequestCachedFiles Command = "RequestCachedFiles"
	SendCachedFiles    Command = "SendCachedFiles"

	RequestStatistics Command = "RequestStatistics"
	SendStatistics    Command = "SendStatistics"

	RequestInternalState Command = "RequestInternalState"
	SendInternalState    Command = "SendInternalState"

	RequestGlobalStatistics Command = "RequestGlobalStatistics"
	SendGlobalStatistics    Command = "SendGlobalStatistics"

	RequestEnableRule  Command = "RequestEnableRule"
	RequestDisableRule Command = "RequestDisableRule"
)

// Envelope is the flat request/reply frame exchanged over the control
// socket: {datetime, command, payload}. payload is one of the Send*
// structs below, opaque at the envelope level.
type Envelope struct {
	Datetime time.Time       `json:"datetime"`
	Command  Command         `json:"command"`
	Payload  gojson.RawMessage `json:"payload,omitempty"`
}

// Marshal/Unmarshal use goccy/go-json, the same codec the trace store and
// histogram use for their on-disk envelopes.
func Marshal(e Envelope) ([]byte, error) { return gojson.Marshal(e) }
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	err := gojson.Unmarshal(b, &e)
	return e, err
}

// TrackedProcessView is one row of a SendTrackedProcesses reply.
type TrackedProcessView struct {
	PID     int    `json:"pid"`
	Comm    string `json:"comm"`
	ExePath string `json:"exe_path"`
	Cmdline string `json:"cmdline"`
	IsDead  bool   `json:"is_dead"`
}

// TracerView is one row of a SendInFlightTracers reply.
type TracerView struct {
	Hash            string    `json:"hash"`
	Exe             string    `json:"exe"`
	StartedAt       time.Time `json:"started_at"`
	EntryCount      int       `json:"entry_count"`
	AccumulatedSize int64     `json:"accumulated_size"`
	ProcessExited   bool      `json:"process_exited"`
}

// WorkerStateView mirrors one prefetch worker's telemetry slot.
type WorkerStateView struct {
	Worker int    `json:"worker"`
	Kind   string `json:"kind"`
	Path   string `json:"path,omitempty"`
}

// PrefetchStatusView is the SendPrefetchStatus payload.
type PrefetchStatusView struct {
	Workers    []WorkerStateView `json:"workers"`
	CachedSize int               `json:"cached_size"`
}

// CachedFileView is one row of a SendCachedFiles reply.
type CachedFileView struct {
	Path string `json:"path"`
}

// StatisticsView is the SendStatistics payload: rolling counters the
// daemon keeps beyond what the spec's core strictly requires, carried
// over from the original daemon's metrics plugin (src/plugins/metrics.rs)
// as a supplemented feature.
type StatisticsView struct {
	TracesCreated     uint64 `json:"traces_created"`
	TracesPersisted   uint64 `json:"traces_persisted"`
	TracesPruned      uint64 `json:"traces_pruned"`
	FilesWarmed       uint64 `json:"files_warmed"`
	FilesEvicted      uint64 `json:"files_evicted"`
	RulesMatched      uint64 `json:"rules_matched"`
	HousekeepingRuns  uint64 `json:"housekeeping_runs"`
}

// GlobalStatisticsView is the SendGlobalStatistics payload: a point-in-time
// snapshot of daemon-wide gauges, as opposed to StatisticsView's counters.
type GlobalStatisticsView struct {
	TrackedProcesses int     `json:"tracked_processes"`
	InFlightTracers  int     `json:"in_flight_tracers"`
	MappedFiles      int     `json:"mapped_files"`
	PercentMemUsed   float64 `json:"percent_mem_used"`
	Uptime           string  `json:"uptime"`
}

// InternalStateView is the SendInternalState payload, a catch-all
// debugging snapshot.
type InternalStateView struct {
	Statistics       StatisticsView       `json:"statistics"`
	GlobalStatistics GlobalStatisticsView `json:"global_statistics"`
}
