package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowcore/precached/internal/blacklist"
	"github.com/hollowcore/precached/internal/eventbus"
)

const sampleRuleFile = `
!Version: 1
!Enabled: true
!Name: test-rules
!Description: exercises every action

# a comment line
Ping  *  Noop
GatherStatsAndMetrics  *  Log  Severity:Info,Message:"tick for $user at $date"
DoHousekeeping  *  CacheMetadataRecursive  Directory:/var/cache/app
`

func TestParseFile(t *testing.T) {
	rf, err := ParseFile(strings.NewReader(sampleRuleFile))
	require.NoError(t, err)
	assert.Equal(t, "1", rf.Version)
	assert.True(t, rf.Enabled)
	assert.Equal(t, "test-rules", rf.Name)
	require.Len(t, rf.Rules, 3)

	assert.Equal(t, eventbus.Ping, rf.Rules[0].Event)
	assert.Equal(t, Noop, rf.Rules[0].Action)

	assert.Equal(t, Log, rf.Rules[1].Action)
	assert.Equal(t, "Info", rf.Rules[1].Params["Severity"])
	assert.Equal(t, "tick for $user at $date", rf.Rules[1].Params["Message"])

	assert.Equal(t, CacheMetadataRecursive, rf.Rules[2].Action)
	assert.Equal(t, "/var/cache/app", rf.Rules[2].Params["Directory"])
}

func TestParseFileRejectsUnterminatedQuote(t *testing.T) {
	_, err := ParseFile(strings.NewReader(`Ping * Log Message:"oops`))
	assert.Error(t, err)
}

func TestMacroExpansion(t *testing.T) {
	m := Macros{User: "alice", HomeDir: "/home/alice", MemInfo: func() string { return "50%" }}
	got := m.expand("user=$user home=$home_dir mem=$meminfo")
	assert.Equal(t, "user=alice home=/home/alice mem=50%", got)
}

func TestEngineMatchAndExecuteLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rules"), []byte(sampleRuleFile), 0640))

	e := New(Config{Blacklist: blacklist.Compile(nil), Macros: Macros{User: "bob"}})
	require.NoError(t, e.Reload(dir))

	matched := e.Match(eventbus.Ping)
	require.Len(t, matched, 1)
	assert.NoError(t, e.Execute(matched[0]))

	logMatched := e.Match(eventbus.GatherStatsAndMetrics)
	require.Len(t, logMatched, 1)
	assert.NoError(t, e.Execute(logMatched[0]))
}

func TestEngineSkipsDisabledFile(t *testing.T) {
	dir := t.TempDir()
	disabled := strings.Replace(sampleRuleFile, "!Enabled: true", "!Enabled: false", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rules"), []byte(disabled), 0640))

	e := New(Config{})
	require.NoError(t, e.Reload(dir))
	assert.Empty(t, e.Match(eventbus.Ping))
}

type fakeMemGate struct{ pct float64 }

func (f fakeMemGate) PercentUsed() float64 { return f.pct }

func TestCacheMetadataRecursiveHonorsConfiguredCriticalPct(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0640))

	e := New(Config{MemGate: fakeMemGate{pct: 80}, CriticalPct: 70})
	err := e.cacheMetadataRecursive(dir)
	assert.NoError(t, err)
	assert.Zero(t, e.statCache.len(), "walk must abandon immediately once PercentUsed exceeds the configured critical threshold")
}

func TestCacheMetadataRecursiveDefaultCriticalPct(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0640))

	e := New(Config{MemGate: fakeMemGate{pct: 80}})
	err := e.cacheMetadataRecursive(dir)
	assert.NoError(t, err)
	assert.Equal(t, 1, e.statCache.len(), "default critical threshold of 90 must not abandon a walk at 80% used")
}

func TestEnableDisableRewritesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.rules")
	require.NoError(t, os.WriteFile(p, []byte(sampleRuleFile), 0640))

	require.NoError(t, Disable(p))
	rf, err := ParseFilePath(p)
	require.NoError(t, err)
	assert.False(t, rf.Enabled)

	require.NoError(t, Enable(p))
	rf, err = ParseFilePath(p)
	require.NoError(t, err)
	assert.True(t, rf.Enabled)
}
