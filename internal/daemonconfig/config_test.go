package daemonconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[Global]
State-Dir = /var/lib/precached
Rules-Dir = /etc/precached/rules.d
Trace-Window-Seconds = 45
Min-Trace-Len = 3
Min-Trace-Size = 8KB
Worker-Pool-Size = 8
Available-Mem-Upper-Pct = 65
Program-Blacklist = /usr/bin/ssh-agent
Program-Blacklist = /usr/bin/gpg-agent
`

func TestLoadBytes(t *testing.T) {
	c, err := LoadBytes([]byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/precached", c.State_Dir)
	assert.Equal(t, 45, c.Trace_Window_Seconds)
	assert.EqualValues(t, 8*1024, c.MinTraceSize)
	assert.Equal(t, 8, c.Worker_Pool_Size)
	assert.Equal(t, 65, c.Available_Mem_Upper_Pct)
	assert.ElementsMatch(t, []string{"/usr/bin/ssh-agent", "/usr/bin/gpg-agent"}, c.Program_Blacklist)
}

func TestMissingStateDirRejected(t *testing.T) {
	_, err := LoadBytes([]byte("[Global]\nTrace-Window-Seconds = 10\n"))
	assert.ErrorIs(t, err, ErrMissingStateDir)
}

func TestDefaults(t *testing.T) {
	c, err := LoadBytes([]byte("[Global]\nState-Dir = /var/lib/precached\n"))
	require.NoError(t, err)
	assert.Equal(t, 60, c.Trace_Window_Seconds)
	assert.Equal(t, 4, c.Worker_Pool_Size)
	assert.Equal(t, 90, c.Available_Mem_Crit_Pct)
	assert.Equal(t, "ftrace", c.FS_Activity_Provider)
	assert.Equal(t, "precached", c.Ftrace_Instance)
	assert.Equal(t, "/", c.Mount_Root)
}

func TestFSActivityProviderSelectable(t *testing.T) {
	c, err := LoadBytes([]byte("[Global]\nState-Dir = /var/lib/precached\nFS-Activity-Provider = mount\nMount-Root = /home\n"))
	require.NoError(t, err)
	assert.Equal(t, "mount", c.FS_Activity_Provider)
	assert.Equal(t, "/home", c.Mount_Root)
}

func TestUnknownFSActivityProviderRejected(t *testing.T) {
	_, err := LoadBytes([]byte("[Global]\nState-Dir = /var/lib/precached\nFS-Activity-Provider = bogus\n"))
	assert.Error(t, err)
}
