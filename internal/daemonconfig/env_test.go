package daemonconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverridesDirect(t *testing.T) {
	t.Setenv("PRECACHED_LOG_LEVEL", "DEBUG")
	c := &Config{}
	c.ApplyEnvOverrides()
	assert.Equal(t, "DEBUG", c.Log_Level)
}

func TestApplyEnvOverridesFileIndirection(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "state-dir")
	require.NoError(t, os.WriteFile(p, []byte("/var/lib/precached-secret\n"), 0640))

	t.Setenv("PRECACHED_STATE_DIR_FILE", p)
	c := &Config{}
	c.ApplyEnvOverrides()
	assert.Equal(t, "/var/lib/precached-secret", c.State_Dir)
}

func TestApplyEnvOverridesEmptyFileRejected(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(p, []byte(""), 0640))

	t.Setenv("PRECACHED_RULES_DIR_FILE", p)
	c := &Config{Rules_Dir: "/etc/precached/rules.d"}
	c.ApplyEnvOverrides()
	assert.Equal(t, "/etc/precached/rules.d", c.Rules_Dir, "an empty secret file must not clobber the existing value")
}
