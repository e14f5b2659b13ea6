package blacklist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	s := Compile([]string{"/proc/**", "/tmp/*.sock"})
	assert.True(t, s.Match("/proc/1/status"))
	assert.True(t, s.Match("/tmp/foo.sock"))
	assert.False(t, s.Match("/usr/bin/echo"))
}

func TestEmptySet(t *testing.T) {
	var s *Set
	assert.False(t, s.Match("/anything"))
	assert.True(t, s.Empty())

	s2 := Compile(nil)
	assert.True(t, s2.Empty())
}

func TestInvalidPatternSkipped(t *testing.T) {
	s := Compile([]string{"[", "/ok/*"})
	assert.True(t, s.Match("/ok/file"))
}
