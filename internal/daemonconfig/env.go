package daemonconfig

import (
	"bufio"
	"errors"
	"os"
)

var errNoEnvArg = errors.New("no env arg")

// ErrEmptyEnvFile is returned when a PRECACHED_*_FILE pointer resolves to an
// empty file.
var ErrEmptyEnvFile = errors.New("environment secret file is empty")

// loadEnv reads nm directly from the environment, falling back to the file
// named by nm+"_FILE" when nm itself is unset — the same indirection
// config/env.go's loadEnv uses so secrets can be mounted as files instead
// of landing in a process's environment listing.
func loadEnv(nm string) (string, error) {
	if v, ok := os.LookupEnv(nm); ok {
		return v, nil
	}
	fp, ok := os.LookupEnv(nm + "_FILE")
	if !ok {
		return "", errNoEnvArg
	}
	return loadEnvFile(fp)
}

func loadEnvFile(nm string) (string, error) {
	fin, err := os.Open(nm)
	if err != nil {
		return "", err
	}
	defer fin.Close()
	s := bufio.NewScanner(fin)
	s.Scan()
	if err := s.Err(); err != nil {
		return "", err
	}
	r := s.Text()
	if r == "" {
		return "", ErrEmptyEnvFile
	}
	return r, nil
}

// ApplyEnvOverrides lets a handful of config values be overridden by the
// environment, the same PRECACHED_X / PRECACHED_X_FILE indirection
// config/env.go's LoadEnvVar uses — useful for container deployments that
// don't want to bind-mount a config file just to change the state
// directory or log level, or that inject a value as a secret file.
func (c *Config) ApplyEnvOverrides() {
	if v, err := loadEnv("PRECACHED_STATE_DIR"); err == nil && v != "" {
		c.State_Dir = v
	}
	if v, err := loadEnv("PRECACHED_RULES_DIR"); err == nil && v != "" {
		c.Rules_Dir = v
	}
	if v, err := loadEnv("PRECACHED_LOG_LEVEL"); err == nil && v != "" {
		c.Log_Level = v
	}
}
