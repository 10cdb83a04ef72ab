/*
Package config loads the YAML-backed configuration for the mvstore CLI
(spec.md §6's Builder surface, exposed as a file instead of only flags).
It mirrors the teacher's plain `Config` struct-literal style
(pkg/manager.Config) plus its `gopkg.in/yaml.v3` dependency, which
cmd/warren's `apply` command uses the same way for resource files.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of an mvstore.Builder (spec.md §6).
// Durations are written as Go duration strings ("1s", "45s") rather than
// bare integers so the file stays self-describing.
type Config struct {
	FileName          string `yaml:"fileName"`
	ReadOnly          bool   `yaml:"readOnly"`
	CacheSizeMB       int    `yaml:"cacheSizeMB"`
	CompressData      bool   `yaml:"compressData"`
	WriteBufferSizeMB int    `yaml:"writeBufferSizeMB"`
	PageSplitSize     int    `yaml:"pageSplitSize"`
	WriteDelay        string `yaml:"writeDelay"`
	LockTimeout       string `yaml:"lockTimeout"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// Default returns the configuration matching spec.md §6's defaults.
func Default(fileName string) *Config {
	c := &Config{
		FileName:          fileName,
		CacheSizeMB:       16,
		WriteBufferSizeMB: 4,
		PageSplitSize:     6 * 1024,
		WriteDelay:        "1s",
		LockTimeout:       "2s",
	}
	c.Log.Level = "info"
	return c
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}

// WriteDelayDuration parses WriteDelay, defaulting to 1s on empty/invalid
// input.
func (c *Config) WriteDelayDuration() time.Duration {
	return parseDurationOr(c.WriteDelay, time.Second)
}

// LockTimeoutDuration parses LockTimeout, defaulting to 2s on empty/invalid
// input.
func (c *Config) LockTimeoutDuration() time.Duration {
	return parseDurationOr(c.LockTimeout, 2*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
