package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	c := Default("/tmp/x.mvstore")

	assert.Equal(t, 16, c.CacheSizeMB)
	assert.Equal(t, 4, c.WriteBufferSizeMB)
	assert.Equal(t, 6*1024, c.PageSplitSize)
	assert.Equal(t, time.Second, c.WriteDelayDuration())
	assert.Equal(t, 2*time.Second, c.LockTimeoutDuration())
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mvstore.yaml")
	body := []byte(`
fileName: /data/store.mvstore
readOnly: true
cacheSizeMB: 64
compressData: true
writeBufferSizeMB: 8
pageSplitSize: 8192
writeDelay: 2s
lockTimeout: 500ms
log:
  level: debug
  json: true
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/store.mvstore", c.FileName)
	assert.True(t, c.ReadOnly)
	assert.Equal(t, 64, c.CacheSizeMB)
	assert.True(t, c.CompressData)
	assert.Equal(t, 8, c.WriteBufferSizeMB)
	assert.Equal(t, 8192, c.PageSplitSize)
	assert.Equal(t, 2*time.Second, c.WriteDelayDuration())
	assert.Equal(t, 500*time.Millisecond, c.LockTimeoutDuration())
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Log.JSON)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDurationFallbackOnInvalidInput(t *testing.T) {
	c := &Config{WriteDelay: "not-a-duration", LockTimeout: ""}
	assert.Equal(t, time.Second, c.WriteDelayDuration())
	assert.Equal(t, 2*time.Second, c.LockTimeoutDuration())
}
