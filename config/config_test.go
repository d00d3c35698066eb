package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	p := writeFile(t, "cachesync.yaml", `
redis:
  addrs: ["r1:6379", "r2:6379"]
realtime:
  transport: nats
  codec: msgpack
coordinator:
  layer_timeout: 2s
render_cache:
  provider: ristretto
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, c.Redis.Addrs)
	assert.Equal(t, "nats", c.Realtime.Transport)
	assert.Equal(t, "msgpack", c.Realtime.Codec)
	assert.Equal(t, 2*time.Second, c.Coordinator.LayerTimeout)
	assert.Equal(t, "ristretto", c.RenderCache.Provider)
	// untouched defaults survive
	assert.Equal(t, 10*time.Second, c.Changes.StoreTimeout)
	assert.Equal(t, "server", c.Coordinator.Runtime)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, "bad.yaml", "coordinator:\n  runtmie: client\n")
	_, err := Load(p)
	require.Error(t, err)
}

func TestEmptyFileIsDefaults(t *testing.T) {
	p := writeFile(t, "empty.yaml", "")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CACHESYNC_COORDINATOR_RUNTIME", "client")
	t.Setenv("CACHESYNC_REDIS_ADDRS", "a:1, b:2,")
	t.Setenv("CACHESYNC_CHANGES_STORE_TIMEOUT", "3s")
	t.Setenv("CACHESYNC_BREAKER_ENABLED", "false")
	t.Setenv("CACHESYNC_POSTGRES_MAX_CONNS", "16")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "client", c.Coordinator.Runtime)
	assert.Equal(t, []string{"a:1", "b:2"}, c.Redis.Addrs)
	assert.Equal(t, 3*time.Second, c.Changes.StoreTimeout)
	assert.False(t, c.Breaker.Enabled)
	assert.Equal(t, int32(16), c.Postgres.MaxConns)
}

func TestEnvOverrideParseError(t *testing.T) {
	t.Setenv("CACHESYNC_COORDINATOR_LAYER_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHESYNC_COORDINATOR_LAYER_TIMEOUT")
}

func TestValidateCollectsAll(t *testing.T) {
	c := Default()
	c.Coordinator.Runtime = "edge"
	c.Realtime.Transport = "kafka"
	c.Realtime.Codec = "xml"
	c.Breaker.FailureThreshold = 2
	err := c.Validate()
	require.Error(t, err)
	for _, field := range []string{"coordinator.runtime", "realtime.transport", "realtime.codec", "breaker.failure_threshold"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	p := writeFile(t, ".env", "CACHESYNC_REALTIME_PREFIX=staging\n")
	t.Setenv("CACHESYNC_REALTIME_PREFIX", "")
	require.NoError(t, os.Unsetenv("CACHESYNC_REALTIME_PREFIX")) // restored by Setenv cleanup
	require.NoError(t, LoadDotEnv(p))
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "staging", c.Realtime.Prefix)
}
