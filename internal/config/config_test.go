package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	conf, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", conf.Server.Port)
	assert.Equal(t, "autograder:latest", conf.Sandbox.Image)
	assert.Equal(t, int64(128*1024*1024), conf.Sandbox.MemoryBytes)
	assert.Equal(t, int64(500_000_000), conf.Sandbox.NanoCPUs)
	assert.Equal(t, int64(4*1024*1024), conf.Sandbox.MaxOutput)
	assert.Equal(t, 60*time.Second, conf.Sandbox.Timeout)
	assert.Equal(t, 5*time.Minute, conf.Sandbox.BuildTimeout)
	assert.Equal(t, []string{"./autograding_src/autograder"}, conf.Sandbox.Command)
	assert.Equal(t, "/input.zip", conf.Sandbox.ArchiveMount)
	assert.Equal(t, "/data", conf.Sandbox.DataMount)
	assert.Equal(t, StorePostgres, conf.Store)
	assert.Empty(t, conf.Redis.Addr)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SANDBOX_MEMORY", "256m")
	t.Setenv("SANDBOX_CPUS", "1.5")
	t.Setenv("SANDBOX_MAX_OUTPUT", "512k")
	t.Setenv("SANDBOX_TIMEOUT", "30s")
	t.Setenv("SANDBOX_COMMAND", "/bin/grade --strict")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("STORE", "memory")
	t.Setenv("REDIS_ADDR", "redis:6379")

	conf, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, int64(256*1024*1024), conf.Sandbox.MemoryBytes)
	assert.Equal(t, int64(1_500_000_000), conf.Sandbox.NanoCPUs)
	assert.Equal(t, int64(512*1024), conf.Sandbox.MaxOutput)
	assert.Equal(t, 30*time.Second, conf.Sandbox.Timeout)
	assert.Equal(t, []string{"/bin/grade", "--strict"}, conf.Sandbox.Command)
	assert.Equal(t, 8, conf.Worker.Count)
	assert.Equal(t, StoreMemory, conf.Store)
	assert.Equal(t, "redis:6379", conf.Redis.Addr)
}

func TestFromEnvReportsEveryBadValue(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-port")
	t.Setenv("SANDBOX_TIMEOUT", "soon")
	t.Setenv("SANDBOX_MEMORY", "lots")
	t.Setenv("SANDBOX_MAX_OUTPUT", "plenty")
	t.Setenv("STORE", "sqlite")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PORT")
	assert.Contains(t, err.Error(), "SANDBOX_TIMEOUT")
	assert.Contains(t, err.Error(), "SANDBOX_MEMORY")
	assert.Contains(t, err.Error(), "SANDBOX_MAX_OUTPUT")
	assert.Contains(t, err.Error(), "STORE")
}
