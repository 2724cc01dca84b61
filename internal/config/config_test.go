package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(250), cfg.Scheduler.MaxTaskBlocks)
	assert.Equal(t, 4096, cfg.Scheduler.QueueDepthCap)
	assert.Equal(t, 3, cfg.Scheduler.TaskRetryBudget)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Scheduler.HeartbeatMisses)
	assert.Equal(t, ":10115", cfg.Scheduler.ListenAddr)
	assert.Equal(t, ":10114", cfg.Server.APIAddr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MAX_TASK_BLOCKS", "50")
	t.Setenv("QUEUE_DEPTH_CAP", "128")
	t.Setenv("HEARTBEAT_INTERVAL_SEC", "5")
	t.Setenv("DWORKER_AUTH_TOKEN", "sekrit")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(50), cfg.Scheduler.MaxTaskBlocks)
	assert.Equal(t, 128, cfg.Scheduler.QueueDepthCap)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.HeartbeatInterval)
	assert.Equal(t, "sekrit", cfg.Scheduler.WorkerAuthToken)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("MAX_TASK_BLOCKS", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadWorkerDefaults(t *testing.T) {
	cfg, err := LoadWorker()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:10115/ws", cfg.SchedulerURL)
	assert.Positive(t, cfg.Threads)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
}

func TestLoadWorkerRejectsZeroThreads(t *testing.T) {
	t.Setenv("WORKER_THREADS", "-1")

	_, err := LoadWorker()
	require.Error(t, err)
}
