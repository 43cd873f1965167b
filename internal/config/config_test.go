package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "agent.mandates", cfg.InputQueue)
	assert.Equal(t, "agent.status", cfg.StatusQueue)
	assert.Equal(t, 10*time.Second, cfg.StatusPeriod)
	assert.Equal(t, 32, cfg.DailyTickLimit)
	assert.Equal(t, 1, cfg.MinWorkers)
	assert.Equal(t, 11, cfg.MaxWorkers)
	assert.Equal(t, 2, cfg.TargetMessagesPerWorker)
	assert.Equal(t, "worker_state", cfg.WorkerStatePrefix)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_QueueNameFallsBackToInputQueue(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.InputQueue, cfg.QueueName)

	t.Setenv("QUEUE_NAME", "agent.mandates.staging")
	cfg, err = config.Load()
	require.NoError(t, err)
	assert.Equal(t, "agent.mandates.staging", cfg.QueueName)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("AGENT_STATUS_TIME", "4s")
	t.Setenv("JITTER_SECONDS", "1.5")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 12*time.Second, cfg.PresenceTTL())
	assert.Equal(t, 1500*time.Millisecond, cfg.Jitter())
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("AGENT_STATUS_TIME", "soon")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=config.Load")
}
