package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_FillsSpecLiterals(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Room.SendTimeoutSec)
	assert.Equal(t, 30, cfg.Room.HeartbeatSec)
	assert.Equal(t, 5, cfg.Room.ModAuthTimeoutSec)
	assert.Equal(t, 2, cfg.Room.SpectatorAuthGraceSec)
	assert.Equal(t, 1000, cfg.Room.StatusThrottleMs)
	assert.Equal(t, 60, cfg.Monitor.IntervalSec)
	assert.Equal(t, 15, cfg.Monitor.InactivityTimeoutMin)
	assert.Equal(t, 15, cfg.Monitor.NoShowTimeoutMin)
	assert.Equal(t, 4, cfg.Notify.WorkerCount)
}

func TestApplyEnvOverrides_PortFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	cfg := &Config{}
	cfg.applyEnvOverrides()
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestApplyEnvOverrides_RedisEnabled(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	cfg := &Config{}
	cfg.applyEnvOverrides()
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestRoomConfig_DurationMethods(t *testing.T) {
	rc := RoomConfig{SendTimeoutSec: 5, HeartbeatSec: 30, StatusThrottleMs: 1000}
	assert.Equal(t, "5s", rc.SendTimeout().String())
	assert.Equal(t, "30s", rc.Heartbeat().String())
	assert.Equal(t, "1s", rc.StatusThrottle().String())
}

func TestIsProductionIsDevelopment(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Env: "production"}}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
