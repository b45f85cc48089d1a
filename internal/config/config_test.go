package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "pillnow", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "tcp://127.0.0.1:1883", cfg.MQTT.Broker)
	assert.Equal(t, ":5001", cfg.HTTP.Addr)

	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.DedupWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.StaggerDelay)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.PruneAge)
	assert.Equal(t, 500, cfg.Scheduler.PruneCap)
	assert.True(t, cfg.Scheduler.PreCapture)

	assert.Equal(t, 3*time.Second, cfg.Bus.CaptureDebounce)
	assert.Equal(t, 50, cfg.Ingest.MismatchLimit)
	assert.Equal(t, 15*time.Second, cfg.Ingest.AlertCooldown)

	assert.Equal(t, 60*time.Second, cfg.Device.AlarmCeiling)
	assert.Equal(t, 400*time.Millisecond, cfg.Device.AlarmInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Device.LocateInterval)
	assert.Equal(t, 5*time.Second, cfg.Device.StopThrottle)
	assert.Equal(t, 8, cfg.Device.ScheduleSlots)

	assert.Equal(t, time.Second, cfg.Mobile.LockTTL)
	assert.Equal(t, 200*time.Millisecond, cfg.Mobile.SyncDebounce)
	assert.Equal(t, 100, cfg.Mobile.ReplayLimit)
	assert.Equal(t, 60*time.Second, cfg.Mobile.GraceWindow)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "15432")
	t.Setenv("MQTT_TOPIC_PREFIX", "pillnow-test")
	t.Setenv("DEVICE_OVERRIDE", "gateway1")
	t.Setenv("PRE_CAPTURE", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 15432, cfg.Database.Port)
	assert.Equal(t, "pillnow-test", cfg.Bus.TopicPrefix)
	assert.Equal(t, "gateway1", cfg.Bus.DeviceOverride)
	assert.False(t, cfg.Scheduler.PreCapture)
}

func TestLoad_BadIntFallsBack(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	c := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		Database: "pillnow",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=localhost port=5432 user=postgres password=secret dbname=pillnow sslmode=disable", c.GetDSN())
}
