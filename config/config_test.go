package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgrzl/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParse(t *testing.T) {
	t.Run("should apply defaults to an empty document", func(t *testing.T) {
		cfg, err := Parse([]byte(""))
		require.NoError(t, err)

		assert.Equal(t, BackendSQLite, cfg.Backend)
		assert.Equal(t, "./connect.db", cfg.SQLite.Path)
		assert.Equal(t, 64, cfg.Locking.Stripes)
		assert.Equal(t, 256, cfg.Events.Buffer)
		assert.Equal(t, "localhost:6379", cfg.Events.RedisAddress)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("should read every section", func(t *testing.T) {
		cfg, err := Parse([]byte(`
backend: pebble
pebble:
  path: /var/lib/connect
redis:
  address: redis:6379
filters:
  keys: [type, status, param.]
locking:
  stripes: 8
events:
  buffer: 16
  log: true
  redis_channel: connections
log:
  level: debug
  development: true
`))
		require.NoError(t, err)

		assert.Equal(t, BackendPebble, cfg.Backend)
		assert.Equal(t, "/var/lib/connect", cfg.Pebble.Path)
		assert.Equal(t, []string{"type", "status", "param."}, cfg.Filters.Keys)
		assert.Equal(t, 8, cfg.Locking.Stripes)
		assert.Equal(t, 16, cfg.Events.Buffer)
		assert.True(t, cfg.Events.Log)
		assert.Equal(t, "connections", cfg.Events.RedisChannel)
		assert.Equal(t, "redis:6379", cfg.Events.RedisAddress, "events follow the redis backend address")
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.True(t, cfg.Log.Development)
	})

	t.Run("should reject invalid documents", func(t *testing.T) {
		for name, doc := range map[string]string{
			"malformed yaml":      "backend: [",
			"unknown backend":     "backend: cassandra",
			"missing azure creds": "backend: tablestorage",
			"unknown filter key":  "filters:\n  keys: [color]",
		} {
			t.Run(name, func(t *testing.T) {
				_, err := Parse([]byte(doc))
				assert.Error(t, err)
			})
		}
	})

	t.Run("should skip key checks when permissive", func(t *testing.T) {
		_, err := Parse([]byte("filters:\n  permissive: true\n  keys: [color]"))
		assert.NoError(t, err)
	})
}

func TestLoad(t *testing.T) {
	t.Run("should load an explicit path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "connect.yaml")
		require.NoError(t, os.WriteFile(path, []byte("backend: memory\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, BackendMemory, cfg.Backend)
	})

	t.Run("should fall back to the environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "env.yaml")
		require.NoError(t, os.WriteFile(path, []byte("backend: redis\n"), 0o600))
		t.Setenv(EnvConfigPath, path)

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, BackendRedis, cfg.Backend)
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		_, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestNewFilterValidator(t *testing.T) {
	t.Run("should restrict to the configured keys", func(t *testing.T) {
		validator, err := NewFilterValidator(FiltersConfig{Keys: []string{"type"}})
		require.NoError(t, err)

		assert.NoError(t, validator.ValidateFilters(connect.Filters{"type": "follow"}))
		assert.ErrorIs(t, validator.ValidateFilters(connect.Filters{"status": "connected"}), connect.ErrInvalidFilter)
	})

	t.Run("should accept anything when permissive", func(t *testing.T) {
		validator, err := NewFilterValidator(FiltersConfig{Permissive: true})
		require.NoError(t, err)
		assert.NoError(t, validator.ValidateFilters(connect.Filters{"color": "red"}))
	})
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNewPublisher(t *testing.T) {
	t.Run("should return no publisher without sinks", func(t *testing.T) {
		publisher, closeEvents, err := NewPublisher(EventsConfig{Buffer: 4}, zap.NewNop(), prometheus.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, publisher)
		assert.NoError(t, closeEvents())
	})

	t.Run("should feed the configured sinks", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		publisher, closeEvents, err := NewPublisher(EventsConfig{Buffer: 4, Metrics: true}, zap.NewNop(), reg)
		require.NoError(t, err)
		require.NotNil(t, publisher)

		conn := connect.NewConnection("c1")
		conn.Type = "follow"
		require.NoError(t, publisher.Publish(connect.NewEvent(connect.EventConnected, conn)))
		require.NoError(t, closeEvents())

		families, err := reg.Gather()
		require.NoError(t, err)
		require.Len(t, families, 1)
		assert.Equal(t, "connect_events_total", families[0].GetName())
		require.Len(t, families[0].GetMetric(), 1)
		assert.Equal(t, float64(1), families[0].GetMetric()[0].GetCounter().GetValue())
	})
}

func TestNewService(t *testing.T) {
	cfg, err := Parse([]byte("backend: memory\nlocking:\n  stripes: 4\n"))
	require.NoError(t, err)

	service, err := NewService(context.Background(), cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	conn, err := service.Create("A", "B", "follow")
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())

	connected, err := service.AreConnected("A", "B", connect.Filters{"type": "follow"})
	require.NoError(t, err)
	assert.True(t, connected)

	require.NoError(t, service.Close())
}
