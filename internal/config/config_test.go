package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("WORKER_ID", "worker-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, "worker-test", cfg.WorkerID)
	assert.Equal(t, 30*time.Second, cfg.ReadyWindow)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 10, cfg.CohortSize)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.HandoffEnabled)
	assert.Equal(t, LeaseBackendStore, cfg.LeaseBackend)
}

func TestLoad_MissingCredentials(t *testing.T) {
	tests := []struct {
		name   string
		driver string
	}{
		{name: "redis without REDIS_URL", driver: StoreRedis},
		{name: "postgres without DATABASE_URL", driver: StorePostgres},
		{name: "unknown driver", driver: "firestore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORE_DRIVER", tt.driver)
			t.Setenv("REDIS_URL", "")
			t.Setenv("DATABASE_URL", "")

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate_PollBounds(t *testing.T) {
	cfg := &Config{
		StoreDriver:     StoreMemory,
		LeaseTTL:        time.Second,
		PollMinInterval: 10 * time.Second,
		PollMaxInterval: time.Second,
		BatchSize:       10,
		CohortSize:      10,
		QueuePageSize:   100,
	}
	assert.Error(t, cfg.Validate())

	cfg.PollMaxInterval = time.Minute
	assert.NoError(t, cfg.Validate())
}

func TestValidate_LeaseBackend(t *testing.T) {
	base := func() *Config {
		return &Config{
			StoreDriver:     StoreMemory,
			LeaseBackend:    LeaseBackendKubernetes,
			KubeNamespace:   "queue",
			LeaseTTL:        15 * time.Second,
			PollMinInterval: time.Second,
			PollMaxInterval: time.Minute,
			BatchSize:       10,
			CohortSize:      10,
			QueuePageSize:   100,
		}
	}

	t.Run("쿠버네티스 리스 설정 통과", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("네임스페이스 누락", func(t *testing.T) {
		cfg := base()
		cfg.KubeNamespace = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("1초 미만 TTL은 거부", func(t *testing.T) {
		cfg := base()
		cfg.LeaseTTL = 500 * time.Millisecond
		assert.Error(t, cfg.Validate())
	})

	t.Run("알 수 없는 백엔드", func(t *testing.T) {
		cfg := base()
		cfg.LeaseBackend = "etcd"
		assert.Error(t, cfg.Validate())
	})
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"http://a.com", "http://b.com"}, parseList(" http://a.com , http://b.com ,"))
	assert.Nil(t, parseList(""))
}
