package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	LeaseBackendStore      = "store"
	LeaseBackendKubernetes = "kubernetes"
)

type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Worker
	WorkerID string

	// Store
	StoreDriver string
	DatabaseURL string
	RedisURL    string
	RedisPrefix string

	// Lease
	LeaseName      string
	LeaseTTL       time.Duration
	LeaseBackend   string
	KubeNamespace  string
	KubeconfigPath string

	// Poll scheduler
	PollMinInterval time.Duration
	PollMaxInterval time.Duration
	QueuePageSize   int

	// Formation
	HandoffEnabled  bool
	BatchSize       int
	CohortSize      int
	ReadyWindow     time.Duration
	SettingsRefresh time.Duration

	// Downstream matchmaker
	MatchmakerURL string
	NotifyTimeout time.Duration

	// CORS
	CORSAllowedOrigins []string

	// Rate limit (쓰기 엔드포인트, IP당 분당 요청 수)
	RateLimitPerMinute int
}

func Load() (*Config, error) {
	// .env 파일 로드 (있는 경우)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		WorkerID:           getEnv("WORKER_ID", ""),
		StoreDriver:        getEnv("STORE_DRIVER", StoreMemory),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		RedisPrefix:        getEnv("REDIS_PREFIX", "queuebot:"),
		LeaseName:          getEnv("LEASE_NAME", "matchmaking"),
		LeaseTTL:           parseDuration(getEnv("LEASE_TTL", "15s"), 15*time.Second),
		LeaseBackend:       getEnv("LEASE_BACKEND", LeaseBackendStore),
		KubeNamespace:      getEnv("KUBE_NAMESPACE", "default"),
		KubeconfigPath:     getEnv("KUBECONFIG", ""),
		PollMinInterval:    parseDuration(getEnv("POLL_MIN_INTERVAL", "1s"), time.Second),
		PollMaxInterval:    parseDuration(getEnv("POLL_MAX_INTERVAL", "30s"), 30*time.Second),
		QueuePageSize:      parseInt(getEnv("QUEUE_PAGE_SIZE", "100"), 100),
		HandoffEnabled:     parseBool(getEnv("HANDOFF_ENABLED", "true"), true),
		BatchSize:          parseInt(getEnv("BATCH_SIZE", "10"), 10),
		CohortSize:         parseInt(getEnv("COHORT_SIZE", "10"), 10),
		ReadyWindow:        time.Duration(parseInt(getEnv("READY_CHECK_MS", "30000"), 30000)) * time.Millisecond,
		SettingsRefresh:    parseDuration(getEnv("SETTINGS_REFRESH", "5s"), 5*time.Second),
		MatchmakerURL:      getEnv("MATCHMAKER_URL", ""),
		NotifyTimeout:      parseDuration(getEnv("NOTIFY_TIMEOUT", "3s"), 3*time.Second),
		CORSAllowedOrigins: parseList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		RateLimitPerMinute: parseInt(getEnv("RATE_LIMIT_PER_MINUTE", "120"), 120),
	}

	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 필수 설정과 범위 검증 (실패 시 프로세스는 바로 종료해야 한다)
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for store driver %q", c.StoreDriver)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store driver %q", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.LeaseBackend {
	case LeaseBackendStore, "":
	case LeaseBackendKubernetes:
		if c.KubeNamespace == "" {
			return fmt.Errorf("KUBE_NAMESPACE is required for lease backend %q", c.LeaseBackend)
		}
		if c.LeaseTTL < time.Second {
			return fmt.Errorf("LEASE_TTL must be at least 1s for lease backend %q", c.LeaseBackend)
		}
	default:
		return fmt.Errorf("unknown LEASE_BACKEND %q", c.LeaseBackend)
	}

	if c.PollMinInterval <= 0 || c.PollMaxInterval < c.PollMinInterval {
		return fmt.Errorf("invalid poll interval bounds: min=%s max=%s", c.PollMinInterval, c.PollMaxInterval)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("LEASE_TTL must be positive")
	}
	if c.BatchSize <= 0 || c.CohortSize <= 0 {
		return fmt.Errorf("BATCH_SIZE and COHORT_SIZE must be positive")
	}
	if c.QueuePageSize <= 0 {
		return fmt.Errorf("QUEUE_PAGE_SIZE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
