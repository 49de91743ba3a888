// Package config 配置
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	AppEnv      string

	// PostgreSQL
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string

	// Saga execution
	StepTimeout        time.Duration
	LockTTL            time.Duration
	LockWait           time.Duration
	IdempotencyTTL     time.Duration
	StalenessThreshold time.Duration
	RecoveryInterval   time.Duration

	// Record lifecycle collaborators
	RepoDir     string
	HookChannel string

	// Auth
	InternalToken string
	MetricsToken  string

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64

	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "civicpress-lifecycle"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8091),
		AppEnv:      getEnv("APP_ENV", "dev"),

		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5436), // 默认使用5436避免与其他项目冲突
		DBUser:            getEnv("DB_USER", "civicpress"),
		DBPassword:        getEnv("DB_PASSWORD", "civicpress123"),
		DBName:            getEnv("DB_NAME", "civicpress"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "disable"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6380"), // 默认使用6380避免与本地Redis冲突
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		StepTimeout:        getEnvDuration("SAGA_STEP_TIMEOUT", 30*time.Second),
		LockTTL:            getEnvDuration("SAGA_LOCK_TTL", 5*time.Minute),
		LockWait:           getEnvDuration("SAGA_LOCK_WAIT", 5*time.Second),
		IdempotencyTTL:     getEnvDuration("SAGA_IDEMPOTENCY_TTL", 24*time.Hour),
		StalenessThreshold: getEnvDuration("SAGA_STALENESS_THRESHOLD", 5*time.Minute),
		RecoveryInterval:   getEnvDuration("SAGA_RECOVERY_INTERVAL", time.Minute),

		RepoDir:     getEnv("REPO_DIR", "./data/repo"),
		HookChannel: getEnv("HOOK_CHANNEL", "civicpress:hooks"),

		InternalToken: getEnv("INTERNAL_TOKEN", ""),
		MetricsToken:  getEnv("METRICS_TOKEN", ""),

		TracingEnabled:    getEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   getEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: getEnvFloat("TRACING_SAMPLE_RATE", 0.1),

		WorkerID: int64(getEnvInt("WORKER_ID", 1)),
	}
}

// Validate 生产环境下的配置检查
func (c *Config) Validate() error {
	if c.InternalToken == "" {
		return fmt.Errorf("INTERNAL_TOKEN is required")
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("SAGA_STEP_TIMEOUT must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("SAGA_LOCK_TTL must be positive")
	}
	// 锁在执行中按检查点续期，但首次 TTL 至少要撑过一个最慢的步骤
	if c.LockTTL < c.StepTimeout {
		return fmt.Errorf("SAGA_LOCK_TTL must be at least SAGA_STEP_TIMEOUT")
	}
	if c.AppEnv != "dev" {
		if c.DBPassword == "" || c.DBPassword == "civicpress123" {
			return fmt.Errorf("DB_PASSWORD must be explicitly set (APP_ENV=%s)", c.AppEnv)
		}
		if c.DBSSLMode == "disable" {
			return fmt.Errorf("DB_SSL_MODE must not be disable (APP_ENV=%s)", c.AppEnv)
		}
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
