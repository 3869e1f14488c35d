package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv  string
	AppName string

	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	DBMaxOpenConns int
	DBMaxIdleConns int

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	AppPort     string
	MetricsPort string
	LogLevel    string

	SweepSchedule    string // cron expression
	SweepBatchLimit  int
	SweepConcurrency int
	DeleteThreshold  float64
	FlagThreshold    float64
	ScoreTimeout     time.Duration

	// FallbackOnly disables the streaming backend entirely.
	FallbackOnly bool
	// LockClaims guards claim primitives with the distributed lock instead of
	// relying on the store's native atomicity.
	LockClaims bool

	OpenAIKey   string
	OpenAIModel string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        os.Getenv("APP_ENV"),
		AppName:       os.Getenv("APP_NAME"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        os.Getenv("DB_PORT"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        os.Getenv("DB_NAME"),
		DBSSLMode:     os.Getenv("DB_SSL_MODE"),
		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     os.Getenv("REDIS_PORT"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		AppPort:       os.Getenv("APP_PORT"),
		MetricsPort:   os.Getenv("METRICS_PORT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		SweepSchedule: os.Getenv("SWEEP_SCHEDULE"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
	}
	if cfg.AppName == "" {
		cfg.AppName = "recallguard"
	}
	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}
	if cfg.AppPort == "" {
		cfg.AppPort = "8080"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 5m"
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize, err = intEnv("REDIS_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.RedisMinIdleConns, err = intEnv("REDIS_MIN_IDLE_CONNS", 2); err != nil {
		return nil, err
	}
	if cfg.RedisMaxRetries, err = intEnv("REDIS_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.DBMaxOpenConns, err = intEnv("DB_MAX_OPEN_CONNS", 20); err != nil {
		return nil, err
	}
	if cfg.DBMaxIdleConns, err = intEnv("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.SweepBatchLimit, err = intEnv("SWEEP_BATCH_LIMIT", 50); err != nil {
		return nil, err
	}
	if cfg.SweepConcurrency, err = intEnv("SWEEP_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.DeleteThreshold, err = floatEnv("DELETE_THRESHOLD", 0.85); err != nil {
		return nil, err
	}
	if cfg.FlagThreshold, err = floatEnv("FLAG_THRESHOLD", 0.5); err != nil {
		return nil, err
	}
	if cfg.ScoreTimeout, err = durationEnv("SCORE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.FallbackOnly, err = boolEnv("QUEUE_FALLBACK_ONLY", false); err != nil {
		return nil, err
	}
	if cfg.LockClaims, err = boolEnv("LOCK_CLAIMS", false); err != nil {
		return nil, err
	}
	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
