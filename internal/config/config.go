package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBDriver string
	DBDSN    string

	BatchWorkers int           // max concurrent (student, offering) pairs
	LockTimeout  time.Duration // wait bound for the per-pair exclusive section
	StoreTimeout time.Duration // bound on one read-compute-write pass

	LogLevel string // debug|info|warn|error
}

func FromEnv() Config {
	return Config{
		DBDriver:     envOr("DB_DRIVER", "sqlite"),
		DBDSN:        envOr("DB_DSN", ""),
		BatchWorkers: envInt("BATCH_WORKERS", 8),
		LockTimeout:  envDuration("LOCK_TIMEOUT", 5*time.Second),
		StoreTimeout: envDuration("STORE_TIMEOUT", 30*time.Second),
		LogLevel:     envOr("LOG_LEVEL", "info"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(k)); err == nil && v > 0 {
		return v
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(k)); err == nil && v > 0 {
		return v
	}
	return def
}
