// Package config loads the scheduler's runtime configuration from the
// environment. It follows the teacher's convention of flat os.Getenv
// reads with defaults rather than a generic binding library.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved, floor-clamped runtime configuration.
type Config struct {
	PostgresDSN string
	RedisAddr   string
	RedisDB     int
	NATSURL     string
	StreamName  string

	EnablePlanner      bool
	EnableDispatcher   bool
	EnableAckConsumer  bool
	EnableSweeper      bool

	PlannerBatchSize int

	IdempotencyTTL    time.Duration
	RedisKeyPrefix    string

	AckTimeout                    time.Duration
	MaxConcurrency                int
	DispatchBatchSize             int
	DispatchPollInterval          time.Duration
	DispatchMaxRetry              int
	DispatchRetryBackoff          time.Duration
	DispatchRetryJitter           time.Duration
	MaxInflightPerMicrocontroller int

	SweepInterval  time.Duration
	SweepBatchSize int
}

// Load reads environment variables, applying the defaults and floors the
// reference implementation applies at construction time.
func Load() Config {
	return Config{
		PostgresDSN: envString("POSTGRES_DSN", "postgres://localhost:5432/smart_schedulers"),
		RedisAddr:   envString("REDIS_ADDR", "localhost:6379"),
		RedisDB:     envInt("REDIS_DB", 0),
		NATSURL:     envString("NATS_URL", "nats://localhost:4222"),
		StreamName:  envString("STREAM_NAME", "device_communication"),

		EnablePlanner:     envBool("SCHEDULER_ENABLE_PLANNER", true),
		EnableDispatcher:  envBool("SCHEDULER_ENABLE_DISPATCHER", true),
		EnableAckConsumer: envBool("SCHEDULER_ENABLE_ACK_CONSUMER", true),
		EnableSweeper:     envBool("SCHEDULER_ENABLE_TIMEOUT_SWEEPER", true),

		PlannerBatchSize: maxInt(1, envInt("SCHEDULER_PLANNER_BATCH_SIZE", 1000)),

		IdempotencyTTL: maxDuration(30*time.Second, envSeconds("SCHEDULER_IDEMPOTENCY_TTL_SEC", 120)),
		RedisKeyPrefix: envString("SCHEDULER_REDIS_PREFIX", "smart-schedulers"),

		AckTimeout:                    maxDuration(1*time.Second, envSeconds("SCHEDULER_ACK_TIMEOUT_SEC", 3)),
		MaxConcurrency:                maxInt(1, envInt("SCHEDULER_MAX_CONCURRENCY", 25)),
		DispatchBatchSize:             maxInt(1, envInt("SCHEDULER_DISPATCH_BATCH_SIZE", 500)),
		DispatchPollInterval:          maxDuration(50*time.Millisecond, envSecondsFloat("SCHEDULER_DISPATCH_POLL_SEC", 0.2)),
		DispatchMaxRetry:              maxInt(0, envInt("SCHEDULER_DISPATCH_MAX_RETRY", 1)),
		DispatchRetryBackoff:          maxDuration(0, envSecondsFloat("SCHEDULER_DISPATCH_RETRY_BACKOFF_SEC", 0.25)),
		DispatchRetryJitter:           maxDuration(0, envSecondsFloat("SCHEDULER_DISPATCH_RETRY_JITTER_SEC", 0.25)),
		MaxInflightPerMicrocontroller: maxInt(1, envInt("SCHEDULER_MAX_INFLIGHT_PER_MICROCONTROLLER", 1)),

		SweepInterval:  maxDuration(100*time.Millisecond, envSecondsFloat("SCHEDULER_TIMEOUT_SWEEPER_INTERVAL_SEC", 1.0)),
		SweepBatchSize: maxInt(1, envInt("SCHEDULER_TIMEOUT_SWEEPER_BATCH_SIZE", 500)),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	switch v {
	case "1", "true", "TRUE", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "no", "NO", "off", "OFF":
		return false
	default:
		return def
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envSeconds reads an integer-seconds env var into a time.Duration.
func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

// envSecondsFloat reads a fractional-seconds env var (the reference
// implementation's poll/backoff intervals are sub-second) into a
// time.Duration.
func envSecondsFloat(key string, defSeconds float64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defSeconds * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Duration(defSeconds * float64(time.Second))
	}
	return time.Duration(f * float64(time.Second))
}

func maxInt(floor, v int) int {
	if v < floor {
		return floor
	}
	return v
}

func maxDuration(floor, v time.Duration) time.Duration {
	if v < floor {
		return floor
	}
	return v
}
