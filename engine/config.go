package engine

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

var (
	DefaultSlots               = int64(4)
	DefaultQueueSize           = 1024
	DefaultMaxRetries          = 3
	DefaultRetryInitialDelay   = 200 * time.Millisecond
	DefaultRetryMaxDelay       = 5 * time.Second
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultTriggerTimeout      = 36 * time.Second
	DefaultBackrunDeadline     = 6 * time.Second
	DefaultSubmitRate          = rate.Limit(10)
	DefaultShutdownGrace       = 30 * time.Second
	DefaultReceiptPollInterval = time.Second
	DefaultReexecutionCooldown = 2 * time.Minute
)

type SchedulerConfig struct {
	// Slots is the number of opportunities executed at the same time
	Slots int64
	// QueueSize bounds identities waiting for a slot
	QueueSize int
	// MaxRetries bounds attempt_count, transient failures beyond it are terminal
	MaxRetries          int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	ConfirmationTimeout time.Duration
	// TriggerTimeout bounds the wait for the trigger transaction of an ordering exploit
	TriggerTimeout time.Duration
	// BackrunDeadline bounds retries of the trailing transaction once the trigger confirmed
	BackrunDeadline time.Duration
	SubmitRate      rate.Limit
	ShutdownGrace   time.Duration
	// ReexecutionCooldown rejects identities that reached a terminal state less than this long ago
	ReexecutionCooldown time.Duration
}

var DefaultSchedulerConfig = SchedulerConfig{
	Slots:               DefaultSlots,
	QueueSize:           DefaultQueueSize,
	MaxRetries:          DefaultMaxRetries,
	RetryInitialDelay:   DefaultRetryInitialDelay,
	RetryMaxDelay:       DefaultRetryMaxDelay,
	ConfirmationTimeout: DefaultConfirmationTimeout,
	TriggerTimeout:      DefaultTriggerTimeout,
	BackrunDeadline:     DefaultBackrunDeadline,
	SubmitRate:          DefaultSubmitRate,
	ShutdownGrace:       DefaultShutdownGrace,
	ReexecutionCooldown: DefaultReexecutionCooldown,
}

// SchedulerConfigFromEnv loads scheduler config from environment.
// - `EXECUTOR_SLOTS`
// - `EXECUTOR_QUEUE_SIZE`
// - `EXECUTOR_MAX_RETRIES`
// - `EXECUTOR_RETRY_INITIAL_DELAY`, `EXECUTOR_RETRY_MAX_DELAY` (Go durations, e.g. `200ms`)
// - `EXECUTOR_CONFIRMATION_TIMEOUT`
// - `EXECUTOR_TRIGGER_TIMEOUT`
// - `EXECUTOR_BACKRUN_DEADLINE`
// - `EXECUTOR_SUBMIT_RATE` (transactions per second, 0 disables the limit)
// - `EXECUTOR_SHUTDOWN_GRACE`
// - `EXECUTOR_REEXECUTION_COOLDOWN`
func SchedulerConfigFromEnv() (SchedulerConfig, error) {
	config := DefaultSchedulerConfig

	if val := os.Getenv("EXECUTOR_SLOTS"); val != "" {
		slots, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.Slots = slots
	}
	if val := os.Getenv("EXECUTOR_QUEUE_SIZE"); val != "" {
		size, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.QueueSize = size
	}
	if val := os.Getenv("EXECUTOR_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.MaxRetries = maxRetries
	}
	if val := os.Getenv("EXECUTOR_SUBMIT_RATE"); val != "" {
		submitRate, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return config, err
		}
		config.SubmitRate = rate.Limit(submitRate)
		if submitRate == 0 {
			config.SubmitRate = rate.Inf
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"EXECUTOR_RETRY_INITIAL_DELAY", &config.RetryInitialDelay},
		{"EXECUTOR_RETRY_MAX_DELAY", &config.RetryMaxDelay},
		{"EXECUTOR_CONFIRMATION_TIMEOUT", &config.ConfirmationTimeout},
		{"EXECUTOR_TRIGGER_TIMEOUT", &config.TriggerTimeout},
		{"EXECUTOR_BACKRUN_DEADLINE", &config.BackrunDeadline},
		{"EXECUTOR_SHUTDOWN_GRACE", &config.ShutdownGrace},
		{"EXECUTOR_REEXECUTION_COOLDOWN", &config.ReexecutionCooldown},
	}
	for _, d := range durations {
		val := os.Getenv(d.env)
		if val == "" {
			continue
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return config, err
		}
		*d.dst = parsed
	}

	return config, nil
}

// CacheConfigFromEnv loads `EXECUTOR_CACHE_CAPACITY` and `EXECUTOR_CACHE_TTL`
func CacheConfigFromEnv() (CacheConfig, error) {
	config := DefaultCacheConfig()

	if val := os.Getenv("EXECUTOR_CACHE_CAPACITY"); val != "" {
		capacity, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.MaxCapacity = capacity
	}
	if val := os.Getenv("EXECUTOR_CACHE_TTL"); val != "" {
		ttl, err := time.ParseDuration(val)
		if err != nil {
			return config, err
		}
		config.TimeToLive = ttl
	}
	return config, nil
}
