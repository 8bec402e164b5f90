package scheduler

import (
	"time"

	"github.com/smallbiznis/fanout/internal/config"
)

// Config controls the recovery sweep.
type Config struct {
	Enabled           bool
	RunInterval       time.Duration
	BatchSize         int
	RecoveryThreshold time.Duration
	JobTimeout        time.Duration
	LockTTL           time.Duration
	LockKey           string
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RunInterval:       time.Minute,
		BatchSize:         100,
		RecoveryThreshold: 5 * time.Minute,
		JobTimeout:        30 * time.Second,
		LockTTL:           2 * time.Minute,
		LockKey:           "fanout:scheduler:recovery",
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:           cfg.Recovery.Enabled,
		RunInterval:       cfg.Recovery.Interval,
		BatchSize:         cfg.Recovery.BatchSize,
		RecoveryThreshold: cfg.Recovery.Threshold,
		LockTTL:           cfg.Recovery.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	return c
}
