package worker

import (
	"time"

	"github.com/smallbiznis/fanout/internal/config"
)

type Config struct {
	Count         int
	QueueSize     int
	Source        string
	RedisQueueKey string
	// DeadLetterKey receives redis payloads that could not be decoded or whose
	// batch could not even be opened.
	DeadLetterKey string
	PollTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Count:         8,
		QueueSize:     1024,
		Source:        config.EventSourceMemory,
		RedisQueueKey: "fanout:reward_events",
		DeadLetterKey: "fanout:reward_events:dead",
		PollTimeout:   time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Count:         cfg.Worker.Count,
		QueueSize:     cfg.Worker.QueueSize,
		Source:        cfg.Worker.Source,
		RedisQueueKey: cfg.Worker.RedisQueueKey,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Count <= 0 {
		c.Count = defaults.Count
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
	if c.Source == "" {
		c.Source = defaults.Source
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = defaults.RedisQueueKey
	}
	if c.DeadLetterKey == "" {
		c.DeadLetterKey = c.RedisQueueKey + ":dead"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.PollTimeout
	}
	return c
}
