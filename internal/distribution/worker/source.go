package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fanout/internal/config"
	distributiondomain "github.com/smallbiznis/fanout/internal/distribution/domain"
	"go.uber.org/zap"
)

var (
	ErrQueueFull          = errors.New("reward_queue_full")
	ErrSourceUnconfigured = errors.New("event_source_unconfigured")
)

// Source feeds reward events to the worker pool.
type Source interface {
	Name() string
	Submit(ctx context.Context, event distributiondomain.RewardEvent) error
	// Next blocks until an event is available or ctx is done.
	Next(ctx context.Context) (distributiondomain.RewardEvent, error)
	// DeadLetter parks an event that could not be processed at all.
	DeadLetter(ctx context.Context, event distributiondomain.RewardEvent, reason string) error
}

type ChannelSource struct {
	log    *zap.Logger
	events chan distributiondomain.RewardEvent
}

func NewChannelSource(size int, log *zap.Logger) *ChannelSource {
	if size <= 0 {
		size = DefaultConfig().QueueSize
	}
	return &ChannelSource{
		log:    log.Named("worker.source.memory"),
		events: make(chan distributiondomain.RewardEvent, size),
	}
}

func (s *ChannelSource) Name() string { return config.EventSourceMemory }

// Submit never blocks; a full buffer is reported as ErrQueueFull.
func (s *ChannelSource) Submit(ctx context.Context, event distributiondomain.RewardEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.events <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *ChannelSource) Next(ctx context.Context) (distributiondomain.RewardEvent, error) {
	select {
	case <-ctx.Done():
		return distributiondomain.RewardEvent{}, ctx.Err()
	case event := <-s.events:
		return event, nil
	}
}

func (s *ChannelSource) DeadLetter(_ context.Context, event distributiondomain.RewardEvent, reason string) error {
	s.log.Error("reward event dropped",
		zap.String("idempotency_key", event.IdempotencyKey),
		zap.Int64("source_user_id", event.SourceUserID),
		zap.String("reason", reason),
	)
	return nil
}

// RedisSource reads events pushed with LPUSH by producers, oldest first.
type RedisSource struct {
	client        *redis.Client
	log           *zap.Logger
	key           string
	deadLetterKey string
	pollTimeout   time.Duration
}

func NewRedisSource(client *redis.Client, cfg Config, log *zap.Logger) (*RedisSource, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis source requires REDIS_ADDR", ErrSourceUnconfigured)
	}
	cfg = cfg.withDefaults()
	return &RedisSource{
		client:        client,
		log:           log.Named("worker.source.redis"),
		key:           cfg.RedisQueueKey,
		deadLetterKey: cfg.DeadLetterKey,
		pollTimeout:   cfg.PollTimeout,
	}, nil
}

func (s *RedisSource) Name() string { return config.EventSourceRedis }

func (s *RedisSource) Submit(ctx context.Context, event distributiondomain.RewardEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, s.key, payload).Err()
}

func (s *RedisSource) Next(ctx context.Context) (distributiondomain.RewardEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return distributiondomain.RewardEvent{}, err
		}

		values, err := s.client.BRPop(ctx, s.pollTimeout, s.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return distributiondomain.RewardEvent{}, ctx.Err()
			}
			return distributiondomain.RewardEvent{}, err
		}
		// BRPOP replies with [key, value]
		if len(values) != 2 {
			continue
		}

		var event distributiondomain.RewardEvent
		if err := json.Unmarshal([]byte(values[1]), &event); err != nil {
			s.log.Warn("undecodable reward event", zap.Error(err))
			if pushErr := s.client.LPush(ctx, s.deadLetterKey, values[1]).Err(); pushErr != nil {
				s.log.Error("dead-letter push failed", zap.Error(pushErr))
			}
			continue
		}
		return event, nil
	}
}

type deadLetter struct {
	Event  distributiondomain.RewardEvent `json:"event"`
	Reason string                         `json:"reason"`
}

func (s *RedisSource) DeadLetter(ctx context.Context, event distributiondomain.RewardEvent, reason string) error {
	payload, err := json.Marshal(deadLetter{Event: event, Reason: reason})
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, s.deadLetterKey, payload).Err()
}

func NewSource(cfg Config, client *redis.Client, log *zap.Logger) (Source, error) {
	switch cfg.Source {
	case config.EventSourceRedis:
		return NewRedisSource(client, cfg, log)
	default:
		return NewChannelSource(cfg.QueueSize, log), nil
	}
}
