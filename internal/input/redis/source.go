package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"autoresponder/internal/logger"
	"autoresponder/pkg/models"
)

// Config configures the Redis alert source.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
	BatchSize    int
}

// Source pops alert documents from a Redis list.
type Source struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
	batchSize    int
}

// NewSource creates a Redis alert source for list-based queues.
func NewSource(cfg Config) (*Source, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Source{
		client:       client,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
		batchSize:    cfg.BatchSize,
	}, nil
}

// Poll blocks for the first alert up to the block timeout, then drains
// whatever else is queued up to the batch size.
func (s *Source) Poll(ctx context.Context) ([]models.Alert, error) {
	res, err := s.client.BLPop(ctx, s.blockTimeout, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blpop %s: %w", s.key, err)
	}
	if len(res) < 2 {
		return nil, nil
	}

	items := []string{res[1]}
	if s.batchSize > 1 {
		more, err := s.client.LPopCount(ctx, s.key, s.batchSize-1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			logger.Warnf("Redis drain of %s failed: %v", s.key, err)
		}
		items = append(items, more...)
	}
	return decodeBatch(items), nil
}

// Close closes the client.
func (s *Source) Close() error {
	return s.client.Close()
}

func decodeBatch(items []string) []models.Alert {
	alerts := make([]models.Alert, 0, len(items))
	for _, item := range items {
		alert, err := models.ParseAlert([]byte(item))
		if err != nil {
			logger.Debugf("Skipping malformed alert from redis: %v", err)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts
}
