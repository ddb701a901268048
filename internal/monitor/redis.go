package monitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// RedisConfig holds configuration for the Redis call-log sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string // call records are XADDed here
	MaxLen   int64  // approximate stream cap, 0 for unbounded
}

// RedisSink appends call records to a Redis Stream and keeps model
// identities in a hash keyed by instance and physical model.
type RedisSink struct {
	rdb       *redis.Client
	stream    string
	modelsKey string
	maxLen    int64
}

var _ ports.CallSink = (*RedisSink)(nil)

// NewRedisSink connects and validates the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Stream == "" {
		cfg.Stream = "fgo:calls"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisSink{
		rdb:       rdb,
		stream:    cfg.Stream,
		modelsKey: cfg.Stream + ":models",
		maxLen:    cfg.MaxLen,
	}, nil
}

// EnsureModel returns the existing ID for the identity or registers a new one.
func (s *RedisSink) EnsureModel(ctx context.Context, id entities.ModelIdentity) (string, error) {
	field := id.InstanceName + "|" + id.PhysicalModelName
	newID := uuid.NewString()

	created, err := s.rdb.HSetNX(ctx, s.modelsKey, field, newID).Result()
	if err != nil {
		return "", fmt.Errorf("hsetnx failed: %w", err)
	}
	if !created {
		existing, err := s.rdb.HGet(ctx, s.modelsKey, field).Result()
		if err != nil {
			return "", fmt.Errorf("hget failed: %w", err)
		}
		return existing, nil
	}

	err = s.rdb.HSet(ctx, s.modelsKey+":"+newID, map[string]interface{}{
		"instance_name":       id.InstanceName,
		"type":                id.Type,
		"physical_model_name": id.PhysicalModelName,
		"base_url":            id.BaseURL,
		"created_at":          time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("hset failed: %w", err)
	}
	return newID, nil
}

// SaveCallRecord appends the record with XADD.
func (s *RedisSink) SaveCallRecord(ctx context.Context, rec entities.CallRecord) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":                rec.ID,
			"logical_model":     rec.LogicalModel,
			"type":              string(rec.Type),
			"status":            string(rec.Status),
			"is_stream":         strconv.FormatBool(rec.IsStream),
			"model_id":          rec.ModelID,
			"prompt_tokens":     rec.PromptTokens,
			"completion_tokens": rec.CompletionTokens,
			"timestamp_start":   rec.StartedAt.UTC().Format(time.RFC3339Nano),
			"timestamp_end":     rec.EndedAt.UTC().Format(time.RFC3339Nano),
			"failover_events":   rec.FailoverEventsJSON(),
			"error_message":     rec.ErrorMessage,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
