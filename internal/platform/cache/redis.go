// Package cache keeps the patient -> active emergency lookup in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	activeKeyPrefix  = "resqlink:active:"
	DefaultActiveTTL = 24 * time.Hour
)

type kv interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ActiveIndex stores the id of each patient's active emergency.
type ActiveIndex struct {
	client kv
	ttl    time.Duration
}

// NewRedisClient connects to the Redis server at url (redis://...).
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewActiveIndex(client *redis.Client, ttl time.Duration) *ActiveIndex {
	return newActiveIndex(client, ttl)
}

func newActiveIndex(client kv, ttl time.Duration) *ActiveIndex {
	if ttl <= 0 {
		ttl = DefaultActiveTTL
	}
	return &ActiveIndex{client: client, ttl: ttl}
}

func activeKey(patientID string) string {
	return activeKeyPrefix + patientID
}

func (a *ActiveIndex) SetActive(ctx context.Context, patientID string, emergencyID uuid.UUID) error {
	return a.client.Set(ctx, activeKey(patientID), emergencyID.String(), a.ttl).Err()
}

// GetActive reports false on a miss. A value that is not a uuid is treated as
// a miss.
func (a *ActiveIndex) GetActive(ctx context.Context, patientID string) (uuid.UUID, bool, error) {
	val, err := a.client.Get(ctx, activeKey(patientID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (a *ActiveIndex) ClearActive(ctx context.Context, patientID string) error {
	return a.client.Del(ctx, activeKey(patientID)).Err()
}
