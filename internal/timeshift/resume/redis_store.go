// SPDX-License-Identifier: MIT

package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "xg2g:timeshift:resume:"

// RedisStore shares positions between several serve instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig, ttl time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis resume store")
	return newRedisStore(client, ttl, logger), nil
}

func newRedisStore(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func redisKey(clientID, stream string) string {
	return redisKeyPrefix + clientID + ":" + stream
}

func (s *RedisStore) Put(ctx context.Context, clientID, stream string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey(clientID, stream), data, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, clientID, stream string) (*State, error) {
	val, err := s.client.Get(ctx, redisKey(clientID, stream)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(val, &st); err != nil {
		s.logger.Warn().Err(err).Str("client", clientID).Str("stream", stream).Msg("discarding undecodable resume entry")
		return nil, nil
	}
	return &st, nil
}

func (s *RedisStore) Delete(ctx context.Context, clientID, stream string) error {
	return s.client.Del(ctx, redisKey(clientID, stream)).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
