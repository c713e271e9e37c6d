package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "usage:"
	redisKeyTTL    = 48 * time.Hour
	redisRetries   = 8
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps counters as plain integer keys
// usage:<requester>:<resource>:<date> that expire after two days.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and pings it.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(requesterID, resource, date string) string {
	return redisKeyPrefix + requesterID + ":" + resource + ":" + date
}

func (s *RedisStore) IncrementIfBelow(ctx context.Context, requesterID, resource, date string, limit int) (int, bool, error) {
	key := redisKey(requesterID, resource, date)
	var (
		count int
		ok    bool
	)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Get(ctx, key).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if n >= limit {
			count, ok = n, false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, redisKeyTTL)
			return nil
		})
		if err == nil {
			count, ok = n+1, true
		}
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return 0, false, fmt.Errorf("increment %s: %w", key, err)
	}
	return count, ok, nil
}

func (s *RedisStore) Decrement(ctx context.Context, requesterID, resource, date string) (bool, error) {
	key := redisKey(requesterID, resource, date)
	changed := false
	txf := func(tx *redis.Tx) error {
		n, err := tx.Get(ctx, key).Int()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if n <= 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Decr(ctx, key)
			return nil
		})
		changed = err == nil
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return false, fmt.Errorf("decrement %s: %w", key, err)
	}
	return changed, nil
}

func (s *RedisStore) Counters(ctx context.Context, requesterID, date string) ([]Counter, error) {
	prefix := redisKeyPrefix + requesterID + ":"
	suffix := ":" + date
	var out []Counter
	iter := s.client.Scan(ctx, 0, prefix+"*"+suffix, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		resource := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
		if resource == "" || strings.Contains(resource, ":") {
			continue
		}
		n, err := s.client.Get(ctx, key).Int()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		out = append(out, Counter{RequesterID: requesterID, Resource: resource, Date: date, Count: n})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan counters: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// watch runs txf under WATCH, retrying when another client modified key
// between the read and the EXEC.
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < redisRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("too much contention on %s", key)
}
