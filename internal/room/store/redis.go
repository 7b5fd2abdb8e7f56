package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"hearth/pkg/platform/sentinel"
)

const (
	fieldVersion = "v"
	fieldData    = "d"
)

// RedisStore keeps each entry in a hash {v: version, d: data} and implements
// CompareAndSwap as a WATCH/MULTI optimistic transaction.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	return readEntry(ctx, s.client, key)
}

type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func readEntry(ctx context.Context, c hashReader, key string) (Entry, error) {
	vals, err := c.HMGet(ctx, key, fieldVersion, fieldData).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return Entry{}, sentinel.ErrNotFound
	}
	version, err := strconv.ParseUint(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %s: bad version: %w", key, err)
	}
	var data []byte
	if s, ok := vals[1].(string); ok {
		data = []byte(s)
	}
	return Entry{Value: data, Version: version}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, key, fieldVersion, 1)
		p.HSet(ctx, key, fieldData, value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (Entry, error) {
	var result Entry
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readEntry(ctx, tx, key)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		if current.Version != expected {
			return sentinel.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if value == nil {
				p.Del(ctx, key)
				return nil
			}
			p.HSet(ctx, key, fieldVersion, expected+1, fieldData, value)
			return nil
		})
		if err != nil {
			return err
		}
		if value != nil {
			result = Entry{Value: value, Version: expected + 1}
		}
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, sentinel.ErrConflict) {
		return Entry{}, sentinel.ErrConflict
	}
	if err != nil {
		return Entry{}, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return result, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}
