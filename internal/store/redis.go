package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "digest:record:"
	redisLockPrefix   = "digest:lock:"
	redisIDSet        = "digest:ids"

	DefaultLockTTL = 5 * time.Minute
)

// unlockScript deletes the lock only while it still carries the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisBackend struct {
	client  *redis.Client
	lockTTL time.Duration
}

func openRedis(ctx context.Context, url string, lockTTL time.Duration) (*redisBackend, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &redisBackend{client: client, lockTTL: lockTTL}, nil
}

func redisKey(id string) string {
	return redisRecordPrefix + id
}

func redisLockKey(id string) string {
	return redisLockPrefix + id
}

func (b *redisBackend) Lock(ctx context.Context, id, token string) (bool, error) {
	ok, err := b.client.SetNX(ctx, redisLockKey(id), token, b.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("lock digest: %w", err)
	}
	return ok, nil
}

func (b *redisBackend) Unlock(ctx context.Context, id, token string) error {
	if err := unlockScript.Run(ctx, b.client, []string{redisLockKey(id)}, token).Err(); err != nil {
		return fmt.Errorf("unlock digest: %w", err)
	}
	return nil
}

func (b *redisBackend) Exists(ctx context.Context, id string) (bool, error) {
	n, err := b.client.Exists(ctx, redisKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check digest: %w", err)
	}
	return n > 0, nil
}

func (b *redisBackend) Load(ctx context.Context, id string) (Record, error) {
	body, err := b.client.Get(ctx, redisKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get digest: %w", err)
	}
	return DecodeRecord([]byte(body))
}

func (b *redisBackend) LoadAll(ctx context.Context) ([]Record, error) {
	ids, err := b.client.SMembers(ctx, redisIDSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	records := make([]Record, 0, len(values))
	for _, value := range values {
		body, ok := value.(string)
		if !ok {
			// removed between SMEMBERS and MGET
			continue
		}
		record, err := DecodeRecord([]byte(body))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (b *redisBackend) Save(ctx context.Context, record Record) error {
	body, err := EncodeRecord(record)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKey(record.ID), string(body), 0)
		pipe.SAdd(ctx, redisIDSet, record.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save digest: %w", err)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey(id))
		pipe.SRem(ctx, redisIDSet, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete digest: %w", err)
	}
	return nil
}

func (b *redisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
