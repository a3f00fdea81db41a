// Package cache keeps short-lived JSON copies of hot reads in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const scanBatch = 100

// AccountKey is the key of a cached account
func AccountKey(accountID uint) string { return fmt.Sprintf("account:%d", accountID) }

// HistoryPrefix prefixes every cached page of an account's history
func HistoryPrefix(accountID uint) string { return fmt.Sprintf("history:%d:", accountID) }

// HistoryKey is the key of one cached history page
func HistoryKey(accountID uint, page, size int) string {
	return fmt.Sprintf("%s%d:%d", HistoryPrefix(accountID), page, size)
}

// GenerationKey counts invalidations of an account's cached reads
func GenerationKey(accountID uint) string { return fmt.Sprintf("account_gen:%d", accountID) }

// fillScript stores KEYS[1] only while the generation in KEYS[2] is ARGV[2]
var fillScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[2] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// Cache is a JSON cache on top of Redis. A nil *Cache caches nothing.
type Cache struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log logrus.FieldLogger
}

// New builds a Cache whose entries live for ttl
func New(rdb redis.UniversalClient, ttl time.Duration, log logrus.FieldLogger) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, log: log}
}

// Get unmarshals the value under key into dest. It reports false on a miss.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, json.Unmarshal(val, dest)
}

// Delete removes keys
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// DeletePrefix removes every key starting with prefix
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return deleted, err
			}
			deleted += len(keys)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// InvalidateAccount bumps the account's generation, then drops its cached
// account and history reads. It reports how many history pages went. Safe on
// a nil Cache.
func (c *Cache) InvalidateAccount(ctx context.Context, accountID uint) (int, error) {
	if c == nil {
		return 0, nil
	}
	if err := c.rdb.Incr(ctx, GenerationKey(accountID)).Err(); err != nil {
		return 0, err
	}
	if err := c.Delete(ctx, AccountKey(accountID)); err != nil {
		return 0, err
	}
	return c.DeletePrefix(ctx, HistoryPrefix(accountID))
}

func (c *Cache) generation(ctx context.Context, accountID uint) (string, error) {
	gen, err := c.rdb.Get(ctx, GenerationKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

// setIfCurrent stores value under key unless the account was invalidated
// since gen was read
func (c *Cache) setIfCurrent(ctx context.Context, key string, accountID uint, gen string, value any) (bool, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	stored, err := fillScript.Run(ctx, c.rdb, []string{key, GenerationKey(accountID)}, b, gen, c.ttl.Milliseconds()).Int()
	return stored == 1, err
}

// RememberAccount returns the cached value under key, or loads and caches it.
// key must hold a read derived from accountID. A load that overlaps an
// InvalidateAccount is returned but not stored, so an old balance cannot
// outlive the write that replaced it. Redis failures are logged and fall
// through to load.
func RememberAccount[T any](ctx context.Context, c *Cache, accountID uint, key string, load func() (T, error)) (T, error) {
	if c == nil {
		return load()
	}
	log := c.log.WithFields(logrus.Fields{"key": key, "account_id": accountID})
	var v T
	hit, err := c.Get(ctx, key, &v)
	if err != nil {
		log.WithError(err).Warn("Cache read failed")
	} else if hit {
		return v, nil
	}
	gen, genErr := c.generation(ctx, accountID)
	v, err = load()
	if err != nil {
		return v, err
	}
	if genErr != nil {
		log.WithError(genErr).Warn("Cache read failed")
		return v, nil
	}
	stored, err := c.setIfCurrent(ctx, key, accountID, gen, v)
	if err != nil {
		log.WithError(err).Warn("Cache write failed")
	} else if !stored {
		log.Debug("Cache fill skipped, account changed during load")
	}
	return v, nil
}
