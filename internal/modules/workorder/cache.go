// README: Redis cache-aside for work orders; writes are version-guarded so an older read never replaces a newer commit.
package workorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"workshop/internal/types"
)

const (
	keyWorkOrder        = "workshop:workorder:%s"
	keyWorkOrderVersion = "workshop:workorder:%s:version"
)

// setIfNotOlder writes KEYS[1] and its version KEYS[2] unless the stored
// version is newer than ARGV[2]. An equal version is rewritten.
var setIfNotOlder = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func cacheKey(id types.ID) string { return fmt.Sprintf(keyWorkOrder, id) }

func versionKey(id types.ID) string { return fmt.Sprintf(keyWorkOrderVersion, id) }

func (c *RedisCache) Get(ctx context.Context, id types.ID) (*WorkOrder, bool) {
	b, err := c.rdb.Get(ctx, cacheKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Str("order_id", string(id)).Msg("cache get")
		return nil, false
	}
	var o WorkOrder
	if err := json.Unmarshal(b, &o); err != nil {
		log.Warn().Err(err).Str("order_id", string(id)).Msg("cache decode")
		return nil, false
	}
	return &o, true
}

// Set stores o unless the cache already holds a newer version of it.
func (c *RedisCache) Set(ctx context.Context, o *WorkOrder) {
	b, err := json.Marshal(o)
	if err != nil {
		return
	}
	keys := []string{cacheKey(o.ID), versionKey(o.ID)}
	ok, err := setIfNotOlder.Run(ctx, c.rdb, keys, b, o.Version, c.ttl.Milliseconds()).Int()
	if err != nil {
		log.Warn().Err(err).Str("order_id", string(o.ID)).Msg("cache set")
		return
	}
	if ok == 0 {
		log.Debug().Str("order_id", string(o.ID)).Int("version", o.Version).Msg("cache holds a newer version")
	}
}

// Invalidate drops the entry but keeps the version marker, so a reader that
// loaded before the drop cannot put an older order back.
func (c *RedisCache) Invalidate(ctx context.Context, id types.ID) {
	if err := c.rdb.Del(ctx, cacheKey(id)).Err(); err != nil {
		log.Warn().Err(err).Str("order_id", string(id)).Msg("cache invalidate")
	}
}
