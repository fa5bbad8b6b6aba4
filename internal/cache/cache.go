/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/batchlane/batchlane/config"
	redis_db "github.com/batchlane/batchlane/internal/redis-db"
	"github.com/go-redis/cache/v9"
)

// Cache provides the basic operations the read-mostly lookups depend on:
// open-batch resolution and capacity override tables.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, data interface{}) error
	Delete(ctx context.Context, key string) error
}

// RedisCache implements Cache over Redis with a local TinyLFU layer in front,
// so hot keys are served without a network round trip.
type RedisCache struct {
	cache *cache.Cache
}

// cacheSize defines the size of the local cache (in number of entries) used alongside Redis.
const cacheSize = 128000

// NewCache establishes the Redis connection from configuration and returns a
// ready Cache instance.
func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	client, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns})
	if err != nil {
		return nil, err
	}

	c := cache.New(&cache.Options{
		Redis:      client.Client(),
		LocalCache: cache.NewTinyLFU(cacheSize, 1*time.Minute),
	})
	return &RedisCache{cache: c}, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

// Get retrieves an entry from the cache. A cache miss is not an error; the
// target is simply left untouched.
func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, &data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, key)
}
