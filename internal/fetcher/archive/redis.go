// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Evaler abstracts the minimal surface we need from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 (Cmdable.Eval) or
// any equivalent.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RedisArchiver stores chunks idempotently using a Lua script:
// 1) SETNX archived:<job>:<chunk> 1
// 2) If set -> SET archive:<job>:<chunk> payload
// 3) EXPIRE both keys (TTL) for leak protection
// If SETNX fails (already archived), returns OK and makes no changes.
type RedisArchiver struct {
	client Evaler
	ttl    time.Duration
}

// NewRedisArchiver returns an archiver with the given client and TTL. The
// TTL guards against unbounded growth of archived chunks; choose a duration
// comfortably larger than your longest replay window.
func NewRedisArchiver(client Evaler, ttl time.Duration) *RedisArchiver {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisArchiver{client: client, ttl: ttl}
}

// archiveLuaScript performs the idempotent store. It returns 1 if stored,
// 0 if already stored.
const archiveLuaScript = `
local dataKey = KEYS[1]
local markerKey = KEYS[2]
local payload = ARGV[1]
local ttlSeconds = tonumber(ARGV[2])
-- try to set the idempotency marker
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('SET', dataKey, payload)
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
    redis.call('EXPIRE', dataKey, ttlSeconds)
  end
  return 1
else
  -- already archived; no-op
  return 0
end
`

// Keys layout helpers (public for interoperability with replay tooling)
func RedisDataKey(jobID string, chunk int) string { return fmt.Sprintf("archive:%s:%d", jobID, chunk) }
func RedisMarkerKey(jobID string, chunk int) string {
	return fmt.Sprintf("archived:%s:%d", jobID, chunk)
}

// Archive applies one chunk with a single EVAL.
func (r *RedisArchiver) Archive(ctx context.Context, jobID string, chunk int, payload []byte) error {
	if jobID == "" {
		return fmt.Errorf("archive: jobID must be set")
	}
	keys := []string{RedisDataKey(jobID, chunk), RedisMarkerKey(jobID, chunk)}
	args := []interface{}{payload, int(r.ttl.Seconds())}
	if _, err := r.client.Eval(ctx, archiveLuaScript, keys, args...); err != nil {
		return fmt.Errorf("redis eval job=%s chunk=%d: %w", jobID, chunk, err)
	}
	return nil
}

func (r *RedisArchiver) Close() error { return nil }

// RedisClient wraps github.com/redis/go-redis/v9 behind the Evaler seam.
// Use NewRedisClient to construct it with an address like "127.0.0.1:6379".
type RedisClient struct{ c *redis.Client }

func NewRedisClient(addr string) *RedisClient {
	opt := &redis.Options{Addr: addr}
	return &RedisClient{c: redis.NewClient(opt)}
}

func (g *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Ping checks connectivity; useful at startup before a long batch run.
func (g *RedisClient) Ping(ctx context.Context) error {
	return g.c.Ping(ctx).Err()
}
