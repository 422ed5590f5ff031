package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the ZSET to the window, admits if under the
// limit, and otherwise returns the ms until the oldest entry ages out.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = window
if #oldest >= 2 then
    wait = tonumber(oldest[2]) + window - now
end
return {0, wait}
`)

// RedisBackend keeps windows in Redis so several API processes share them.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend stores windows under "<prefix>:<endpoint>|<ip>".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "scriptorium:ratelimit"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) Hit(ctx context.Context, key string, rule Rule, now time.Time) (bool, time.Duration, error) {
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), time.Now().UnixNano())
	res, err := slidingWindowScript.Run(ctx, b.client,
		[]string{b.prefix + ":" + key},
		rule.Max, rule.Window.Milliseconds(), nowMs, member,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("sliding window script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("sliding window script: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
