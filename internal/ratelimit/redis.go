package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token bucket refilled continuously. Returns 0 when a token was taken,
// otherwise the milliseconds until one will be available.
const tokenBucketLuaScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil or ts == nil then
    tokens = burst
    ts = now
end

local elapsed = now - ts
if elapsed < 0 then
    elapsed = 0
end
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local wait = 0
if tokens >= 1 then
    tokens = tokens - 1
else
    wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", key, "tokens", tostring(tokens), "ts", tostring(now))
redis.call("PEXPIRE", key, math.ceil(burst * 1000 / rate) + 1000)
return wait
`

// Redis shares buckets between processes through an atomic Lua script.
type Redis struct {
	client  *redis.Client
	script  *redis.Script
	rateFor RateFunc
	prefix  string
	now     func() time.Time
}

func NewRedis(client *redis.Client, rateFor RateFunc) *Redis {
	return &Redis{
		client:  client,
		script:  redis.NewScript(tokenBucketLuaScript),
		rateFor: rateFor,
		prefix:  "ratelimit:wa:",
		now:     time.Now,
	}
}

// Reserve tries to take a token. A zero duration means the token was taken;
// otherwise nothing was consumed and the caller should retry after it.
func (r *Redis) Reserve(ctx context.Context, key Key) (time.Duration, error) {
	rps, burst := r.rateFor(key.AccountID, key.PhoneNumberID)
	if rps <= 0 {
		return 0, fmt.Errorf("rate limit %s: non-positive rate", key)
	}
	if burst < 1 {
		burst = 1
	}
	waitMs, err := r.script.Run(ctx, r.client,
		[]string{r.prefix + key.String()},
		rps, burst, r.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("rate limit check failed: %w", err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

func (r *Redis) Wait(ctx context.Context, key Key) error {
	for {
		wait, err := r.Reserve(ctx, key)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var (
	_ Limiter = (*Local)(nil)
	_ Limiter = (*Redis)(nil)
)
