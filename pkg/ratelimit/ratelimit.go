// Package ratelimit is a Redis-backed token bucket keyed by (principal,
// repository), used to produce the 429 TooManyRequests response of spec
// §9. Not present in the teacher, but built from the same redis/go-redis/v9
// client it already depends on for sessions (ckmine11-registry-x's
// pkg/middleware/auth.go).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// script implements a fixed-window token bucket atomically: increment the
// window counter, set its expiry on first increment, and report whether
// the caller is still within limit.
const script = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[1]) then
	return 0
end
return 1
`

type Limiter struct {
	rdb    *redis.Client
	perMin int
	script *redis.Script
}

func NewLimiter(rdb *redis.Client, perMinute int) *Limiter {
	return &Limiter{rdb: rdb, perMin: perMinute, script: redis.NewScript(script)}
}

// Allow reports whether the caller identified by key may proceed, counted
// against the current fixed one-minute window (keyed by Unix minute).
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.rdb == nil || l.perMin <= 0 {
		return true, nil
	}
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/60)
	res, err := l.script.Run(ctx, l.rdb, []string{redisKey}, l.perMin, 60).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return res == 1, nil
}
