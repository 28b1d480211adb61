package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrWaitCanceled = errors.New("rate limit wait canceled")

// minIntervalLua 单站点最小间隔闸门。
//
// 记录站点上一次放行的时间戳；距离上次放行不足 interval_ms 时
// 返回剩余等待时间，由调用方睡眠后重试。多个 worker 并发调用时
// 整段脚本原子执行，同一站点不会被同时放行两次。
const minIntervalLua = `
local key = KEYS[1]
local interval = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

if interval <= 0 then
  return {1, 0}
end

local last = tonumber(redis.call("GET", key))
if last == nil then
  redis.call("SET", key, now, "PX", interval * 4)
  return {1, 0}
end

local elapsed = now - last
if elapsed >= interval then
  redis.call("SET", key, now, "PX", interval * 4)
  return {1, 0}
end

return {0, interval - elapsed}
`

// SiteLimiter 强制同一站点两次请求之间的最小间隔。
//
// 状态存放在 Redis，按站点一个 key，多个进程共享同一条时间线。
type SiteLimiter struct {
	rdb      *redis.Client
	key      string
	interval time.Duration
	script   *redis.Script
}

// NewSiteLimiter 为单个站点创建限速器。interval <= 0 表示不限速。
func NewSiteLimiter(rdb *redis.Client, site string, interval time.Duration) *SiteLimiter {
	return &SiteLimiter{
		rdb:      rdb,
		key:      "catalogscout:ratelimit:" + site,
		interval: interval,
		script:   redis.NewScript(minIntervalLua),
	}
}

// Acquire 阻塞直到距离上次放行已满最小间隔，或 ctx 被取消。
func (r *SiteLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.interval <= 0 {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if jitterMax > 0 {
			wait += time.Duration(rand.Int63n(int64(jitterMax)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return ErrWaitCanceled
		case <-timer.C:
		}
	}
}

func (r *SiteLimiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.rdb, []string{r.key}, r.interval.Milliseconds(), now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}

	allowed := toInt64(values[0]) == 1
	waitMs := toInt64(values[1])
	return allowed, waitMs, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
