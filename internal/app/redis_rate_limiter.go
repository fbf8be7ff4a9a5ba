package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rate-limit scopes for the operator surface. Each scope carries its own
// budget so a burst of ad-hoc requests cannot starve the run trigger.
const (
	RateScopeTriggerRun   = "trigger"
	RateScopeAdhocRequest = "request"
)

// ScopeLimit bounds how many requests one subject may make per scope within a
// fixed window.
type ScopeLimit struct {
	PerWindow int
	Window    time.Duration
}

// LimitDecision is the outcome of counting one request against its scope.
type LimitDecision struct {
	Allowed           bool
	Count             int
	RetryAfterSeconds int
}

var airdropRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisAirdropRateLimiter implements fixed-window rate limiting in Redis so
// the budgets hold across service replicas. Scopes without a configured
// budget pass through unlimited.
type RedisAirdropRateLimiter struct {
	client redis.UniversalClient
	prefix string
	scopes map[string]ScopeLimit
}

func NewRedisAirdropRateLimiter(client redis.UniversalClient, prefix string, scopes map[string]ScopeLimit) *RedisAirdropRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "kudos:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisAirdropRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		scopes: scopes,
	}
}

// Consume counts one request by subject against the scope's window and reports
// whether it fits the budget.
func (r *RedisAirdropRateLimiter) Consume(ctx context.Context, scope string, subject string) (LimitDecision, error) {
	unlimited := LimitDecision{Allowed: true}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if r == nil || normalizedScope == "" || normalizedSubject == "" {
		return unlimited, nil
	}
	budget, ok := r.scopes[normalizedScope]
	if !ok || budget.PerWindow <= 0 || budget.Window <= 0 || r.client == nil {
		return unlimited, nil
	}

	windowMs := budget.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	reply, err := airdropRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return unlimited, err
	}

	count, ttlMs, err := parseLimiterReply(reply)
	if err != nil {
		return unlimited, err
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return LimitDecision{
		Allowed:           count <= int64(budget.PerWindow),
		Count:             int(count),
		RetryAfterSeconds: retryAfter,
	}, nil
}

// parseLimiterReply unpacks the {count, ttl_ms} pair the Lua script returns.
func parseLimiterReply(reply interface{}) (count int64, ttlMs int64, err error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected limiter reply shape: %T", reply)
	}
	count, ok = values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected limiter count type: %T", values[0])
	}
	ttlMs, ok = values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected limiter ttl type: %T", values[1])
	}
	return count, ttlMs, nil
}
