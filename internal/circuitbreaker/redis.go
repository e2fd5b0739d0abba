package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

// State transitions run as Lua scripts so that every instance observes the
// same sequence. Times come from the Redis server clock.

// Keys: [state, last_failure, successes]  Args: [timeout_seconds]
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state ~= 'open' then
    return state
end

local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
local now = tonumber(redis.call('TIME')[1])
if (now - lastFailure) >= tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'half-open')
    redis.call('SET', KEYS[3], '0')
    return 'half-open'
end
return 'open'
`)

// Keys: [state, last_failure]  Args: [timeout_seconds]
var peekScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state ~= 'open' then
    return state
end

local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
local now = tonumber(redis.call('TIME')[1])
if (now - lastFailure) >= tonumber(ARGV[1]) then
    return 'half-open'
end
return 'open'
`)

// Keys: [state, failures, successes]  Args: [success_threshold]
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    if successes >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return 'closed'
    end
    return 'half-open'
end

return state
`)

// Keys: [state, failures, last_failure, successes]  Args: [failure_threshold]
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
redis.call('SET', KEYS[3], redis.call('TIME')[1])

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    if failures >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'open')
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    return 'open'
end

return state
`)

// RedisCircuitBreaker fails open: if Redis is unreachable the provider stays
// routable.
type RedisCircuitBreaker struct {
	client    *redis.Client
	provider  domain.ProviderID
	config    Config
	keyPrefix string
}

func NewRedisWithClient(client *redis.Client, id domain.ProviderID, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:    client,
		provider:  id,
		config:    cfg,
		keyPrefix: fmt.Sprintf("cb:%s:", id),
	}
}

func (cb *RedisCircuitBreaker) stateKey() string       { return cb.keyPrefix + "state" }
func (cb *RedisCircuitBreaker) failuresKey() string    { return cb.keyPrefix + "failures" }
func (cb *RedisCircuitBreaker) successesKey() string   { return cb.keyPrefix + "successes" }
func (cb *RedisCircuitBreaker) lastFailureKey() string { return cb.keyPrefix + "last_failure" }

func (cb *RedisCircuitBreaker) timeoutSeconds() int {
	return int(cb.config.Timeout.Seconds())
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	keys := []string{cb.stateKey(), cb.lastFailureKey(), cb.successesKey()}

	result, err := allowScript.Run(ctx, cb.client, keys, cb.timeoutSeconds()).Text()
	if err != nil {
		return nil
	}
	if result == "open" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) Available(ctx context.Context) bool {
	keys := []string{cb.stateKey(), cb.lastFailureKey()}

	result, err := peekScript.Run(ctx, cb.client, keys, cb.timeoutSeconds()).Text()
	if err != nil {
		return true
	}
	return result != "open"
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.successesKey()}
	recordSuccessScript.Run(ctx, cb.client, keys, cb.config.SuccessThreshold)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.lastFailureKey(), cb.successesKey()}
	recordFailureScript.Run(ctx, cb.client, keys, cb.config.FailureThreshold)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.Get(ctx, cb.stateKey()).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(result)
}

func (cb *RedisCircuitBreaker) Failures(ctx context.Context) int {
	result, err := cb.client.Get(ctx, cb.failuresKey()).Result()
	if err != nil {
		return 0
	}
	failures, _ := strconv.Atoi(result)
	return failures
}

// Reset closes the breaker.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	pipe := cb.client.Pipeline()
	pipe.Set(ctx, cb.stateKey(), "closed", 0)
	pipe.Set(ctx, cb.failuresKey(), "0", 0)
	pipe.Set(ctx, cb.successesKey(), "0", 0)
	pipe.Del(ctx, cb.lastFailureKey())
	_, err := pipe.Exec(ctx)
	return err
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
