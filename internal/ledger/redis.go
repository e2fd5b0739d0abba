package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON-encoded usage record per account.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: "ledger:usage:",
	}
}

func (s *RedisStore) Get(ctx context.Context, accountID string) (*domain.UsageRecord, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+accountID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec domain.UsageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode usage record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Set(ctx context.Context, record *domain.UsageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+record.AccountID, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// releaseScript deletes the lock only if it still holds our token.
// Keys: [lock_key]
// Args: [token]
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker serializes ledger mutations for an account across instances
// with SET NX PX. The TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client    *redis.Client
	ttl       time.Duration
	retry     time.Duration
	keyPrefix string
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:    client,
		ttl:       ttl,
		retry:     10 * time.Millisecond,
		keyPrefix: "ledger:lock:",
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	return func() {
		// Release must run even if the caller's ctx was cancelled.
		if err := l.release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			slog.Warn("release ledger lock", "key", lockKey, "error", err)
		}
	}, nil
}

var errLockLost = errors.New("lock expired or taken over before release")

func (l *RedisLocker) release(ctx context.Context, lockKey, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Int()
	if err != nil {
		return fmt.Errorf("run release script: %w", err)
	}
	if n == 0 {
		return errLockLost
	}
	return nil
}
