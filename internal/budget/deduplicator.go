package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator suppresses repeat alerts for the same subject and level,
// so a level fires once per crossing even with several instances running.
// A subject is an account and cost class pair.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this is the first alert for subject at level.
	ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool

	// ClearAlert forgets every level sent for subject.
	ClearAlert(ctx context.Context, subject string)
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]map[AlertLevel]bool
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]map[AlertLevel]bool),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	levels, ok := d.sent[subject]
	if !ok {
		levels = make(map[AlertLevel]bool)
		d.sent[subject] = levels
	}
	if levels[level] {
		return false
	}
	levels[level] = true
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, subject string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sent, subject)
}

// RedisDeduplicator shares alert state across instances. An alert key
// expires after ttl, after which the level may fire again.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
	}
}

func (d *RedisDeduplicator) alertKey(subject string, level AlertLevel) string {
	return fmt.Sprintf("credits:alert:%s:%s", subject, level)
}

// ShouldAlert uses SETNX so only one instance wins. Redis errors fail open.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(subject, level), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, subject string) {
	keys := make([]string, 0, 3)
	for _, level := range []AlertLevel{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded} {
		keys = append(keys, d.alertKey(subject, level))
	}
	d.client.Del(ctx, keys...)
}
