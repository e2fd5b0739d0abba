package ratelimit

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkInMemoryRateLimiter_Allow(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow(ctx, "acct-1", 10000)
	}
}

func BenchmarkInMemoryRateLimiter_Allow_Parallel(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rl.Allow(ctx, "acct-1", 10000)
		}
	})
}

func BenchmarkInMemoryRateLimiter_ManyAccounts(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	accounts := make([]string, 1000)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("acct-%d", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow(ctx, accounts[i%len(accounts)], 100)
	}
}
