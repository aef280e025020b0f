package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, 2, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "client-a")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed, got allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ = limiter.Allow(ctx, "client-a"); !allowed {
		t.Fatalf("expected second token allowed")
	}
	if allowed, _, _ = limiter.Allow(ctx, "client-a"); allowed {
		t.Fatalf("expected third token rejected")
	}

	// Buckets are per key; another client still has its full budget.
	if allowed, _, _ = limiter.Allow(ctx, "client-b"); !allowed {
		t.Fatalf("expected independent bucket for second client")
	}
}
