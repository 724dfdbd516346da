package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, limit, window), s
}

func TestAllowWithinLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !ok {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}

	ok, err := limiter.Allow(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if ok {
		t.Error("expected fourth request to be blocked")
	}
}

func TestWindowResets(t *testing.T) {
	limiter, s := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "1.2.3.4"); !ok {
		t.Fatal("expected first request to be allowed")
	}
	if ok, _ := limiter.Allow(ctx, "1.2.3.4"); ok {
		t.Fatal("expected second request to be blocked")
	}

	s.FastForward(2 * time.Minute)

	if ok, _ := limiter.Allow(ctx, "1.2.3.4"); !ok {
		t.Error("expected request to be allowed after window reset")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "1.2.3.4"); !ok {
		t.Fatal("expected first key to be allowed")
	}
	if ok, _ := limiter.Allow(ctx, "5.6.7.8"); !ok {
		t.Error("expected second key to have its own window")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var limiter *Limiter
	ok, err := limiter.Allow(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !ok {
		t.Error("expected nil limiter to allow requests")
	}
}
