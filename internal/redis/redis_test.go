package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestDedup_FirstSeenWins(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	dedup := NewDedup(client, zap.NewNop())
	ctx := context.Background()

	if !dedup.Once(ctx, "escalation:abc") {
		t.Fatal("first sighting should pass")
	}
	if dedup.Once(ctx, "escalation:abc") {
		t.Fatal("second sighting should be suppressed")
	}
	if !dedup.Once(ctx, "escalation:def") {
		t.Fatal("different key should pass")
	}
}

func TestDedup_FailsOpenWhenRedisDown(t *testing.T) {
	client, mr, cleanup := setupTestClient(t)
	defer cleanup()

	mr.Close()

	dedup := NewDedup(client, zap.NewNop())
	if !dedup.Once(context.Background(), "escalation:abc") {
		t.Fatal("dedup must fail open when redis is unreachable")
	}
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  5,
		Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "user-1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  3,
		Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := limiter.Allow(ctx, "user-1"); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	result, err := limiter.Allow(ctx, "user-1")
	if err != nil {
		t.Fatalf("over-limit check failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("request over the limit should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  1,
		Window: time.Minute,
	})
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "user-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	result, err := limiter.Allow(ctx, "user-2")
	if err != nil {
		t.Fatalf("other user's request failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("one user's traffic must not block another's")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	client, mr, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  1,
		Window: time.Minute,
	})
	ctx := context.Background()

	// Scores are wall-clock nanoseconds, so simulate an old request by
	// seeding a member two minutes in the past.
	old := float64(time.Now().Add(-2*time.Minute).UnixNano())
	mr.DB(0).ZAdd("ratelimit:user-1", old, "stale")

	result, err := limiter.Allow(ctx, "user-1")
	if err != nil {
		t.Fatalf("post-window request failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("request after the window elapsed should be allowed")
	}
}
