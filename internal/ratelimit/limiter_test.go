package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func setupLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zaptest.NewLogger(t)), mr
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, mr := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		if err != nil || !ok {
			t.Fatalf("request %d: expected allowed, got ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "alice", rule)
	if err != nil || ok {
		t.Fatalf("expected 4th request limited, got ok=%v err=%v", ok, err)
	}

	// Other identifiers have their own window.
	if ok, _ := l.Allow(ctx, "bob", rule); !ok {
		t.Error("expected bob allowed")
	}

	if ttl := mr.TTL("rl:test:alice"); ttl != time.Minute {
		t.Errorf("expected window TTL of 1m, got %v", ttl)
	}
	if d := l.RetryAfter(ctx, "alice", rule); d <= 0 || d > time.Minute {
		t.Errorf("unexpected retry-after %v", d)
	}

	mr.FastForward(time.Minute + time.Second)
	if ok, _ := l.Allow(ctx, "alice", rule); !ok {
		t.Error("expected allowed after the window expired")
	}
}

func TestRemaining(t *testing.T) {
	l, _ := setupLimiter(t)
	ctx := context.Background()

	if n, err := l.Remaining(ctx, "alice", RuleRelease); err != nil || n != RuleRelease.Limit {
		t.Fatalf("expected full limit, got %d err=%v", n, err)
	}
	for i := 0; i < RuleRelease.Limit+2; i++ {
		l.Allow(ctx, "alice", RuleRelease)
	}
	if n, _ := l.Remaining(ctx, "alice", RuleRelease); n != 0 {
		t.Errorf("expected 0 remaining, got %d", n)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	l, mr := setupLimiter(t)
	mr.Close()

	ok, err := l.Allow(context.Background(), "alice", RuleSend)
	if !ok || err == nil {
		t.Fatalf("expected fail-open with error, got ok=%v err=%v", ok, err)
	}
}
