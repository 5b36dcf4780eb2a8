package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, limit int) (*FixedWindow, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFixedWindow(client, "webhook", limit, time.Minute), mr
}

func TestFixedWindowBlocksAfterLimit(t *testing.T) {
	l, _ := newLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "payfast:1.2.3.4")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}
	d, err := l.Allow(ctx, "payfast:1.2.3.4")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed || d.Remaining != 0 || d.RetryAfter <= 0 {
		t.Fatalf("expected blocked decision, got %+v", d)
	}

	other, err := l.Allow(ctx, "ozow:1.2.3.4")
	if err != nil || !other.Allowed {
		t.Fatalf("keys must be independent, got %+v err=%v", other, err)
	}
}

func TestFixedWindowResetsAfterExpiry(t *testing.T) {
	l, mr := newLimiter(t, 1)
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "k"); !d.Allowed {
		t.Fatal("first hit should be allowed")
	}
	if d, _ := l.Allow(ctx, "k"); d.Allowed {
		t.Fatal("second hit should be blocked")
	}
	if ttl := mr.TTL("webhook:k"); ttl != time.Minute {
		t.Fatalf("expected window ttl, got %s", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if d, _ := l.Allow(ctx, "k"); !d.Allowed {
		t.Fatal("hit after window should be allowed")
	}
}

func TestConnectParsesURL(t *testing.T) {
	c, err := Connect("redis://localhost:6380/2")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	if c.Options().Addr != "localhost:6380" || c.Options().DB != 2 {
		t.Fatalf("unexpected options: %+v", c.Options())
	}
}
