package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestSlowmodeAllowsOnePerWindow(t *testing.T) {
	rdb, mr := newTestRedis(t)
	sl := NewSlowmodeLimiter(rdb)
	ctx := context.Background()

	allowed, _, err := sl.Allow(ctx, 1, 10, 30)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed {
		t.Fatalf("first message in window must pass")
	}

	allowed, retry, err := sl.Allow(ctx, 1, 10, 30)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if allowed {
		t.Fatalf("second message in window must be held")
	}
	if retry <= 0 || retry > 30*time.Second {
		t.Fatalf("unexpected retry-after %s", retry)
	}

	mr.FastForward(31 * time.Second)
	allowed, _, err = sl.Allow(ctx, 1, 10, 30)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if !allowed {
		t.Fatalf("window expiry must admit the next message")
	}
}

func TestSlowmodeOffPassesEverything(t *testing.T) {
	sl := NewSlowmodeLimiter(nil)
	for i := 0; i < 3; i++ {
		allowed, _, err := sl.Allow(context.Background(), 1, 10, 0)
		if err != nil || !allowed {
			t.Fatalf("slowmode off: allowed=%v err=%v", allowed, err)
		}
	}
}

func TestSlowmodeIsPerUser(t *testing.T) {
	rdb, _ := newTestRedis(t)
	sl := NewSlowmodeLimiter(rdb)
	ctx := context.Background()

	if allowed, _, _ := sl.Allow(ctx, 1, 10, 30); !allowed {
		t.Fatalf("user 10 first message must pass")
	}
	if allowed, _, _ := sl.Allow(ctx, 1, 11, 30); !allowed {
		t.Fatalf("user 11 must not share user 10's window")
	}
}

func TestDeduplicatorMarksFirstOnly(t *testing.T) {
	rdb, _ := newTestRedis(t)
	d := NewUpdateDeduplicator(rdb, time.Minute)
	ctx := context.Background()

	first, err := d.MarkFirst(ctx, 42)
	if err != nil {
		t.Fatalf("mark#1: %v", err)
	}
	if !first {
		t.Fatalf("first sighting must report true")
	}

	first, err = d.MarkFirst(ctx, 42)
	if err != nil {
		t.Fatalf("mark#2: %v", err)
	}
	if first {
		t.Fatalf("repeat sighting must report false")
	}
}
