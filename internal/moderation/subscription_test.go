package moderation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeOracle struct {
	member bool
	err    error
	calls  int
}

func (f *fakeOracle) IsMember(ctx context.Context, channel string, userID int64) (bool, error) {
	f.calls++
	return f.member, f.err
}

func newTestVerifier(t *testing.T, oracle MembershipOracle) (*Verifier, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewVerifier(oracle, rdb, time.Minute, zerolog.Nop(), nil), mr
}

func TestEmptyChannelIsTriviallySubscribed(t *testing.T) {
	oracle := &fakeOracle{}
	v, _ := newTestVerifier(t, oracle)

	if got := v.Check(context.Background(), "", 100, 7); got != Subscribed {
		t.Fatalf("expected Subscribed with no required channel, got %s", got)
	}
	if oracle.calls != 0 {
		t.Fatalf("oracle must not be consulted when the gate is off")
	}
}

func TestOracleFailureFailsOpen(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("api down")}
	v, _ := newTestVerifier(t, oracle)

	if got := v.Check(context.Background(), "@chan", 100, 7); got != SubUnknown {
		t.Fatalf("expected SubUnknown on oracle failure, got %s", got)
	}
}

func TestDefinitiveResultIsCached(t *testing.T) {
	oracle := &fakeOracle{member: true}
	v, _ := newTestVerifier(t, oracle)
	ctx := context.Background()

	if got := v.Check(ctx, "@chan", 100, 7); got != Subscribed {
		t.Fatalf("first check: expected Subscribed, got %s", got)
	}
	if got := v.Check(ctx, "@chan", 100, 7); got != Subscribed {
		t.Fatalf("second check: expected Subscribed, got %s", got)
	}
	if oracle.calls != 1 {
		t.Fatalf("expected cache hit on second check, oracle called %d times", oracle.calls)
	}
}

func TestUnknownResultIsNotCached(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("api down")}
	v, _ := newTestVerifier(t, oracle)
	ctx := context.Background()

	v.Check(ctx, "@chan", 100, 7)
	oracle.err = nil
	oracle.member = false

	if got := v.Check(ctx, "@chan", 100, 7); got != NotSubscribed {
		t.Fatalf("expected fresh oracle answer after failure, got %s", got)
	}
	if oracle.calls != 2 {
		t.Fatalf("unknown result must not be served from cache, oracle called %d times", oracle.calls)
	}
}

func TestInvalidateForcesFreshCheck(t *testing.T) {
	oracle := &fakeOracle{member: false}
	v, _ := newTestVerifier(t, oracle)
	ctx := context.Background()

	if got := v.Check(ctx, "@chan", 100, 7); got != NotSubscribed {
		t.Fatalf("expected NotSubscribed, got %s", got)
	}

	// The user subscribed and tapped the verify button.
	oracle.member = true
	v.Invalidate(ctx, "@chan", 100, 7)

	if got := v.Check(ctx, "@chan", 100, 7); got != Subscribed {
		t.Fatalf("expected fresh Subscribed after invalidate, got %s", got)
	}
}
