package moderation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLedger(store *memStore) *Ledger {
	settings := NewSettingsStore(store, Defaults{WarnLimit: 3, MuteMinutes: 10})
	audit := NewAuditLogger(store, nil, zerolog.Nop(), nil)
	return NewLedger(store, settings, audit, zerolog.Nop(), nil)
}

func TestWarningsAccumulateToAutoMute(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res, err := l.IssueWarning(ctx, 100, 7, "spam", 1)
		if err != nil {
			t.Fatalf("warn #%d: %v", i, err)
		}
		if res.Warns != i || res.AutoMuted {
			t.Fatalf("warn #%d: got warns=%d automuted=%v", i, res.Warns, res.AutoMuted)
		}
	}

	res, err := l.IssueWarning(ctx, 100, 7, "spam", 1)
	if err != nil {
		t.Fatalf("warn #3: %v", err)
	}
	if !res.AutoMuted {
		t.Fatalf("expected auto-mute at limit, got %+v", res)
	}
	if res.MutedUntil.IsZero() {
		t.Fatalf("auto-mute carries no deadline")
	}

	view, err := l.State(ctx, 100, 7)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if view.Punishment != PunishmentMuted {
		t.Fatalf("expected muted view, got %+v", view)
	}
	if view.Warns != 0 {
		t.Fatalf("expected warn count reset after auto-mute, got %d", view.Warns)
	}
}

func TestConcurrentWarningsAreNotLost(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	if err := store.EnsureChat(context.Background(), 100, "group", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateChatSetting(context.Background(), 100, "warn_limit", 1000); err != nil {
		t.Fatal(err)
	}

	const n = 25
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := l.IssueWarning(context.Background(), 100, 7, "race", 1); err != nil {
				t.Errorf("warn: %v", err)
			}
		}()
	}
	wg.Wait()

	view, err := l.State(context.Background(), 100, 7)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if view.Warns != n {
		t.Fatalf("expected %d warns after %d concurrent issues, got %d", n, n, view.Warns)
	}
}

func TestMuteExpiryIsLazy(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	if _, err := l.Mute(ctx, 100, 7, 30, 1); err != nil {
		t.Fatalf("mute: %v", err)
	}

	view, _ := l.State(ctx, 100, 7)
	if view.Punishment != PunishmentMuted {
		t.Fatalf("expected muted before deadline, got %+v", view)
	}

	// No sweep runs; the deadline passing alone must clear the view.
	l.now = func() time.Time { return base.Add(31 * time.Minute) }
	view, _ = l.State(ctx, 100, 7)
	if view.Punishment != PunishmentNone {
		t.Fatalf("expected clean view after deadline, got %+v", view)
	}
}

func TestUnmuteIsIdempotent(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	if _, err := l.Mute(ctx, 100, 7, 30, 1); err != nil {
		t.Fatalf("mute: %v", err)
	}
	res, err := l.Unmute(ctx, 100, 7, 1)
	if err != nil || !res.WasMuted {
		t.Fatalf("first unmute: res=%+v err=%v", res, err)
	}
	res, err = l.Unmute(ctx, 100, 7, 1)
	if err != nil {
		t.Fatalf("second unmute: %v", err)
	}
	if res.WasMuted {
		t.Fatalf("second unmute should be a no-op")
	}
}

func TestUnmutePreservesWarnCount(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	if _, err := l.IssueWarning(ctx, 100, 7, "spam", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Mute(ctx, 100, 7, 30, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Unmute(ctx, 100, 7, 1); err != nil {
		t.Fatal(err)
	}

	view, _ := l.State(ctx, 100, 7)
	if view.Warns != 1 {
		t.Fatalf("unmute must not touch warns, got %d", view.Warns)
	}
}

func TestBanIsStickyOverWarnAndMute(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	if _, err := l.Ban(ctx, 100, 7, "raid", 1); err != nil {
		t.Fatalf("ban: %v", err)
	}

	warn, err := l.IssueWarning(ctx, 100, 7, "spam", 1)
	if err != nil {
		t.Fatalf("warn banned: %v", err)
	}
	if !warn.Banned || warn.Warns != 0 {
		t.Fatalf("warn on banned member must change nothing, got %+v", warn)
	}

	mute, err := l.Mute(ctx, 100, 7, 30, 1)
	if err != nil {
		t.Fatalf("mute banned: %v", err)
	}
	if !mute.Banned {
		t.Fatalf("mute on banned member must be a no-op, got %+v", mute)
	}

	view, _ := l.State(ctx, 100, 7)
	if view.Punishment != PunishmentBanned {
		t.Fatalf("expected banned view, got %+v", view)
	}
}

func TestRepeatBanIsNoOpButAudited(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	if _, err := l.Ban(ctx, 100, 7, "raid", 1); err != nil {
		t.Fatal(err)
	}
	res, err := l.Ban(ctx, 100, 7, "again", 1)
	if err != nil {
		t.Fatalf("second ban: %v", err)
	}
	if !res.AlreadyBanned {
		t.Fatalf("expected AlreadyBanned on repeat, got %+v", res)
	}

	bans := 0
	for _, a := range store.actions(100) {
		if a == string(ActionBan) {
			bans++
		}
	}
	if bans != 2 {
		t.Fatalf("both ban attempts must be audited, got %d entries", bans)
	}
}

func TestUnbanClearsWarnsAndMute(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	if _, err := l.IssueWarning(ctx, 100, 7, "spam", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Ban(ctx, 100, 7, "raid", 1); err != nil {
		t.Fatal(err)
	}

	res, err := l.Unban(ctx, 100, 7, 1)
	if err != nil || !res.WasBanned {
		t.Fatalf("unban: res=%+v err=%v", res, err)
	}

	view, _ := l.State(ctx, 100, 7)
	if view.Punishment != PunishmentNone || view.Warns != 0 {
		t.Fatalf("expected clean view after unban, got %+v", view)
	}

	res, err = l.Unban(ctx, 100, 7, 1)
	if err != nil {
		t.Fatalf("second unban: %v", err)
	}
	if res.WasBanned {
		t.Fatalf("second unban should be a no-op")
	}
}

func TestWarnNotAppliedWhenPersistFails(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	store.failMembers = true
	if _, err := l.IssueWarning(ctx, 100, 7, "spam", 1); err == nil {
		t.Fatalf("expected error when member row cannot be written")
	}
	store.failMembers = false

	view, err := l.State(ctx, 100, 7)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if view.Warns != 0 {
		t.Fatalf("failed write must not count, got %d warns", view.Warns)
	}
}

func TestWarnDegradesWhenWarningRecordFails(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	store.failWarnings = true
	res, err := l.IssueWarning(ctx, 100, 7, "spam", 1)
	if err != nil {
		t.Fatalf("warn: %v", err)
	}
	if res.Warns != 1 {
		t.Fatalf("warn must apply despite record failure, got %+v", res)
	}
	if !res.Degraded {
		t.Fatalf("expected degraded flag when the warning record is lost")
	}
}

func TestKickLeavesStateUntouched(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	if _, err := l.IssueWarning(ctx, 100, 7, "spam", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Kick(ctx, 100, 7, 1); err != nil {
		t.Fatalf("kick: %v", err)
	}

	view, _ := l.State(ctx, 100, 7)
	if view.Warns != 1 || view.Punishment != PunishmentNone {
		t.Fatalf("kick must not touch warns or punishment, got %+v", view)
	}

	found := false
	for _, a := range store.actions(100) {
		if a == string(ActionKick) {
			found = true
		}
	}
	if !found {
		t.Fatalf("kick must leave an audit entry")
	}
}
