package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"modbot/internal/storage"
)

func newTestDispatcher(store *memStore) *Dispatcher {
	settings := NewSettingsStore(store, Defaults{WarnLimit: 3, MuteMinutes: 10})
	audit := NewAuditLogger(store, nil, zerolog.Nop(), nil)
	ledger := NewLedger(store, settings, audit, zerolog.Nop(), nil)
	return NewDispatcher(ledger, settings, audit, zerolog.Nop())
}

func TestAdminCommandDeniedForNonAdmin(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(store)

	_, err := d.Execute(context.Background(), Command{
		Name:   "setwarns",
		ChatID: 100,
		Issuer: Issuer{ID: 5, Admin: false},
		Args:   []string{"5"},
	})
	if !errors.Is(err, ErrInsufficientPermission) {
		t.Fatalf("expected ErrInsufficientPermission, got %v", err)
	}

	denied := false
	for _, a := range store.actions(100) {
		if a == string(ActionDenied) {
			denied = true
		}
	}
	if !denied {
		t.Fatalf("denied attempt must be audited")
	}
}

func TestSetWarnsValidation(t *testing.T) {
	d := newTestDispatcher(newMemStore())
	admin := Issuer{ID: 5, Admin: true}

	for _, arg := range []string{"0", "-2", "abc"} {
		_, err := d.Execute(context.Background(), Command{
			Name: "setwarns", ChatID: 100, Issuer: admin, Args: []string{arg},
		})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("arg %q: expected ErrInvalidArgument, got %v", arg, err)
		}
	}

	_, err := d.Execute(context.Background(), Command{
		Name: "setwarns", ChatID: 100, Issuer: admin,
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("missing arg: expected ErrInvalidArgument, got %v", err)
	}
}

func TestSetWarnsAppliesAndAudits(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(store)

	out, err := d.Execute(context.Background(), Command{
		Name: "setwarns", ChatID: 100, Issuer: Issuer{ID: 5, Admin: true}, Args: []string{"5"},
	})
	if err != nil {
		t.Fatalf("setwarns: %v", err)
	}
	if out.Degraded {
		t.Fatalf("unexpected degraded outcome")
	}

	cs, err := store.GetChatSettings(context.Background(), 100)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if cs.WarnLimit != 5 {
		t.Fatalf("expected warn limit 5, got %d", cs.WarnLimit)
	}

	changed := false
	for _, a := range store.actions(100) {
		if a == string(ActionSettingsChange) {
			changed = true
		}
	}
	if !changed {
		t.Fatalf("settings change must be audited")
	}
}

func TestWarnCommandReportsProgressTowardLimit(t *testing.T) {
	d := newTestDispatcher(newMemStore())
	admin := Issuer{ID: 5, Admin: true}

	out, err := d.Execute(context.Background(), Command{
		Name: "warn", ChatID: 100, Issuer: admin, TargetID: 7, Args: []string{"flood"},
	})
	if err != nil {
		t.Fatalf("warn: %v", err)
	}
	if !strings.Contains(out.Text, "1/3") {
		t.Fatalf("expected progress in reply, got %q", out.Text)
	}
}

func TestTargetCommandsRequireTarget(t *testing.T) {
	d := newTestDispatcher(newMemStore())
	admin := Issuer{ID: 5, Admin: true}

	for _, name := range []string{"warn", "mute", "ban", "kick"} {
		_, err := d.Execute(context.Background(), Command{Name: name, ChatID: 100, Issuer: admin})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s without target: expected ErrInvalidArgument, got %v", name, err)
		}
	}
}

func TestSelfTargetRejected(t *testing.T) {
	d := newTestDispatcher(newMemStore())
	_, err := d.Execute(context.Background(), Command{
		Name: "warn", ChatID: 100, Issuer: Issuer{ID: 5, Admin: true}, TargetID: 5,
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for self target, got %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	d := newTestDispatcher(newMemStore())
	_, err := d.Execute(context.Background(), Command{
		Name: "frobnicate", ChatID: 100, Issuer: Issuer{ID: 5, Admin: true},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unknown command, got %v", err)
	}
	if d.Known("frobnicate") {
		t.Fatalf("frobnicate must not be a known command")
	}
	if !d.Known("warn") {
		t.Fatalf("warn must be a known command")
	}
}

func TestRulesCommandIsPublic(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(store)
	ctx := context.Background()

	if _, err := d.Execute(ctx, Command{
		Name: "setrules", ChatID: 100, Issuer: Issuer{ID: 5, Admin: true}, Args: []string{"be", "kind"},
	}); err != nil {
		t.Fatalf("setrules: %v", err)
	}

	out, err := d.Execute(ctx, Command{
		Name: "rules", ChatID: 100, Issuer: Issuer{ID: 9, Admin: false},
	})
	if err != nil {
		t.Fatalf("rules as member: %v", err)
	}
	if out.Text != "be kind" {
		t.Fatalf("expected stored rules, got %q", out.Text)
	}
}

func TestFilterAndMediaTogglesReportState(t *testing.T) {
	d := newTestDispatcher(newMemStore())
	ctx := context.Background()
	admin := Issuer{ID: 5, Admin: true}

	out, err := d.Execute(ctx, Command{
		Name: "filter", ChatID: 100, Issuer: admin, Args: []string{"link", "off"},
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if out.Text != "Filter link: off." {
		t.Fatalf("unexpected filter reply %q", out.Text)
	}

	out, err = d.Execute(ctx, Command{
		Name: "media", ChatID: 100, Issuer: admin, Args: []string{"stickers", "on"},
	})
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	if out.Text != "Media stickers: on." {
		t.Fatalf("unexpected media reply %q", out.Text)
	}
}

func TestModlogLimitIsClamped(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(store)
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		if err := store.LogAction(ctx, storage.AuditEntry{
			ChatID: 100, Action: string(ActionWarn), TargetID: int64(i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := d.Execute(ctx, Command{
		Name: "modlog", ChatID: 100, Issuer: Issuer{ID: 5, Admin: true}, Args: []string{"500"},
	})
	if err != nil {
		t.Fatalf("modlog: %v", err)
	}
	if lines := strings.Split(out.Text, "\n"); len(lines) != 100 {
		t.Fatalf("expected output capped at 100 lines, got %d", len(lines))
	}
}

func TestModlogShowsRecentActions(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(store)
	ctx := context.Background()
	admin := Issuer{ID: 5, Admin: true}

	if _, err := d.Execute(ctx, Command{Name: "warn", ChatID: 100, Issuer: admin, TargetID: 7}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Execute(ctx, Command{Name: "ban", ChatID: 100, Issuer: admin, TargetID: 8, Args: []string{"raid"}}); err != nil {
		t.Fatal(err)
	}

	out, err := d.Execute(ctx, Command{Name: "modlog", ChatID: 100, Issuer: admin})
	if err != nil {
		t.Fatalf("modlog: %v", err)
	}
	lines := strings.Split(out.Text, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), out.Text)
	}
	// Newest first.
	if !strings.Contains(lines[0], "ban") || !strings.Contains(lines[1], "warn") {
		t.Fatalf("expected newest-first ordering, got %q", out.Text)
	}
}
