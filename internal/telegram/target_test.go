package telegram

import (
	"context"
	"strings"
	"testing"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"modbot/internal/moderation"
	"modbot/internal/storage"
)

type fakeChatStore struct {
	users   map[string]int64
	lookups int
}

func (f *fakeChatStore) EnsureChat(ctx context.Context, chatID int64, chatType, title string) error {
	return nil
}

func (f *fakeChatStore) FindUserIDByUsername(ctx context.Context, chatID int64, username string) (int64, error) {
	f.lookups++
	name := strings.ToLower(strings.TrimPrefix(username, "@"))
	if id, ok := f.users[name]; ok {
		return id, nil
	}
	return 0, storage.ErrNotFound
}

func (f *fakeChatStore) SetAdminCache(ctx context.Context, chatID, userID int64, isAdmin bool) error {
	return nil
}

func newTargetService(store ChatStore) *Service {
	return NewService(Config{
		Store:    store,
		Dispatch: moderation.NewDispatcher(nil, nil, nil, zerolog.Nop()),
		Logger:   zerolog.Nop(),
	})
}

func groupMessage(text string) *gotgbot.Message {
	return &gotgbot.Message{
		Text: text,
		Chat: gotgbot.Chat{Id: 100, Type: "supergroup"},
		From: &gotgbot.User{Id: 5, Username: "admin"},
	}
}

func TestChannelArgumentIsNotATarget(t *testing.T) {
	store := &fakeChatStore{}
	s := newTargetService(store)

	target, args, err := s.commandTarget(context.Background(), "setchannel", groupMessage("/setcaptcha @mychannel"))
	if err != nil {
		t.Fatalf("commandTarget: %v", err)
	}
	if target != 0 {
		t.Fatalf("settings command must not resolve a target, got %d", target)
	}
	if len(args) != 1 || args[0] != "@mychannel" {
		t.Fatalf("channel argument must pass through, got %v", args)
	}
	if store.lookups != 0 {
		t.Fatalf("settings command must not hit the username index, got %d lookups", store.lookups)
	}
}

func TestSettingsArgumentsPassThroughUntouched(t *testing.T) {
	store := &fakeChatStore{}
	s := newTargetService(store)

	cases := []struct {
		text string
		name string
		want string
	}{
		{"!setwarns 5", "setwarns", "5"},
		{"!slowmode 30", "slowmode", "30"},
		{"!setmutetime 9", "setmute", "9"},
	}
	for _, tc := range cases {
		_, args, err := s.commandTarget(context.Background(), tc.name, groupMessage(tc.text))
		if err != nil {
			t.Fatalf("%s: %v", tc.text, err)
		}
		if len(args) != 1 || args[0] != tc.want {
			t.Fatalf("%s: expected args [%s], got %v", tc.text, tc.want, args)
		}
	}
	if store.lookups != 0 {
		t.Fatalf("settings commands must not hit the username index, got %d lookups", store.lookups)
	}
}

func TestTargetResolvedFromReply(t *testing.T) {
	s := newTargetService(&fakeChatStore{})

	msg := groupMessage("!warn spam links")
	msg.ReplyToMessage = &gotgbot.Message{From: &gotgbot.User{Id: 42}}

	target, args, err := s.commandTarget(context.Background(), "warn", msg)
	if err != nil {
		t.Fatalf("commandTarget: %v", err)
	}
	if target != 42 {
		t.Fatalf("expected replied-to sender as target, got %d", target)
	}
	if len(args) != 2 || args[0] != "spam" || args[1] != "links" {
		t.Fatalf("reason args must stay intact, got %v", args)
	}
}

func TestTargetResolvedFromStoredUsername(t *testing.T) {
	store := &fakeChatStore{users: map[string]int64{"spammer": 77}}
	s := newTargetService(store)

	target, args, err := s.commandTarget(context.Background(), "warn", groupMessage("!warn @Spammer flooding"))
	if err != nil {
		t.Fatalf("commandTarget: %v", err)
	}
	if target != 77 {
		t.Fatalf("expected username lookup to resolve 77, got %d", target)
	}
	if len(args) != 1 || args[0] != "flooding" {
		t.Fatalf("username must be consumed from args, got %v", args)
	}
}

func TestUnknownUsernameTargetErrors(t *testing.T) {
	s := newTargetService(&fakeChatStore{})

	_, _, err := s.commandTarget(context.Background(), "ban", groupMessage("!ban @ghost raid"))
	if err == nil {
		t.Fatalf("expected error for unknown username target")
	}
}

func TestBareDurationIsNotATarget(t *testing.T) {
	s := newTargetService(&fakeChatStore{})

	msg := groupMessage("!mute 30")
	msg.ReplyToMessage = &gotgbot.Message{From: &gotgbot.User{Id: 42}}

	target, args, err := s.commandTarget(context.Background(), "mute", msg)
	if err != nil {
		t.Fatalf("commandTarget: %v", err)
	}
	if target != 42 {
		t.Fatalf("expected replied-to sender as target, got %d", target)
	}
	if len(args) != 1 || args[0] != "30" {
		t.Fatalf("duration must stay an argument, got %v", args)
	}
}
