package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"modbot/internal/storage"
)

// Defaults seed settings for chats that have no row yet. Values mirror the
// schema column defaults so reads and lazy creation agree.
type Defaults struct {
	WarnLimit   int
	MuteMinutes int
}

type SettingsRepo interface {
	EnsureChat(ctx context.Context, chatID int64, chatType, title string) error
	GetChatSettings(ctx context.Context, chatID int64) (storage.ChatSettings, error)
	UpdateChatSetting(ctx context.Context, chatID int64, column string, value any) error
}

// SettingsStore reads and mutates per-chat configuration. All mutations
// validate before writing; a chat row is created lazily on the first
// admin interaction.
type SettingsStore struct {
	repo     SettingsRepo
	defaults Defaults
}

func NewSettingsStore(repo SettingsRepo, defaults Defaults) *SettingsStore {
	if defaults.WarnLimit <= 0 {
		defaults.WarnLimit = 3
	}
	if defaults.MuteMinutes <= 0 {
		defaults.MuteMinutes = 120
	}
	return &SettingsStore{repo: repo, defaults: defaults}
}

// Get returns the chat's settings, falling back to defaults for chats the
// bot has never stored.
func (s *SettingsStore) Get(ctx context.Context, chatID int64) (storage.ChatSettings, error) {
	cs, err := s.repo.GetChatSettings(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.defaultSettings(chatID), nil
		}
		return storage.ChatSettings{}, err
	}
	if cs.WarnLimit <= 0 {
		cs.WarnLimit = s.defaults.WarnLimit
	}
	if cs.MuteMinutes <= 0 {
		cs.MuteMinutes = s.defaults.MuteMinutes
	}
	return cs, nil
}

func (s *SettingsStore) defaultSettings(chatID int64) storage.ChatSettings {
	return storage.ChatSettings{
		ChatID:          chatID,
		WarnLimit:       s.defaults.WarnLimit,
		MuteMinutes:     s.defaults.MuteMinutes,
		FilterProfanity: true,
		FilterLinks:     true,
		MentionAllowRaw: "[]",
		AllowMedia:      true,
		AllowGif:        true,
		AllowStickers:   true,
		AllowVoice:      true,
	}
}

func (s *SettingsStore) SetWarnLimit(ctx context.Context, chatID int64, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: warn limit must be positive", ErrInvalidArgument)
	}
	return s.update(ctx, chatID, "warn_limit", n)
}

func (s *SettingsStore) SetMuteMinutes(ctx context.Context, chatID int64, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: mute minutes must be positive", ErrInvalidArgument)
	}
	return s.update(ctx, chatID, "mute_minutes", minutes)
}

func (s *SettingsStore) SetSlowmode(ctx context.Context, chatID int64, seconds int) error {
	if seconds < 0 {
		return fmt.Errorf("%w: slowmode seconds must not be negative", ErrInvalidArgument)
	}
	return s.update(ctx, chatID, "slowmode_seconds", seconds)
}

// SetRequiredChannel enables the subscription gate. Empty channel turns
// the gate off.
func (s *SettingsStore) SetRequiredChannel(ctx context.Context, chatID int64, channel string) error {
	channel = strings.TrimSpace(channel)
	if channel != "" && !strings.HasPrefix(channel, "@") {
		return fmt.Errorf("%w: channel must start with @", ErrInvalidArgument)
	}
	return s.update(ctx, chatID, "required_channel", channel)
}

func (s *SettingsStore) SetRules(ctx context.Context, chatID int64, text string) error {
	return s.update(ctx, chatID, "rules_text", strings.TrimSpace(text))
}

func (s *SettingsStore) SetFilter(ctx context.Context, chatID int64, kind FilterKind, enabled bool) error {
	var column string
	switch kind {
	case FilterProfanity:
		column = "filter_profanity"
	case FilterLink:
		column = "filter_links"
	case FilterMention:
		column = "filter_mentions"
	default:
		return fmt.Errorf("%w: unknown filter %q", ErrInvalidArgument, kind)
	}
	return s.update(ctx, chatID, column, enabled)
}

func (s *SettingsStore) SetMediaAllowed(ctx context.Context, chatID int64, kind string, allowed bool) error {
	var column string
	switch kind {
	case "media":
		column = "allow_media"
	case "gif":
		column = "allow_gif"
	case "stickers":
		column = "allow_stickers"
	case "voice":
		column = "allow_voice"
	default:
		return fmt.Errorf("%w: unknown media kind %q", ErrInvalidArgument, kind)
	}
	return s.update(ctx, chatID, column, allowed)
}

func (s *SettingsStore) update(ctx context.Context, chatID int64, column string, value any) error {
	if err := s.repo.EnsureChat(ctx, chatID, "", ""); err != nil {
		return err
	}
	return s.repo.UpdateChatSetting(ctx, chatID, column, value)
}

// MentionAllowlist parses the stored JSON allow-list. The required
// channel's name is always allowed so the subscription prompt itself
// never trips the mention filter.
func MentionAllowlist(cs storage.ChatSettings) []string {
	var list []string
	if raw := strings.TrimSpace(cs.MentionAllowRaw); raw != "" {
		_ = json.Unmarshal([]byte(raw), &list)
	}
	if cs.RequiredChannel != "" {
		list = append(list, cs.RequiredChannel)
	}
	return list
}
