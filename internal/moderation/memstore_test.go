package moderation

import (
	"context"
	"errors"
	"sync"
	"time"

	"modbot/internal/storage"
)

// memStore is an in-memory stand-in for storage.Store with failure
// injection for the degradation paths.
type memStore struct {
	mu       sync.Mutex
	chats    map[int64]storage.ChatSettings
	members  map[[2]int64]storage.MemberState
	warnings []storage.WarningRecord
	audit    []storage.AuditEntry
	nextID   int64

	failMembers  bool
	failWarnings bool
	failAudit    bool
}

var errInjected = errors.New("injected store failure")

func newMemStore() *memStore {
	return &memStore{
		chats:   make(map[int64]storage.ChatSettings),
		members: make(map[[2]int64]storage.MemberState),
	}
}

func (s *memStore) EnsureChat(ctx context.Context, chatID int64, chatType, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		s.chats[chatID] = storage.ChatSettings{
			ChatID:          chatID,
			Type:            chatType,
			Title:           title,
			WarnLimit:       3,
			MuteMinutes:     120,
			FilterProfanity: true,
			FilterLinks:     true,
			MentionAllowRaw: "[]",
			AllowMedia:      true,
			AllowGif:        true,
			AllowStickers:   true,
			AllowVoice:      true,
		}
	}
	return nil
}

func (s *memStore) GetChatSettings(ctx context.Context, chatID int64) (storage.ChatSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return storage.ChatSettings{}, storage.ErrNotFound
	}
	return cs, nil
}

func (s *memStore) UpdateChatSetting(ctx context.Context, chatID int64, column string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return storage.ErrNotFound
	}
	switch column {
	case "warn_limit":
		cs.WarnLimit = value.(int)
	case "mute_minutes":
		cs.MuteMinutes = value.(int)
	case "slowmode_seconds":
		cs.SlowmodeSeconds = value.(int)
	case "required_channel":
		cs.RequiredChannel = value.(string)
	case "rules_text":
		cs.RulesText = value.(string)
	case "filter_profanity":
		cs.FilterProfanity = value.(bool)
	case "filter_links":
		cs.FilterLinks = value.(bool)
	case "filter_mentions":
		cs.FilterMentions = value.(bool)
	case "allow_media":
		cs.AllowMedia = value.(bool)
	case "allow_gif":
		cs.AllowGif = value.(bool)
	case "allow_stickers":
		cs.AllowStickers = value.(bool)
	case "allow_voice":
		cs.AllowVoice = value.(bool)
	default:
		return errors.New("unknown column " + column)
	}
	s.chats[chatID] = cs
	return nil
}

func (s *memStore) GetMemberState(ctx context.Context, chatID, userID int64) (storage.MemberState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[[2]int64{chatID, userID}]
	if !ok {
		return storage.MemberState{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *memStore) UpsertMemberState(ctx context.Context, m storage.MemberState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMembers {
		return errInjected
	}
	m.UpdatedAt = time.Now().UTC()
	s.members[[2]int64{m.ChatID, m.UserID}] = m
	return nil
}

func (s *memStore) AppendWarning(ctx context.Context, w storage.WarningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWarnings {
		return errInjected
	}
	s.warnings = append(s.warnings, w)
	return nil
}

func (s *memStore) LogAction(ctx context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAudit {
		return errInjected
	}
	s.nextID++
	e.ID = s.nextID
	e.CreatedAt = time.Now().UTC()
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) QueryAuditLog(ctx context.Context, chatID int64, limit uint64) ([]storage.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.AuditEntry, 0)
	for i := len(s.audit) - 1; i >= 0 && uint64(len(out)) < limit; i-- {
		if s.audit[i].ChatID == chatID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func (s *memStore) TouchMember(ctx context.Context, chatID, userID int64, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{chatID, userID}
	m := s.members[key]
	m.ChatID = chatID
	m.UserID = userID
	m.Username = username
	m.LastMessageAt = &at
	s.members[key] = m
	return nil
}

func (s *memStore) actions(chatID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for _, e := range s.audit {
		if e.ChatID == chatID {
			out = append(out, e.Action)
		}
	}
	return out
}
