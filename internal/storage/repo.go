package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

var settingsColumns = []string{
	"id", "type", "title", "required_channel", "warn_limit", "mute_minutes",
	"slowmode_seconds", "filter_profanity", "filter_links", "filter_mentions",
	"mention_allowlist", "allow_media", "allow_gif", "allow_stickers",
	"allow_voice", "rules_text", "created_at",
}

func (s *Store) EnsureChat(ctx context.Context, chatID int64, chatType, title string) error {
	if chatType == "" {
		chatType = "unknown"
	}
	q := s.sql.Insert("chats").
		Columns("id", "type", "title").
		Values(chatID, chatType, title).
		Suffix("ON CONFLICT(id) DO UPDATE SET type=excluded.type, title=excluded.title")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure chat query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}
	return nil
}

func (s *Store) GetChatSettings(ctx context.Context, chatID int64) (ChatSettings, error) {
	q := s.sql.Select(settingsColumns...).From("chats").Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatSettings{}, fmt.Errorf("build settings query: %w", err)
	}

	var cs ChatSettings
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&cs.ChatID,
		&cs.Type,
		&cs.Title,
		&cs.RequiredChannel,
		&cs.WarnLimit,
		&cs.MuteMinutes,
		&cs.SlowmodeSeconds,
		&cs.FilterProfanity,
		&cs.FilterLinks,
		&cs.FilterMentions,
		&cs.MentionAllowRaw,
		&cs.AllowMedia,
		&cs.AllowGif,
		&cs.AllowStickers,
		&cs.AllowVoice,
		&cs.RulesText,
		&cs.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatSettings{}, ErrNotFound
		}
		return ChatSettings{}, fmt.Errorf("get chat settings: %w", err)
	}
	return cs, nil
}

// UpdateChatSetting writes a single settings column. Callers go through the
// moderation settings store, which validates names and values first.
func (s *Store) UpdateChatSetting(ctx context.Context, chatID int64, column string, value any) error {
	q := s.sql.Update("chats").Set(column, value).Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update setting query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update chat setting %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetMemberState(ctx context.Context, chatID, userID int64) (MemberState, error) {
	q := s.sql.Select(
		"chat_id", "user_id", "username", "warns", "muted_until", "banned",
		"last_sub_check", "last_sub_ok", "last_message_at", "updated_at",
	).From("member_state").Where(sq.Eq{"chat_id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return MemberState{}, fmt.Errorf("build member state query: %w", err)
	}

	var m MemberState
	var mutedUntil, lastSubCheck, lastMessageAt sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&m.ChatID,
		&m.UserID,
		&m.Username,
		&m.Warns,
		&mutedUntil,
		&m.Banned,
		&lastSubCheck,
		&m.LastSubOK,
		&lastMessageAt,
		&m.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemberState{}, ErrNotFound
		}
		return MemberState{}, fmt.Errorf("get member state: %w", err)
	}
	if mutedUntil.Valid {
		m.MutedUntil = &mutedUntil.Time
	}
	if lastSubCheck.Valid {
		m.LastSubCheck = &lastSubCheck.Time
	}
	if lastMessageAt.Valid {
		m.LastMessageAt = &lastMessageAt.Time
	}
	return m, nil
}

func (s *Store) UpsertMemberState(ctx context.Context, m MemberState) error {
	q := s.sql.Insert("member_state").
		Columns("chat_id", "user_id", "username", "warns", "muted_until", "banned",
			"last_sub_check", "last_sub_ok", "last_message_at", "updated_at").
		Values(m.ChatID, m.UserID, m.Username, m.Warns, nullTime(m.MutedUntil), m.Banned,
			nullTime(m.LastSubCheck), m.LastSubOK, nullTime(m.LastMessageAt), nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id, user_id) DO UPDATE SET " +
			"username=excluded.username, warns=excluded.warns, muted_until=excluded.muted_until, " +
			"banned=excluded.banned, last_sub_check=excluded.last_sub_check, last_sub_ok=excluded.last_sub_ok, " +
			"last_message_at=excluded.last_message_at, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build member state upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert member state: %w", err)
	}
	return nil
}

// TouchMember records the last seen username and message time without
// touching warns or punishment.
func (s *Store) TouchMember(ctx context.Context, chatID, userID int64, username string, at time.Time) error {
	q := s.sql.Insert("member_state").
		Columns("chat_id", "user_id", "username", "last_message_at", "updated_at").
		Values(chatID, userID, username, at, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id, user_id) DO UPDATE SET " +
			"username=excluded.username, last_message_at=excluded.last_message_at, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch member query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch member: %w", err)
	}
	return nil
}

func (s *Store) FindUserIDByUsername(ctx context.Context, chatID int64, username string) (int64, error) {
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	q := s.sql.Select("user_id").
		From("member_state").
		Where(sq.Eq{"chat_id": chatID}).
		Where("LOWER(username) = ?", username)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build username lookup query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lookup username: %w", err)
	}
	return id, nil
}

// ListExpiredMutes returns members whose stored mute deadline has passed.
// Consumed by the advisory sweep only; the ledger expires mutes lazily.
func (s *Store) ListExpiredMutes(ctx context.Context, now time.Time, limit uint64) ([]MemberState, error) {
	q := s.sql.Select("chat_id", "user_id", "username", "muted_until").
		From("member_state").
		Where(sq.LtOrEq{"muted_until": now}).
		Where(sq.NotEq{"muted_until": nil}).
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expired mutes query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired mutes: %w", err)
	}
	defer rows.Close()

	out := make([]MemberState, 0)
	for rows.Next() {
		var m MemberState
		var mutedUntil sql.NullTime
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.Username, &mutedUntil); err != nil {
			return nil, fmt.Errorf("scan expired mute row: %w", err)
		}
		if mutedUntil.Valid {
			m.MutedUntil = &mutedUntil.Time
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired mute rows: %w", err)
	}
	return out, nil
}

func (s *Store) ClearMute(ctx context.Context, chatID, userID int64) error {
	q := s.sql.Update("member_state").
		Set("muted_until", nil).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"chat_id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build clear mute query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear mute: %w", err)
	}
	return nil
}

func (s *Store) AppendWarning(ctx context.Context, w WarningRecord) error {
	q := s.sql.Insert("warnings").
		Columns("chat_id", "user_id", "issuer_id", "reason").
		Values(w.ChatID, w.UserID, w.IssuerID, w.Reason)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build warning insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert warning: %w", err)
	}
	return nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	q := s.sql.Insert("mod_log").
		Columns("chat_id", "actor_id", "target_id", "action", "detail").
		Values(e.ChatID, e.ActorID, e.TargetID, e.Action, e.Detail)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAuditLog(ctx context.Context, chatID int64, limit uint64) ([]AuditEntry, error) {
	q := s.sql.Select("id", "chat_id", "actor_id", "target_id", "action", "detail", "created_at").
		From("mod_log").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at DESC, id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ChatID, &e.ActorID, &e.TargetID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetAdminCache(ctx context.Context, chatID, userID int64, isAdmin bool) error {
	q := s.sql.Insert("chat_admin_cache").
		Columns("chat_id", "user_id", "is_admin", "updated_at").
		Values(chatID, userID, isAdmin, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id, user_id) DO UPDATE SET is_admin=excluded.is_admin, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set admin cache query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set admin cache: %w", err)
	}
	return nil
}

func (s *Store) GetAdminCache(ctx context.Context, chatID, userID int64) (isAdmin bool, found bool, err error) {
	q := s.sql.Select("is_admin").
		From("chat_admin_cache").
		Where(sq.Eq{"chat_id": chatID, "user_id": userID})
	query, args, err := q.ToSql()
	if err != nil {
		return false, false, fmt.Errorf("build get admin cache query: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&isAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("get admin cache: %w", err)
	}
	return isAdmin, true, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
