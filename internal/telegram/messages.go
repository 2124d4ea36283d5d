package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"modbot/internal/moderation"
)

// onGroupMessage runs every non-command group message through slowmode
// and the moderation pipeline, then carries out the single decision.
func (s *Service) onGroupMessage(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || msg.From == nil {
		return nil
	}
	bg := context.Background()

	if len(msg.NewChatMembers) > 0 {
		return s.onMembersJoined(bg, b, msg)
	}
	if msg.From.IsBot {
		return nil
	}

	s.ensureChat(bg, msg)
	chatID := msg.Chat.Id
	senderID := msg.From.Id

	admin, err := s.isAdmin(bg, b, chatID, senderID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("admin check failed, treating sender as member")
		admin = false
	}

	if !admin {
		cs, err := s.settings.Get(bg, chatID)
		if err == nil && cs.SlowmodeSeconds > 0 {
			allowed, _, err := s.slowmode.Allow(bg, chatID, senderID, cs.SlowmodeSeconds)
			if err != nil {
				s.logger.Warn().Err(err).Msg("slowmode check failed, letting message through")
			} else if !allowed {
				s.deleteMessage(bg, b, chatID, msg.MessageId)
				return nil
			}
		}
	}

	dec, err := s.orch.HandleMessage(bg, moderation.Event{
		ChatID:      chatID,
		UserID:      senderID,
		Username:    msg.From.Username,
		MessageID:   msg.MessageId,
		Text:        msg.GetText(),
		Entities:    collectEntities(msg),
		Media:       mediaKind(msg),
		SenderAdmin: admin,
		At:          messageTime(msg),
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("moderation pipeline failed")
		return nil
	}

	switch dec.Action {
	case moderation.EventAllow:
		return nil

	case moderation.EventDelete:
		s.deleteMessage(bg, b, chatID, msg.MessageId)

	case moderation.EventDeleteAndBan:
		s.deleteMessage(bg, b, chatID, msg.MessageId)
		if _, err := b.BanChatMemberWithContext(bg, chatID, senderID, nil); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", senderID).Msg("failed to re-apply ban")
		}

	case moderation.EventDeleteAndPrompt:
		s.deleteMessage(bg, b, chatID, msg.MessageId)
		s.sendSubscriptionPrompt(bg, b, chatID, msg.From, dec.Channel)

	case moderation.EventDeleteAndWarn:
		s.deleteMessage(bg, b, chatID, msg.MessageId)
		text := fmt.Sprintf("%s: message removed (%s). Warning %d/%d.",
			displayName(msg.From), dec.Reason, dec.Warn.Warns, dec.Warn.Limit)
		if dec.Warn.AutoMuted {
			text = fmt.Sprintf("%s: warn limit reached, muted until %s.",
				displayName(msg.From), dec.Warn.MutedUntil.Format("15:04 MST"))
			if _, err := b.RestrictChatMemberWithContext(bg, chatID, senderID, mutedPermissions(), &gotgbot.RestrictChatMemberOpts{
				UntilDate: dec.Warn.MutedUntil.Unix(),
			}); err != nil {
				s.logger.Warn().Err(err).Int64("user_id", senderID).Msg("failed to apply auto-mute")
			}
		}
		if _, err := b.SendMessageWithContext(bg, chatID, text, nil); err != nil {
			s.logger.Debug().Err(err).Msg("failed to announce warning")
		}
	}
	return nil
}

// onMembersJoined applies the join gate: a joining user who is not
// subscribed to the required channel is restricted until they verify.
func (s *Service) onMembersJoined(ctx context.Context, b *gotgbot.Bot, msg *gotgbot.Message) error {
	s.ensureChat(ctx, msg)
	cs, err := s.settings.Get(ctx, msg.Chat.Id)
	if err != nil || cs.RequiredChannel == "" {
		return nil
	}

	for _, u := range msg.NewChatMembers {
		if u.IsBot {
			continue
		}
		status := s.verifier.Check(ctx, cs.RequiredChannel, msg.Chat.Id, u.Id)
		if status != moderation.NotSubscribed {
			continue
		}
		if _, err := b.RestrictChatMemberWithContext(ctx, msg.Chat.Id, u.Id, mutedPermissions(), nil); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", u.Id).Msg("failed to restrict joining user")
			continue
		}
		s.sendSubscriptionPrompt(ctx, b, msg.Chat.Id, &u, cs.RequiredChannel)
	}
	return nil
}

func (s *Service) sendSubscriptionPrompt(ctx context.Context, b *gotgbot.Bot, chatID int64, user *gotgbot.User, channel string) {
	text := fmt.Sprintf("%s, subscribe to %s to post here, then tap Verify.", displayName(user), channel)
	_, err := b.SendMessageWithContext(ctx, chatID, text, &gotgbot.SendMessageOpts{
		ReplyMarkup: subscriptionKeyboard(channel),
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("failed to send subscription prompt")
	}
}

func (s *Service) deleteMessage(ctx context.Context, b *gotgbot.Bot, chatID, messageID int64) {
	if _, err := b.DeleteMessageWithContext(ctx, chatID, messageID, nil); err != nil {
		s.logger.Debug().Err(err).Int64("chat_id", chatID).Int64("message_id", messageID).Msg("failed to delete message")
	}
}

func collectEntities(msg *gotgbot.Message) []moderation.Entity {
	parsed := msg.ParseEntities()
	parsed = append(parsed, msg.ParseCaptionEntities()...)
	out := make([]moderation.Entity, 0, len(parsed))
	for _, e := range parsed {
		text := e.Text
		if e.Type == "text_link" && e.Url != "" {
			text = e.Url
		}
		out = append(out, moderation.Entity{Type: e.Type, Text: text})
	}
	return out
}

func mediaKind(msg *gotgbot.Message) string {
	switch {
	case msg.Animation != nil:
		return "gif"
	case msg.Sticker != nil:
		return "stickers"
	case msg.Voice != nil || msg.VideoNote != nil:
		return "voice"
	case len(msg.Photo) > 0 || msg.Video != nil || msg.Document != nil || msg.Audio != nil:
		return "media"
	default:
		return ""
	}
}

func displayName(u *gotgbot.User) string {
	if u == nil {
		return "user"
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.FirstName
}

func messageTime(msg *gotgbot.Message) time.Time {
	if msg.Date > 0 {
		return time.Unix(msg.Date, 0).UTC()
	}
	return time.Now().UTC()
}
