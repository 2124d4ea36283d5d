package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/redis/go-redis/v9"

	"modbot/internal/moderation"
	"modbot/internal/queue"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText())
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat != nil && ctx.EffectiveChat.Type == "private" {
		return s.reply(ctx, b, "Add me to a group and promote me to admin. Then use !help there.")
	}
	return s.help(b, ctx)
}

// moderationCommand adapts one core dispatcher command to a telegram
// handler: it resolves the issuer's capability and the target user, runs
// the command, applies the platform effect and reports the outcome.
func (s *Service) moderationCommand(name string) handlers.Response {
	return func(b *gotgbot.Bot, ctx *ext.Context) error {
		msg := ctx.EffectiveMessage
		if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
			return nil
		}
		if ctx.EffectiveChat.Type == "private" {
			return s.reply(ctx, b, "Run this command in a group.")
		}
		chatID := ctx.EffectiveChat.Id
		s.ensureChat(context.Background(), msg)

		admin, err := s.isAdmin(context.Background(), b, chatID, userID(ctx))
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("admin check failed")
			return s.reply(ctx, b, "Could not verify admin rights, try again.")
		}

		target, args, err := s.commandTarget(context.Background(), name, msg)
		if err != nil {
			return s.reply(ctx, b, "Unknown user. Reply to their message or use @username.")
		}

		out, err := s.dispatch.Execute(context.Background(), moderation.Command{
			Name:     name,
			ChatID:   chatID,
			Issuer:   moderation.Issuer{ID: userID(ctx), Username: username(ctx), Admin: admin},
			TargetID: target,
			Args:     args,
		})
		switch {
		case errors.Is(err, moderation.ErrInsufficientPermission):
			return s.reply(ctx, b, "Only chat admins can do that.")
		case errors.Is(err, moderation.ErrInvalidArgument):
			return s.reply(ctx, b, capitalizeErr(err))
		case err != nil:
			s.logger.Error().Err(err).Str("command", name).Int64("chat_id", chatID).Msg("command failed")
			return s.reply(ctx, b, "Command failed, try again later.")
		}

		s.applyEffect(context.Background(), b, chatID, target, out)

		text := out.Text
		if out.Degraded {
			text += " (audit logging degraded)"
		}
		return s.reply(ctx, b, text)
	}
}

// applyEffect mirrors the ledger's decision onto telegram. The ledger
// already committed; a platform failure here is logged, not rolled back.
func (s *Service) applyEffect(ctx context.Context, b *gotgbot.Bot, chatID, target int64, out moderation.Outcome) {
	var err error
	switch out.Effect {
	case moderation.EffectMute:
		_, err = b.RestrictChatMemberWithContext(ctx, chatID, target, mutedPermissions(), &gotgbot.RestrictChatMemberOpts{
			UntilDate: out.MuteUntil.Unix(),
		})
	case moderation.EffectUnmute:
		_, err = b.RestrictChatMemberWithContext(ctx, chatID, target, fullPermissions(), nil)
	case moderation.EffectBan:
		_, err = b.BanChatMemberWithContext(ctx, chatID, target, nil)
	case moderation.EffectUnban:
		_, err = b.UnbanChatMemberWithContext(ctx, chatID, target, &gotgbot.UnbanChatMemberOpts{OnlyIfBanned: true})
	case moderation.EffectKick:
		// Telegram has no single kick call: ban then lift.
		if _, err = b.BanChatMemberWithContext(ctx, chatID, target, nil); err == nil {
			_, err = b.UnbanChatMemberWithContext(ctx, chatID, target, &gotgbot.UnbanChatMemberOpts{OnlyIfBanned: true})
		}
	default:
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("target_id", target).Msg("failed to apply platform effect")
	}
}

// report enqueues an admin notification for the replied-to message. Any
// member may report; the fan-out happens in the worker so message
// handling never waits on admin DMs.
func (s *Service) report(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type == "private" {
		return s.reply(ctx, b, "Run this command in a group.")
	}
	reply := msg.ReplyToMessage
	if reply == nil || reply.From == nil {
		return s.reply(ctx, b, "Reply to the message you want to report.")
	}

	job := queue.ReportJob{
		ChatID:      ctx.EffectiveChat.Id,
		ChatTitle:   ctx.EffectiveChat.Title,
		ReporterID:  ctx.EffectiveUser.Id,
		Reporter:    ctx.EffectiveUser.Username,
		TargetID:    reply.From.Id,
		MessageID:   reply.MessageId,
		MessageText: truncate(reply.GetText(), 300),
	}
	if _, err := s.reports.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue report")
		return s.reply(ctx, b, "Could not submit the report right now.")
	}
	s.metrics.ReportsQueued.Inc()

	_ = s.audit.Record(context.Background(), moderation.AuditRecord{
		ChatID:   ctx.EffectiveChat.Id,
		ActorID:  ctx.EffectiveUser.Id,
		TargetID: reply.From.Id,
		Action:   moderation.ActionReport,
		Detail:   fmt.Sprintf("message %d", reply.MessageId),
	})
	return s.reply(ctx, b, "Report sent to the chat admins.")
}

func (s *Service) settingsOverview(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveChat.Type == "private" {
		return s.reply(ctx, b, "Run this command in a group.")
	}
	admin, err := s.isAdmin(context.Background(), b, ctx.EffectiveChat.Id, userID(ctx))
	if err != nil || !admin {
		return s.reply(ctx, b, "Only chat admins can view settings.")
	}
	cs, err := s.settings.Get(context.Background(), ctx.EffectiveChat.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load settings")
		return s.reply(ctx, b, "Failed to load settings.")
	}
	return s.reply(ctx, b, settingsText(cs))
}

// isAdmin resolves the issuer capability, caching in redis with a db
// fallback row so restarts keep a warm-ish cache.
func (s *Service) isAdmin(ctx context.Context, b *gotgbot.Bot, chatID, uid int64) (bool, error) {
	cacheKey := fmt.Sprintf("modbot:admin:%d:%d", chatID, uid)
	if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		return v == "1", nil
	} else if err != redis.Nil {
		s.logger.Warn().Err(err).Msg("failed to read admin cache")
	}

	member, err := b.GetChatMemberWithContext(ctx, chatID, uid, nil)
	if err != nil {
		return false, err
	}
	status := member.GetStatus()
	admin := status == "administrator" || status == "creator"

	value := "0"
	if admin {
		value = "1"
	}
	_ = s.redis.Set(ctx, cacheKey, value, s.adminCacheTTL).Err()
	_ = s.store.SetAdminCache(ctx, chatID, uid, admin)
	return admin, nil
}

func capitalizeErr(err error) string {
	msg := strings.TrimPrefix(err.Error(), moderation.ErrInvalidArgument.Error()+": ")
	if msg == "" {
		return "Invalid arguments."
	}
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

func mutedPermissions() gotgbot.ChatPermissions {
	return gotgbot.ChatPermissions{}
}

func fullPermissions() gotgbot.ChatPermissions {
	return gotgbot.ChatPermissions{
		CanSendMessages:       true,
		CanSendAudios:         true,
		CanSendDocuments:      true,
		CanSendPhotos:         true,
		CanSendVideos:         true,
		CanSendVideoNotes:     true,
		CanSendVoiceNotes:     true,
		CanSendPolls:          true,
		CanSendOtherMessages:  true,
		CanAddWebPagePreviews: true,
	}
}
