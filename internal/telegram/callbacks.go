package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"modbot/internal/moderation"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.CallbackQuery == nil {
		return nil
	}
	data := strings.TrimSpace(ctx.CallbackQuery.Data)

	if strings.HasPrefix(data, cbVerify) {
		return s.onVerify(b, ctx, strings.TrimPrefix(data, cbVerify))
	}

	s.answerCallback(b, ctx, "Unknown action.", false)
	return nil
}

// onVerify re-checks the oracle for the tapping user and lifts the join
// restriction when the subscription is confirmed. The cached answer is
// dropped first so a just-subscribed user verifies immediately.
func (s *Service) onVerify(b *gotgbot.Bot, ctx *ext.Context, channel string) error {
	uid := ctx.CallbackQuery.From.Id
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}
	bg := context.Background()

	s.verifier.Invalidate(bg, channel, chatID, uid)
	status := s.verifier.Check(bg, channel, chatID, uid)
	switch status {
	case moderation.Subscribed:
		s.ledger.NoteSubscriptionCheck(bg, chatID, uid, true)
		if _, err := b.RestrictChatMemberWithContext(bg, chatID, uid, fullPermissions(), nil); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", uid).Msg("failed to lift join restriction")
		}
		s.answerCallback(b, ctx, "Verified, welcome!", false)

	case moderation.NotSubscribed:
		s.ledger.NoteSubscriptionCheck(bg, chatID, uid, false)
		s.answerCallback(b, ctx, "You are not subscribed to "+channel+" yet.", true)

	default:
		s.answerCallback(b, ctx, "Could not verify right now, try again shortly.", true)
	}
	return nil
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}
