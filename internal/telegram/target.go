package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"modbot/internal/storage"
)

// commandTarget resolves a target user only for commands that take one.
// Arguments of other commands pass through untouched, so "setchannel
// @somechannel" never turns into a username lookup.
func (s *Service) commandTarget(ctx context.Context, name string, msg *gotgbot.Message) (int64, []string, error) {
	if !s.dispatch.NeedsTarget(name) {
		return 0, commandArgs(msg.GetText()), nil
	}
	return s.resolveTarget(ctx, msg)
}

// resolveTarget picks the target user for a moderation command: the
// replied-to sender wins, otherwise a leading @username (resolved from
// the member bookkeeping) or numeric id argument is consumed. Returns
// target 0 when the command carries no target at all; the core decides
// whether that is acceptable.
func (s *Service) resolveTarget(ctx context.Context, msg *gotgbot.Message) (int64, []string, error) {
	args := commandArgs(msg.GetText())

	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		return reply.From.Id, args, nil
	}
	if len(args) == 0 {
		return 0, args, nil
	}

	first := args[0]
	if strings.HasPrefix(first, "@") {
		id, err := s.store.FindUserIDByUsername(ctx, msg.Chat.Id, first)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return 0, args, errors.New("unknown username " + first)
			}
			return 0, args, err
		}
		return id, args[1:], nil
	}
	if id, err := strconv.ParseInt(first, 10, 64); err == nil && id > 0 && !looksLikeDuration(args) {
		return id, args[1:], nil
	}
	return 0, args, nil
}

// looksLikeDuration keeps "!mute 30" meaning thirty minutes for the
// replied-to user rather than user id 30. A bare number is only a target
// when it is too large to be a sane duration or count argument.
func looksLikeDuration(args []string) bool {
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return false
	}
	return n < 100000
}

func commandArgs(text string) []string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) <= 1 {
		return nil
	}
	return fields[1:]
}
