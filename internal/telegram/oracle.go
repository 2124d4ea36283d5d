package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// ChannelOracle answers channel membership through the bot API. It goes
// through the raw request path because the typed getChatMember binding
// only accepts numeric chat ids, while required channels are configured
// as @names.
type ChannelOracle struct {
	bot *gotgbot.Bot
}

func NewChannelOracle(bot *gotgbot.Bot) *ChannelOracle {
	return &ChannelOracle{bot: bot}
}

func (o *ChannelOracle) IsMember(ctx context.Context, channel string, userID int64) (bool, error) {
	raw, err := o.bot.RequestWithContext(ctx, "getChatMember", map[string]string{
		"chat_id": channel,
		"user_id": strconv.FormatInt(userID, 10),
	}, nil, nil)
	if err != nil {
		return false, fmt.Errorf("getChatMember %s: %w", channel, err)
	}

	var member struct {
		Status   string `json:"status"`
		IsMember bool   `json:"is_member"`
	}
	if err := json.Unmarshal(raw, &member); err != nil {
		return false, fmt.Errorf("parse getChatMember response: %w", err)
	}

	switch member.Status {
	case "creator", "administrator", "member":
		return true, nil
	case "restricted":
		return member.IsMember, nil
	default:
		return false, nil
	}
}
