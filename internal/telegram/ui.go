package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"modbot/internal/storage"
)

const (
	cbPrefix = "mb:"

	// cbVerify carries the required channel so the callback does not
	// need a settings read before answering.
	cbVerify = cbPrefix + "verify:"
)

func helpText() string {
	return strings.Join([]string{
		"Commands:",
		"!rules - show the chat rules",
		"!me - your warnings and restrictions",
		"!report - report the replied-to message to admins",
		"",
		"Admin commands (reply or @username to pick a target):",
		"!warn [reason], !mute [minutes], !unmute",
		"!kick, !ban [reason], !unban, !status",
		"!setwarns <n>, !setmutetime <minutes>",
		"!slowmode <seconds|off>",
		"!setcaptcha <@channel|off> - require channel subscription",
		"!setrules <text>",
		"!filter <profanity|link|mention> <on|off>",
		"!media <media|gif|stickers|voice> <on|off>",
		"!logs [n], !settings",
	}, "\n")
}

func settingsText(cs storage.ChatSettings) string {
	channel := cs.RequiredChannel
	if channel == "" {
		channel = "off"
	}
	slowmode := "off"
	if cs.SlowmodeSeconds > 0 {
		slowmode = fmt.Sprintf("%ds", cs.SlowmodeSeconds)
	}
	return strings.Join([]string{
		"Chat settings",
		fmt.Sprintf("warn limit: %d", cs.WarnLimit),
		fmt.Sprintf("auto-mute: %dm", cs.MuteMinutes),
		fmt.Sprintf("required channel: %s", channel),
		fmt.Sprintf("slowmode: %s", slowmode),
		fmt.Sprintf("filters: profanity=%s link=%s mention=%s",
			onOffWord(cs.FilterProfanity), onOffWord(cs.FilterLinks), onOffWord(cs.FilterMentions)),
		fmt.Sprintf("media: media=%s gif=%s stickers=%s voice=%s",
			onOffWord(cs.AllowMedia), onOffWord(cs.AllowGif), onOffWord(cs.AllowStickers), onOffWord(cs.AllowVoice)),
	}, "\n")
}

func subscriptionKeyboard(channel string) gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Open " + channel, Url: "https://t.me/" + strings.TrimPrefix(channel, "@")},
			{Text: "Verify", CallbackData: cbVerify + channel},
		},
	}}
}

func onOffWord(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
