package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"modbot/internal/metrics"
	"modbot/internal/moderation"
	"modbot/internal/queue"
)

// ChatStore is the slice of storage the transport touches directly. The
// moderation core talks to storage through its own interfaces.
type ChatStore interface {
	EnsureChat(ctx context.Context, chatID int64, chatType, title string) error
	FindUserIDByUsername(ctx context.Context, chatID int64, username string) (int64, error)
	SetAdminCache(ctx context.Context, chatID, userID int64, isAdmin bool) error
}

type Service struct {
	store         ChatStore
	settings      *moderation.SettingsStore
	ledger        *moderation.Ledger
	dispatch      *moderation.Dispatcher
	orch          *moderation.Orchestrator
	verifier      *moderation.Verifier
	audit         *moderation.AuditLogger
	reports       *queue.ReportQueue
	slowmode      *queue.SlowmodeLimiter
	redis         *redis.Client
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	adminCacheTTL time.Duration
}

type Config struct {
	Store         ChatStore
	Settings      *moderation.SettingsStore
	Ledger        *moderation.Ledger
	Dispatch      *moderation.Dispatcher
	Orchestrator  *moderation.Orchestrator
	Verifier      *moderation.Verifier
	Audit         *moderation.AuditLogger
	Reports       *queue.ReportQueue
	Slowmode      *queue.SlowmodeLimiter
	Redis         *redis.Client
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	AdminCacheTTL time.Duration
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 10 * time.Minute
	}
	return &Service{
		store:         cfg.Store,
		settings:      cfg.Settings,
		ledger:        cfg.Ledger,
		dispatch:      cfg.Dispatch,
		orch:          cfg.Orchestrator,
		verifier:      cfg.Verifier,
		audit:         cfg.Audit,
		reports:       cfg.Reports,
		slowmode:      cfg.Slowmode,
		redis:         cfg.Redis,
		logger:        cfg.Logger,
		metrics:       m,
		adminCacheTTL: cfg.AdminCacheTTL,
	}
}

// Register wires all handlers into one dispatcher group: commands first,
// the moderation catch-all last, so a command message never runs through
// the content pipeline twice.
func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(bangCommand("help", s.help))
	d.AddHandler(bangCommand("start", s.start))
	d.AddHandler(bangCommand("settings", s.settingsOverview))
	d.AddHandler(bangCommand("report", s.report))

	// Moderation commands go through the core dispatcher. Aliases keep
	// the historical names working.
	for name, canonical := range map[string]string{
		"warn":        "warn",
		"mute":        "mute",
		"unmute":      "unmute",
		"kick":        "kick",
		"ban":         "ban",
		"unban":       "unban",
		"status":      "status",
		"setwarns":    "setwarns",
		"setmute":     "setmute",
		"setmutetime": "setmute",
		"slowmode":    "slowmode",
		"setchannel":  "setchannel",
		"setcaptcha":  "setchannel",
		"setrules":    "setrules",
		"filter":      "filter",
		"media":       "media",
		"modlog":      "modlog",
		"logs":        "modlog",
		"rules":       "rules",
		"me":          "me",
	} {
		d.AddHandler(bangCommand(name, s.moderationCommand(canonical)))
	}

	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	}, s.onGroupMessage))
}

// bangCommand accepts both /name and !name spellings.
func bangCommand(name string, r handlers.Response) handlers.Command {
	c := handlers.NewCommand(name, r)
	c.Triggers = []rune{'/', '!'}
	return c
}

func (s *Service) ensureChat(ctx context.Context, msg *gotgbot.Message) {
	_ = s.store.EnsureChat(ctx, msg.Chat.Id, msg.Chat.Type, msg.Chat.Title)
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}

func username(ctx *ext.Context) string {
	if ctx.EffectiveUser == nil {
		return ""
	}
	return ctx.EffectiveUser.Username
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil || text == "" {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}
