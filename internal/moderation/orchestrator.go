package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"modbot/internal/metrics"
	"modbot/internal/storage"
)

// Event is one inbound group message, already normalized by the
// transport. SenderAdmin is resolved by the caller; the engine itself
// never asks the platform who is an admin.
type Event struct {
	ChatID      int64
	UserID      int64
	Username    string
	MessageID   int64
	Text        string
	Entities    []Entity
	Media       string // "", "media", "gif", "stickers", "voice"
	SenderAdmin bool
	At          time.Time
}

type EventAction int

const (
	EventAllow EventAction = iota
	// EventDelete removes the message with no further state change
	// (muted sender, disallowed media).
	EventDelete
	// EventDeleteAndBan removes the message and tells the transport to
	// re-apply the platform ban for a sender the ledger marks banned.
	EventDeleteAndBan
	// EventDeleteAndPrompt removes the message and shows the
	// subscription prompt for the required channel.
	EventDeleteAndPrompt
	// EventDeleteAndWarn removes the message and has issued a warning
	// for the filter violations carried on the decision.
	EventDeleteAndWarn
)

// Decision is the single outcome for one event. Exactly one action per
// message, no matter how many gates would have fired.
type Decision struct {
	Action     EventAction
	Reason     string
	Channel    string    // set with EventDeleteAndPrompt
	Violations []Verdict // set with EventDeleteAndWarn
	Warn       WarnResult
	Degraded   bool
}

type Toucher interface {
	TouchMember(ctx context.Context, chatID, userID int64, username string, at time.Time) error
}

// Orchestrator runs each message through the gates in fixed order:
// punishment, subscription, media, content filters. The first gate that
// fires decides the outcome.
type Orchestrator struct {
	ledger   *Ledger
	settings *SettingsStore
	verifier *Verifier
	pipeline *Pipeline
	audit    *AuditLogger
	touch    Toucher
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewOrchestrator(
	ledger *Ledger,
	settings *SettingsStore,
	verifier *Verifier,
	pipeline *Pipeline,
	audit *AuditLogger,
	touch Toucher,
	logger zerolog.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	if m == nil {
		m = metrics.Global()
	}
	return &Orchestrator{
		ledger:   ledger,
		settings: settings,
		verifier: verifier,
		pipeline: pipeline,
		audit:    audit,
		touch:    touch,
		logger:   logger,
		metrics:  m,
	}
}

// HandleMessage decides what happens to one message. Admin senders pass
// every gate untouched, but their message time is still recorded.
func (o *Orchestrator) HandleMessage(ctx context.Context, ev Event) (Decision, error) {
	o.metrics.MessagesChecked.Inc()

	if o.touch != nil {
		if err := o.touch.TouchMember(ctx, ev.ChatID, ev.UserID, ev.Username, ev.At); err != nil {
			o.logger.Warn().Err(err).Msg("failed to touch member")
		}
	}

	if ev.SenderAdmin {
		return Decision{Action: EventAllow}, nil
	}

	view, err := o.ledger.State(ctx, ev.ChatID, ev.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("load member view: %w", err)
	}
	switch view.Punishment {
	case PunishmentBanned:
		// A banned member posting means the platform ban slipped; the
		// transport re-applies it.
		o.metrics.MessagesDeleted.Inc()
		return Decision{Action: EventDeleteAndBan, Reason: "banned sender"}, nil
	case PunishmentMuted:
		o.metrics.MessagesDeleted.Inc()
		return Decision{Action: EventDelete, Reason: "muted sender"}, nil
	}

	cs, err := o.settings.Get(ctx, ev.ChatID)
	if err != nil {
		return Decision{}, fmt.Errorf("load chat settings: %w", err)
	}

	if cs.RequiredChannel != "" {
		status := o.verifier.Check(ctx, cs.RequiredChannel, ev.ChatID, ev.UserID)
		if status != SubUnknown {
			o.ledger.NoteSubscriptionCheck(ctx, ev.ChatID, ev.UserID, status == Subscribed)
		}
		if status == NotSubscribed {
			o.metrics.MessagesDeleted.Inc()
			degraded := o.recordDelete(ctx, ev, "not subscribed to "+cs.RequiredChannel, false)
			return Decision{
				Action:   EventDeleteAndPrompt,
				Reason:   "subscription required",
				Channel:  cs.RequiredChannel,
				Degraded: degraded,
			}, nil
		}
	}

	if ev.Media != "" && !mediaAllowed(cs, ev.Media) {
		o.metrics.MessagesDeleted.Inc()
		degraded := o.recordDelete(ctx, ev, "disallowed media: "+ev.Media, false)
		return Decision{Action: EventDelete, Reason: "disallowed media", Degraded: degraded}, nil
	}

	verdicts := o.pipeline.Evaluate(ev.Text, ev.Entities, FilterConfig{
		Profanity:    cs.FilterProfanity,
		Links:        cs.FilterLinks,
		Mentions:     cs.FilterMentions,
		MentionAllow: MentionAllowlist(cs),
	})
	violations := Violations(verdicts)
	if len(violations) == 0 {
		return Decision{Action: EventAllow}, nil
	}

	o.metrics.MessagesDeleted.Inc()
	reason := "filter: " + string(violations[0].Kind)
	warn, err := o.ledger.IssueWarning(ctx, ev.ChatID, ev.UserID, reason, SystemActor)
	if err != nil {
		return Decision{}, fmt.Errorf("issue filter warning: %w", err)
	}
	degraded := o.recordDelete(ctx, ev, violationDetail(violations), true) || warn.Degraded

	return Decision{
		Action:     EventDeleteAndWarn,
		Reason:     reason,
		Violations: violations,
		Warn:       warn,
		Degraded:   degraded,
	}, nil
}

func (o *Orchestrator) recordDelete(ctx context.Context, ev Event, detail string, sensitive bool) bool {
	if sensitive && ev.Text != "" {
		detail = detail + " | " + excerpt(ev.Text, 120)
	}
	err := o.audit.Record(ctx, AuditRecord{
		ChatID:    ev.ChatID,
		ActorID:   SystemActor,
		TargetID:  ev.UserID,
		Action:    ActionDelete,
		Detail:    detail,
		Sensitive: sensitive,
	})
	return err != nil
}

func violationDetail(violations []Verdict) string {
	s := ""
	for i, v := range violations {
		if i > 0 {
			s += ","
		}
		s += string(v.Kind)
	}
	return s
}

func excerpt(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

func mediaAllowed(cs storage.ChatSettings, kind string) bool {
	switch kind {
	case "gif":
		return cs.AllowGif
	case "stickers":
		return cs.AllowStickers
	case "voice":
		return cs.AllowVoice
	default:
		return cs.AllowMedia
	}
}
