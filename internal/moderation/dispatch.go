package moderation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Issuer identifies who invoked a command. Admin is a capability the
// transport resolves before dispatch; the core never looks it up itself.
type Issuer struct {
	ID       int64
	Username string
	Admin    bool
}

// Command is a fully resolved invocation: the transport has already
// parsed the message, resolved the target user (reply, mention or
// username lookup) and established the issuer's capability.
type Command struct {
	Name     string
	ChatID   int64
	Issuer   Issuer
	TargetID int64 // 0 when the command takes no target
	Args     []string
}

// Effect tells the transport which platform-side enforcement to apply
// after the ledger accepted the command. The ledger is the source of
// truth; the platform call may fail without rolling anything back.
type Effect int

const (
	EffectNone Effect = iota
	EffectMute
	EffectUnmute
	EffectKick
	EffectBan
	EffectUnban
)

// Outcome is the dispatcher's answer, rendered by the transport as-is.
type Outcome struct {
	Text      string
	Degraded  bool // applied, but the audit trail lost an entry
	Effect    Effect
	MuteUntil time.Time // set with EffectMute
}

type handler struct {
	adminOnly   bool
	needsTarget bool
	run         func(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error)
}

// Dispatcher routes commands to the ledger and settings store. Permission
// is checked once, here: a denied admin command is itself an auditable
// event.
type Dispatcher struct {
	ledger   *Ledger
	settings *SettingsStore
	audit    *AuditLogger
	logger   zerolog.Logger
	handlers map[string]handler
}

func NewDispatcher(ledger *Ledger, settings *SettingsStore, audit *AuditLogger, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		ledger:   ledger,
		settings: settings,
		audit:    audit,
		logger:   logger,
	}
	d.handlers = map[string]handler{
		"warn":       {adminOnly: true, needsTarget: true, run: runWarn},
		"mute":       {adminOnly: true, needsTarget: true, run: runMute},
		"unmute":     {adminOnly: true, needsTarget: true, run: runUnmute},
		"kick":       {adminOnly: true, needsTarget: true, run: runKick},
		"ban":        {adminOnly: true, needsTarget: true, run: runBan},
		"unban":      {adminOnly: true, needsTarget: true, run: runUnban},
		"status":     {adminOnly: true, needsTarget: true, run: runStatus},
		"setwarns":   {adminOnly: true, run: runSetWarns},
		"setmute":    {adminOnly: true, run: runSetMute},
		"slowmode":   {adminOnly: true, run: runSlowmode},
		"setchannel": {adminOnly: true, run: runSetChannel},
		"setrules":   {adminOnly: true, run: runSetRules},
		"filter":     {adminOnly: true, run: runFilter},
		"media":      {adminOnly: true, run: runMedia},
		"modlog":     {adminOnly: true, run: runModlog},
		"rules":      {run: runRules},
		"me":         {run: runMe},
	}
	return d
}

// Known reports whether name is a dispatchable command.
func (d *Dispatcher) Known(name string) bool {
	_, ok := d.handlers[strings.ToLower(name)]
	return ok
}

// NeedsTarget reports whether the named command takes a target user. The
// transport consults this before spending any effort on target
// resolution, so arguments of settings commands are never mistaken for
// usernames.
func (d *Dispatcher) NeedsTarget(name string) bool {
	h, ok := d.handlers[strings.ToLower(name)]
	return ok && h.needsTarget
}

// Execute runs one command. ErrInsufficientPermission and
// ErrInvalidArgument are expected outcomes the transport turns into user
// feedback; anything else is an internal failure.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (Outcome, error) {
	h, ok := d.handlers[strings.ToLower(cmd.Name)]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unknown command %q", ErrInvalidArgument, cmd.Name)
	}

	if h.adminOnly && !cmd.Issuer.Admin {
		degraded := d.recordDenied(ctx, cmd)
		return Outcome{Degraded: degraded}, fmt.Errorf("%w: %s requires admin", ErrInsufficientPermission, cmd.Name)
	}
	if h.needsTarget {
		if cmd.TargetID == 0 {
			return Outcome{}, fmt.Errorf("%w: %s needs a target user (reply or @username)", ErrInvalidArgument, cmd.Name)
		}
		if cmd.TargetID == cmd.Issuer.ID {
			return Outcome{}, fmt.Errorf("%w: cannot target yourself", ErrInvalidArgument)
		}
	}

	out, err := h.run(ctx, d, cmd)
	if err != nil {
		return out, err
	}
	d.logger.Debug().
		Str("command", cmd.Name).
		Int64("chat_id", cmd.ChatID).
		Int64("issuer_id", cmd.Issuer.ID).
		Int64("target_id", cmd.TargetID).
		Msg("command executed")
	return out, nil
}

func (d *Dispatcher) recordDenied(ctx context.Context, cmd Command) bool {
	err := d.audit.Record(ctx, AuditRecord{
		ChatID:   cmd.ChatID,
		ActorID:  cmd.Issuer.ID,
		TargetID: cmd.TargetID,
		Action:   ActionDenied,
		Detail:   cmd.Name,
	})
	return err != nil
}

func runWarn(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	reason := strings.Join(cmd.Args, " ")
	if reason == "" {
		reason = "manual warning"
	}
	res, err := d.ledger.IssueWarning(ctx, cmd.ChatID, cmd.TargetID, reason, cmd.Issuer.ID)
	if err != nil {
		return Outcome{}, err
	}
	if res.Banned {
		return Outcome{Text: "User is banned; warning not recorded.", Degraded: res.Degraded}, nil
	}
	if res.AutoMuted {
		return Outcome{
			Text:      fmt.Sprintf("Warning issued. Limit reached, user muted until %s.", res.MutedUntil.Format("15:04 MST")),
			Degraded:  res.Degraded,
			Effect:    EffectMute,
			MuteUntil: res.MutedUntil,
		}, nil
	}
	return Outcome{
		Text:     fmt.Sprintf("Warning issued (%d/%d).", res.Warns, res.Limit),
		Degraded: res.Degraded,
	}, nil
}

func runMute(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	cs, err := d.settings.Get(ctx, cmd.ChatID)
	if err != nil {
		return Outcome{}, err
	}
	minutes := cs.MuteMinutes
	if len(cmd.Args) > 0 {
		minutes, err = parsePositiveInt(cmd.Args[0], "minutes")
		if err != nil {
			return Outcome{}, err
		}
	}
	res, err := d.ledger.Mute(ctx, cmd.ChatID, cmd.TargetID, minutes, cmd.Issuer.ID)
	if err != nil {
		return Outcome{}, err
	}
	if res.Banned {
		return Outcome{Text: "User is banned; mute has no effect.", Degraded: res.Degraded}, nil
	}
	return Outcome{
		Text:      fmt.Sprintf("Muted for %dm, until %s.", minutes, res.Until.Format("15:04 MST")),
		Degraded:  res.Degraded,
		Effect:    EffectMute,
		MuteUntil: res.Until,
	}, nil
}

func runUnmute(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	res, err := d.ledger.Unmute(ctx, cmd.ChatID, cmd.TargetID, cmd.Issuer.ID)
	if err != nil {
		return Outcome{}, err
	}
	switch {
	case res.Banned:
		return Outcome{Text: "User is banned; unban instead.", Degraded: res.Degraded}, nil
	case !res.WasMuted:
		return Outcome{Text: "User was not muted.", Degraded: res.Degraded, Effect: EffectUnmute}, nil
	default:
		return Outcome{Text: "Unmuted.", Degraded: res.Degraded, Effect: EffectUnmute}, nil
	}
}

func runKick(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	res, err := d.ledger.Kick(ctx, cmd.ChatID, cmd.TargetID, cmd.Issuer.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Text: "Kicked.", Degraded: res.Degraded, Effect: EffectKick}, nil
}

func runBan(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	reason := strings.Join(cmd.Args, " ")
	res, err := d.ledger.Ban(ctx, cmd.ChatID, cmd.TargetID, reason, cmd.Issuer.ID)
	if err != nil {
		return Outcome{}, err
	}
	if res.AlreadyBanned {
		return Outcome{Text: "Already banned.", Degraded: res.Degraded, Effect: EffectBan}, nil
	}
	return Outcome{Text: "Banned.", Degraded: res.Degraded, Effect: EffectBan}, nil
}

func runUnban(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	res, err := d.ledger.Unban(ctx, cmd.ChatID, cmd.TargetID, cmd.Issuer.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !res.WasBanned {
		return Outcome{Text: "User was not banned.", Degraded: res.Degraded, Effect: EffectUnban}, nil
	}
	return Outcome{Text: "Unbanned; warnings cleared.", Degraded: res.Degraded, Effect: EffectUnban}, nil
}

func runStatus(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	view, err := d.ledger.State(ctx, cmd.ChatID, cmd.TargetID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Text: formatView(view)}, nil
}

func runSetWarns(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	if len(cmd.Args) == 0 {
		return Outcome{}, fmt.Errorf("%w: usage: setwarns <n>", ErrInvalidArgument)
	}
	n, err := parsePositiveInt(cmd.Args[0], "warn limit")
	if err != nil {
		return Outcome{}, err
	}
	if err := d.settings.SetWarnLimit(ctx, cmd.ChatID, n); err != nil {
		return Outcome{}, err
	}
	return d.settingOutcome(ctx, cmd, fmt.Sprintf("warn_limit=%d", n),
		fmt.Sprintf("Warn limit set to %d.", n)), nil
}

func runSetMute(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	if len(cmd.Args) == 0 {
		return Outcome{}, fmt.Errorf("%w: usage: setmute <minutes>", ErrInvalidArgument)
	}
	minutes, err := parsePositiveInt(cmd.Args[0], "mute minutes")
	if err != nil {
		return Outcome{}, err
	}
	if err := d.settings.SetMuteMinutes(ctx, cmd.ChatID, minutes); err != nil {
		return Outcome{}, err
	}
	return d.settingOutcome(ctx, cmd, fmt.Sprintf("mute_minutes=%d", minutes),
		fmt.Sprintf("Auto-mute duration set to %dm.", minutes)), nil
}

func runSlowmode(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	if len(cmd.Args) == 0 {
		return Outcome{}, fmt.Errorf("%w: usage: slowmode <seconds|off>", ErrInvalidArgument)
	}
	seconds := 0
	if !strings.EqualFold(cmd.Args[0], "off") {
		var err error
		seconds, err = parsePositiveInt(cmd.Args[0], "seconds")
		if err != nil {
			return Outcome{}, err
		}
	}
	if err := d.settings.SetSlowmode(ctx, cmd.ChatID, seconds); err != nil {
		return Outcome{}, err
	}
	text := "Slowmode off."
	if seconds > 0 {
		text = fmt.Sprintf("Slowmode: one message per %ds.", seconds)
	}
	return d.settingOutcome(ctx, cmd, fmt.Sprintf("slowmode_seconds=%d", seconds), text), nil
}

func runSetChannel(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	if len(cmd.Args) == 0 {
		return Outcome{}, fmt.Errorf("%w: usage: setchannel <@channel|off>", ErrInvalidArgument)
	}
	channel := cmd.Args[0]
	if strings.EqualFold(channel, "off") {
		channel = ""
	}
	if err := d.settings.SetRequiredChannel(ctx, cmd.ChatID, channel); err != nil {
		return Outcome{}, err
	}
	text := "Subscription gate off."
	if channel != "" {
		text = fmt.Sprintf("Members must subscribe to %s.", channel)
	}
	return d.settingOutcome(ctx, cmd, "required_channel="+channel, text), nil
}

func runSetRules(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	text := strings.Join(cmd.Args, " ")
	if strings.TrimSpace(text) == "" {
		return Outcome{}, fmt.Errorf("%w: usage: setrules <text>", ErrInvalidArgument)
	}
	if err := d.settings.SetRules(ctx, cmd.ChatID, text); err != nil {
		return Outcome{}, err
	}
	return d.settingOutcome(ctx, cmd, "rules_text updated", "Rules updated."), nil
}

func runFilter(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	if len(cmd.Args) < 2 {
		return Outcome{}, fmt.Errorf("%w: usage: filter <profanity|link|mention> <on|off>", ErrInvalidArgument)
	}
	kind := FilterKind(strings.ToLower(cmd.Args[0]))
	enabled, err := parseOnOff(cmd.Args[1])
	if err != nil {
		return Outcome{}, err
	}
	if err := d.settings.SetFilter(ctx, cmd.ChatID, kind, enabled); err != nil {
		return Outcome{}, err
	}
	return d.settingOutcome(ctx, cmd, fmt.Sprintf("filter %s=%t", kind, enabled),
		fmt.Sprintf("Filter %s: %s.", kind, onOff(enabled))), nil
}

func runMedia(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	if len(cmd.Args) < 2 {
		return Outcome{}, fmt.Errorf("%w: usage: media <media|gif|stickers|voice> <on|off>", ErrInvalidArgument)
	}
	kind := strings.ToLower(cmd.Args[0])
	allowed, err := parseOnOff(cmd.Args[1])
	if err != nil {
		return Outcome{}, err
	}
	if err := d.settings.SetMediaAllowed(ctx, cmd.ChatID, kind, allowed); err != nil {
		return Outcome{}, err
	}
	return d.settingOutcome(ctx, cmd, fmt.Sprintf("media %s=%t", kind, allowed),
		fmt.Sprintf("Media %s: %s.", kind, onOff(allowed))), nil
}

func runModlog(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	limit := 10
	if len(cmd.Args) > 0 {
		var err error
		limit, err = parsePositiveInt(cmd.Args[0], "limit")
		if err != nil {
			return Outcome{}, err
		}
	}
	if limit > 100 {
		limit = 100
	}
	entries, err := d.audit.Query(ctx, cmd.ChatID, limit)
	if err != nil {
		return Outcome{}, err
	}
	if len(entries) == 0 {
		return Outcome{Text: "Moderation log is empty."}, nil
	}
	var b strings.Builder
	for _, e := range entries {
		actor := "system"
		if e.ActorID != SystemActor {
			actor = strconv.FormatInt(e.ActorID, 10)
		}
		fmt.Fprintf(&b, "%s  %s  actor=%s target=%d", e.CreatedAt.Format("01-02 15:04"), e.Action, actor, e.TargetID)
		if e.Detail != "" {
			fmt.Fprintf(&b, "  %s", e.Detail)
		}
		b.WriteByte('\n')
	}
	return Outcome{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func runRules(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	cs, err := d.settings.Get(ctx, cmd.ChatID)
	if err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(cs.RulesText) == "" {
		return Outcome{Text: "No rules set for this chat."}, nil
	}
	return Outcome{Text: cs.RulesText}, nil
}

func runMe(ctx context.Context, d *Dispatcher, cmd Command) (Outcome, error) {
	view, err := d.ledger.State(ctx, cmd.ChatID, cmd.Issuer.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Text: formatView(view)}, nil
}

func formatView(v MemberView) string {
	switch v.Punishment {
	case PunishmentBanned:
		return "Banned."
	case PunishmentMuted:
		return fmt.Sprintf("Warnings: %d. Muted until %s.", v.Warns, v.MutedUntil.Format("15:04 MST Jan 2"))
	default:
		return fmt.Sprintf("Warnings: %d. No active restrictions.", v.Warns)
	}
}

func (d *Dispatcher) settingOutcome(ctx context.Context, cmd Command, detail, text string) Outcome {
	err := d.audit.Record(ctx, AuditRecord{
		ChatID:  cmd.ChatID,
		ActorID: cmd.Issuer.ID,
		Action:  ActionSettingsChange,
		Detail:  detail,
	})
	return Outcome{Text: text, Degraded: err != nil}
}

func parsePositiveInt(s, what string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive number", ErrInvalidArgument, what)
	}
	return n, nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected on or off", ErrInvalidArgument)
	}
}
