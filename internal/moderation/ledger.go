package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modbot/internal/metrics"
	"modbot/internal/storage"
)

type PunishmentKind int

const (
	PunishmentNone PunishmentKind = iota
	PunishmentMuted
	PunishmentBanned
)

// MemberView is the externally visible punishment state of one member,
// with mute expiry already applied.
type MemberView struct {
	Warns      int
	Punishment PunishmentKind
	MutedUntil time.Time // set when Punishment is PunishmentMuted
}

type MemberRepo interface {
	GetMemberState(ctx context.Context, chatID, userID int64) (storage.MemberState, error)
	UpsertMemberState(ctx context.Context, m storage.MemberState) error
	AppendWarning(ctx context.Context, w storage.WarningRecord) error
}

type WarnResult struct {
	Warns      int
	Limit      int
	AutoMuted  bool
	MutedUntil time.Time
	Banned     bool // target is banned, nothing changed
	Degraded   bool // applied, but a warning record or audit entry was lost
}

type MuteResult struct {
	Until    time.Time
	Banned   bool
	Degraded bool
}

type BanResult struct {
	AlreadyBanned bool
	Degraded      bool
}

type UnbanResult struct {
	WasBanned bool
	Degraded  bool
}

type UnmuteResult struct {
	WasMuted bool
	Banned   bool
	Degraded bool
}

type KickResult struct {
	Degraded bool
}

// Ledger owns all MemberState mutation. Operations on the same
// (chat, user) pair are linearized through a per-key mutex so concurrent
// warnings are never lost or double-counted; unrelated members never
// contend. State is write-through: nothing counts as applied until the
// store accepted the member row.
type Ledger struct {
	repo     MemberRepo
	settings *SettingsStore
	audit    *AuditLogger
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu    sync.Mutex
	locks map[memberKey]*sync.Mutex
}

type memberKey struct {
	chatID int64
	userID int64
}

func NewLedger(repo MemberRepo, settings *SettingsStore, audit *AuditLogger, logger zerolog.Logger, m *metrics.Metrics) *Ledger {
	if m == nil {
		m = metrics.Global()
	}
	return &Ledger{
		repo:     repo,
		settings: settings,
		audit:    audit,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[memberKey]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(chatID, userID int64) *sync.Mutex {
	key := memberKey{chatID: chatID, userID: userID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[key] = m
	return m
}

// State reads the member's current view. Mute expiry is lazy: a stored
// deadline in the past reads as no punishment without any sweep having
// run.
func (l *Ledger) State(ctx context.Context, chatID, userID int64) (MemberView, error) {
	m, err := l.load(ctx, chatID, userID)
	if err != nil {
		return MemberView{}, err
	}
	return l.view(m), nil
}

func (l *Ledger) view(m storage.MemberState) MemberView {
	v := MemberView{Warns: m.Warns}
	switch {
	case m.Banned:
		v.Punishment = PunishmentBanned
	case m.MutedUntil != nil && l.now().Before(*m.MutedUntil):
		v.Punishment = PunishmentMuted
		v.MutedUntil = *m.MutedUntil
	}
	return v
}

// IssueWarning atomically increments the warn count and auto-mutes when
// the chat's warn limit is reached, resetting the count to zero. A warn
// on a banned member changes nothing.
func (l *Ledger) IssueWarning(ctx context.Context, chatID, userID int64, reason string, issuerID int64) (WarnResult, error) {
	lock := l.lockFor(chatID, userID)
	lock.Lock()
	defer lock.Unlock()

	m, err := l.load(ctx, chatID, userID)
	if err != nil {
		return WarnResult{}, err
	}
	if m.Banned {
		return WarnResult{Banned: true}, nil
	}

	cs, err := l.settings.Get(ctx, chatID)
	if err != nil {
		return WarnResult{}, fmt.Errorf("load settings: %w", err)
	}

	res := WarnResult{Limit: cs.WarnLimit}
	m.Warns++
	res.Warns = m.Warns
	if m.Warns >= cs.WarnLimit {
		until := l.now().Add(time.Duration(cs.MuteMinutes) * time.Minute)
		m.MutedUntil = &until
		m.Warns = 0
		res.AutoMuted = true
		res.MutedUntil = until
	}

	if err := l.repo.UpsertMemberState(ctx, m); err != nil {
		return WarnResult{}, fmt.Errorf("persist member state: %w", err)
	}
	l.metrics.WarningsIssued.Inc()

	if err := l.repo.AppendWarning(ctx, storage.WarningRecord{
		ChatID:   chatID,
		UserID:   userID,
		IssuerID: issuerID,
		Reason:   reason,
	}); err != nil {
		res.Degraded = true
		l.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("failed to append warning record")
	}

	res.Degraded = l.record(ctx, AuditRecord{
		ChatID:   chatID,
		ActorID:  issuerID,
		TargetID: userID,
		Action:   ActionWarn,
		Detail:   fmt.Sprintf("%s (%d/%d)", reason, res.Warns, cs.WarnLimit),
	}) || res.Degraded

	if res.AutoMuted {
		l.metrics.AutoMutes.Inc()
		res.Degraded = l.record(ctx, AuditRecord{
			ChatID:   chatID,
			ActorID:  SystemActor,
			TargetID: userID,
			Action:   ActionMute,
			Detail:   fmt.Sprintf("auto-mute: warn limit %d reached, %dm", cs.WarnLimit, cs.MuteMinutes),
		}) || res.Degraded
	}
	return res, nil
}

// Mute sets the deadline unconditionally, overwriting any prior mute.
// Bans are sticky; muting a banned member is a no-op.
func (l *Ledger) Mute(ctx context.Context, chatID, userID int64, minutes int, issuerID int64) (MuteResult, error) {
	if minutes <= 0 {
		return MuteResult{}, fmt.Errorf("%w: mute minutes must be positive", ErrInvalidArgument)
	}

	lock := l.lockFor(chatID, userID)
	lock.Lock()
	defer lock.Unlock()

	m, err := l.load(ctx, chatID, userID)
	if err != nil {
		return MuteResult{}, err
	}
	if m.Banned {
		return MuteResult{Banned: true}, nil
	}

	until := l.now().Add(time.Duration(minutes) * time.Minute)
	m.MutedUntil = &until
	if err := l.repo.UpsertMemberState(ctx, m); err != nil {
		return MuteResult{}, fmt.Errorf("persist member state: %w", err)
	}

	res := MuteResult{Until: until}
	res.Degraded = l.record(ctx, AuditRecord{
		ChatID:   chatID,
		ActorID:  issuerID,
		TargetID: userID,
		Action:   ActionMute,
		Detail:   fmt.Sprintf("%dm", minutes),
	})
	return res, nil
}

// Unmute clears the punishment regardless of the warn count. Calling it
// on an already clean member is a no-op, not an error.
func (l *Ledger) Unmute(ctx context.Context, chatID, userID int64, issuerID int64) (UnmuteResult, error) {
	lock := l.lockFor(chatID, userID)
	lock.Lock()
	defer lock.Unlock()

	m, err := l.load(ctx, chatID, userID)
	if err != nil {
		return UnmuteResult{}, err
	}
	if m.Banned {
		return UnmuteResult{Banned: true}, nil
	}

	res := UnmuteResult{WasMuted: m.MutedUntil != nil && l.now().Before(*m.MutedUntil)}
	if m.MutedUntil != nil {
		m.MutedUntil = nil
		if err := l.repo.UpsertMemberState(ctx, m); err != nil {
			return UnmuteResult{}, fmt.Errorf("persist member state: %w", err)
		}
	}

	detail := ""
	if !res.WasMuted {
		detail = "already clean"
	}
	res.Degraded = l.record(ctx, AuditRecord{
		ChatID:   chatID,
		ActorID:  issuerID,
		TargetID: userID,
		Action:   ActionUnmute,
		Detail:   detail,
	})
	return res, nil
}

// Kick is state-neutral: membership removal happens at the transport, the
// ledger only keeps the audit trail. Warns and ban status are untouched.
func (l *Ledger) Kick(ctx context.Context, chatID, userID int64, issuerID int64) (KickResult, error) {
	degraded := l.record(ctx, AuditRecord{
		ChatID:   chatID,
		ActorID:  issuerID,
		TargetID: userID,
		Action:   ActionKick,
	})
	return KickResult{Degraded: degraded}, nil
}

// Ban is sticky and overrides any mute. Banning an already banned member
// is idempotent; the repeat attempt is recorded as a no-op outcome.
func (l *Ledger) Ban(ctx context.Context, chatID, userID int64, reason string, issuerID int64) (BanResult, error) {
	lock := l.lockFor(chatID, userID)
	lock.Lock()
	defer lock.Unlock()

	m, err := l.load(ctx, chatID, userID)
	if err != nil {
		return BanResult{}, err
	}

	if m.Banned {
		degraded := l.record(ctx, AuditRecord{
			ChatID:   chatID,
			ActorID:  issuerID,
			TargetID: userID,
			Action:   ActionBan,
			Detail:   "already banned (no-op)",
		})
		return BanResult{AlreadyBanned: true, Degraded: degraded}, nil
	}

	m.Banned = true
	m.MutedUntil = nil
	if err := l.repo.UpsertMemberState(ctx, m); err != nil {
		return BanResult{}, fmt.Errorf("persist member state: %w", err)
	}
	l.metrics.Bans.Inc()

	res := BanResult{}
	res.Degraded = l.record(ctx, AuditRecord{
		ChatID:   chatID,
		ActorID:  issuerID,
		TargetID: userID,
		Action:   ActionBan,
		Detail:   reason,
	})
	return res, nil
}

// Unban returns the member to clean state with the warn count zeroed.
// Unbanning a member who is not banned is a no-op, not an error.
func (l *Ledger) Unban(ctx context.Context, chatID, userID int64, issuerID int64) (UnbanResult, error) {
	lock := l.lockFor(chatID, userID)
	lock.Lock()
	defer lock.Unlock()

	m, err := l.load(ctx, chatID, userID)
	if err != nil {
		return UnbanResult{}, err
	}

	res := UnbanResult{WasBanned: m.Banned}
	if m.Banned || m.Warns != 0 || m.MutedUntil != nil {
		m.Banned = false
		m.Warns = 0
		m.MutedUntil = nil
		if err := l.repo.UpsertMemberState(ctx, m); err != nil {
			return UnbanResult{}, fmt.Errorf("persist member state: %w", err)
		}
	}

	detail := ""
	if !res.WasBanned {
		detail = "not banned (no-op)"
	}
	res.Degraded = l.record(ctx, AuditRecord{
		ChatID:   chatID,
		ActorID:  issuerID,
		TargetID: userID,
		Action:   ActionUnban,
		Detail:   detail,
	})
	return res, nil
}

// NoteSubscriptionCheck records the latest definitive oracle answer on the
// member. Failures are logged, never surfaced: a bookkeeping write must
// not break message handling.
func (l *Ledger) NoteSubscriptionCheck(ctx context.Context, chatID, userID int64, subscribed bool) {
	lock := l.lockFor(chatID, userID)
	lock.Lock()
	defer lock.Unlock()

	m, err := l.load(ctx, chatID, userID)
	if err != nil {
		l.logger.Warn().Err(err).Msg("failed to load member for subscription note")
		return
	}
	now := l.now()
	m.LastSubCheck = &now
	m.LastSubOK = subscribed
	if err := l.repo.UpsertMemberState(ctx, m); err != nil {
		l.logger.Warn().Err(err).Msg("failed to persist subscription note")
	}
}

// load fetches the member row, lazily treating unknown members as clean.
func (l *Ledger) load(ctx context.Context, chatID, userID int64) (storage.MemberState, error) {
	m, err := l.repo.GetMemberState(ctx, chatID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MemberState{ChatID: chatID, UserID: userID}, nil
		}
		return storage.MemberState{}, fmt.Errorf("load member state: %w", err)
	}
	return m, nil
}

// record appends an audit entry and reports whether logging degraded.
func (l *Ledger) record(ctx context.Context, rec AuditRecord) bool {
	if err := l.audit.Record(ctx, rec); err != nil {
		return true
	}
	return false
}
