package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"modbot/internal/metrics"
	"modbot/internal/seal"
	"modbot/internal/storage"
)

type Action string

const (
	ActionWarn           Action = "warn"
	ActionKick           Action = "kick"
	ActionBan            Action = "ban"
	ActionUnban          Action = "unban"
	ActionMute           Action = "mute"
	ActionUnmute         Action = "unmute"
	ActionDelete         Action = "delete"
	ActionSettingsChange Action = "settings-change"
	ActionReport         Action = "report"
	ActionDenied         Action = "denied"
)

// SystemActor is the ActorID recorded when the bot acts on its own
// (content filters, auto-mutes, expiry sweeps).
const SystemActor int64 = 0

type AuditRecord struct {
	ChatID    int64
	ActorID   int64
	TargetID  int64
	Action    Action
	Detail    string
	Sensitive bool // seal Detail at rest when a keyring is configured
	CreatedAt time.Time
}

type AuditRepo interface {
	LogAction(ctx context.Context, e storage.AuditEntry) error
	QueryAuditLog(ctx context.Context, chatID int64, limit uint64) ([]storage.AuditEntry, error)
}

// AuditLogger is the append-only record of every moderation action.
// Writes are absorbed into ErrLogDegraded on persistence failure: the
// action that triggered the entry is never rolled back because of logging.
type AuditLogger struct {
	repo    AuditRepo
	keyring *seal.Keyring // nil = store details in the clear
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewAuditLogger(repo AuditRepo, keyring *seal.Keyring, logger zerolog.Logger, m *metrics.Metrics) *AuditLogger {
	if m == nil {
		m = metrics.Global()
	}
	return &AuditLogger{repo: repo, keyring: keyring, logger: logger, metrics: m}
}

// Record appends one entry. A persistence failure is reported as
// ErrLogDegraded so callers can tell the admin "applied, logging degraded".
func (a *AuditLogger) Record(ctx context.Context, rec AuditRecord) error {
	detail := rec.Detail
	if rec.Sensitive && a.keyring != nil && detail != "" {
		sealed, err := a.keyring.SealString(detail)
		if err != nil {
			a.logger.Warn().Err(err).Msg("failed to seal audit detail, storing in the clear")
		} else {
			detail = sealed
		}
	}

	err := a.repo.LogAction(ctx, storage.AuditEntry{
		ChatID:   rec.ChatID,
		ActorID:  rec.ActorID,
		TargetID: rec.TargetID,
		Action:   string(rec.Action),
		Detail:   detail,
	})
	if err != nil {
		a.metrics.AuditWriteErrors.Inc()
		a.logger.Error().Err(err).
			Int64("chat_id", rec.ChatID).
			Str("action", string(rec.Action)).
			Msg("audit log write failed")
		return fmt.Errorf("%w: %v", ErrLogDegraded, err)
	}
	return nil
}

// Query returns up to limit entries for a chat, most recent first, with
// sealed details opened when the keyring allows it.
func (a *AuditLogger) Query(ctx context.Context, chatID int64, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.repo.QueryAuditLog(ctx, chatID, uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}

	out := make([]AuditRecord, 0, len(rows))
	for _, e := range rows {
		detail := e.Detail
		if seal.IsSealed(detail) {
			if a.keyring == nil {
				detail = "<sealed>"
			} else if plain, err := a.keyring.OpenString(detail); err == nil {
				detail = plain
			} else {
				a.logger.Warn().Err(err).Int64("entry_id", e.ID).Msg("failed to open sealed audit detail")
				detail = "<sealed>"
			}
		}
		out = append(out, AuditRecord{
			ChatID:    e.ChatID,
			ActorID:   e.ActorID,
			TargetID:  e.TargetID,
			Action:    Action(e.Action),
			Detail:    detail,
			CreatedAt: e.CreatedAt,
		})
	}
	return out, nil
}
