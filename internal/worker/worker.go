package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"modbot/internal/metrics"
	"modbot/internal/moderation"
	"modbot/internal/queue"
	"modbot/internal/storage"
)

// Worker drains the report stream and runs the advisory mute sweep. The
// sweep only lifts the platform-side restriction; the ledger already
// treats expired mutes as over.
type Worker struct {
	bot           *gotgbot.Bot
	store         *storage.Store
	queue         *queue.ReportQueue
	audit         *moderation.AuditLogger
	sweepInterval time.Duration
	sweepBatch    uint64
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Bot           *gotgbot.Bot
	Store         *storage.Store
	Queue         *queue.ReportQueue
	Audit         *moderation.AuditLogger
	SweepInterval time.Duration
	SweepBatch    uint64
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepBatch == 0 {
		cfg.SweepBatch = 100
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		bot:           cfg.Bot,
		store:         cfg.Store,
		queue:         cfg.Queue,
		audit:         cfg.Audit,
		sweepInterval: cfg.SweepInterval,
		sweepBatch:    cfg.SweepBatch,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sweepLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read report queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.deliverReport(ctx, msg.Job)
			if err == nil {
				w.metrics.ReportsDelivered.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("report delivery failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed report")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			w.metrics.ReportsFailed.Inc()
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed report")
			}
		}
	}
}

// deliverReport DMs every human admin of the reported chat. Admins who
// never started the bot cannot receive DMs; that is not a delivery
// failure as long as at least one admin got the report.
func (w *Worker) deliverReport(ctx context.Context, job queue.ReportJob) error {
	admins, err := w.bot.GetChatAdministratorsWithContext(ctx, job.ChatID, nil)
	if err != nil {
		return fmt.Errorf("list chat admins: %w", err)
	}

	text := w.formatReport(job)
	delivered := 0
	for _, a := range admins {
		u := a.GetUser()
		if u.IsBot {
			continue
		}
		if _, err := w.bot.SendMessageWithContext(ctx, u.Id, text, nil); err != nil {
			w.logger.Debug().Err(err).Int64("admin_id", u.Id).Msg("admin dm failed")
			continue
		}
		delivered++
	}
	if delivered == 0 && len(admins) > 0 {
		return fmt.Errorf("no admin reachable for chat %d", job.ChatID)
	}
	return nil
}

func (w *Worker) formatReport(job queue.ReportJob) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report in %s\n", job.ChatTitle)
	if job.Reporter != "" {
		fmt.Fprintf(&b, "From: @%s (%d)\n", strings.TrimPrefix(job.Reporter, "@"), job.ReporterID)
	} else {
		fmt.Fprintf(&b, "From: %d\n", job.ReporterID)
	}
	fmt.Fprintf(&b, "Against: %d\n", job.TargetID)
	if job.MessageText != "" {
		fmt.Fprintf(&b, "Message: %s", job.MessageText)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepExpiredMutes(ctx)
		}
	}
}

// sweepExpiredMutes lifts the telegram restriction for mutes whose
// deadline has passed. Purely advisory: correctness never depends on the
// sweep running, a restriction that outlives its deadline just means the
// user waits for the next tick.
func (w *Worker) sweepExpiredMutes(ctx context.Context) {
	expired, err := w.store.ListExpiredMutes(ctx, time.Now().UTC(), w.sweepBatch)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list expired mutes")
		return
	}

	for _, m := range expired {
		if err := ctx.Err(); err != nil {
			return
		}

		_, err := w.bot.RestrictChatMemberWithContext(ctx, m.ChatID, m.UserID, fullMemberPermissions(), nil)
		if err != nil {
			// The user may have left or the bot lost rights; clear the
			// row anyway, the ledger considers the mute over.
			w.logger.Debug().Err(err).Int64("chat_id", m.ChatID).Int64("user_id", m.UserID).Msg("failed to lift restriction")
		}
		if err := w.store.ClearMute(ctx, m.ChatID, m.UserID); err != nil {
			w.logger.Error().Err(err).Int64("chat_id", m.ChatID).Int64("user_id", m.UserID).Msg("failed to clear mute row")
			continue
		}
		w.metrics.MutesSwept.Inc()
		_ = w.audit.Record(ctx, moderation.AuditRecord{
			ChatID:   m.ChatID,
			ActorID:  moderation.SystemActor,
			TargetID: m.UserID,
			Action:   moderation.ActionUnmute,
			Detail:   "mute expired",
		})

		name := "user " + fmt.Sprint(m.UserID)
		if m.Username != "" {
			name = "@" + m.Username
		}
		if _, err := w.bot.SendMessageWithContext(ctx, m.ChatID, name+" is no longer muted.", nil); err != nil {
			w.logger.Debug().Err(err).Int64("chat_id", m.ChatID).Msg("failed to announce mute expiry")
		}
	}
}

func fullMemberPermissions() gotgbot.ChatPermissions {
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
