package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UpdatesTotal     prometheus.Counter
	MessagesChecked  prometheus.Counter
	MessagesDeleted  prometheus.Counter
	WarningsIssued   prometheus.Counter
	AutoMutes        prometheus.Counter
	Bans             prometheus.Counter
	OracleFailures   prometheus.Counter
	AuditWriteErrors prometheus.Counter
	ReportsQueued    prometheus.Counter
	ReportsDelivered prometheus.Counter
	ReportsFailed    prometheus.Counter
	MutesSwept       prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			MessagesChecked: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "messages_checked_total",
				Help:      "Total group messages run through the moderation pipeline",
			}),
			MessagesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "messages_deleted_total",
				Help:      "Total messages deleted by moderation",
			}),
			WarningsIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "warnings_issued_total",
				Help:      "Total warnings issued (manual and automatic)",
			}),
			AutoMutes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "auto_mutes_total",
				Help:      "Total automatic mutes triggered by the warn limit",
			}),
			Bans: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "bans_total",
				Help:      "Total bans applied",
			}),
			OracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "oracle_failures_total",
				Help:      "Total membership oracle calls that failed (fail-open)",
			}),
			AuditWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "audit_write_errors_total",
				Help:      "Total audit log writes that failed (degraded logging)",
			}),
			ReportsQueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "reports_queued_total",
				Help:      "Total user reports enqueued for admin fan-out",
			}),
			ReportsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "reports_delivered_total",
				Help:      "Total report jobs delivered to chat admins",
			}),
			ReportsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "reports_failed_total",
				Help:      "Total report jobs that exhausted their retries",
			}),
			MutesSwept: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modbot",
				Name:      "mutes_swept_total",
				Help:      "Total expired mutes lifted by the advisory sweep",
			}),
		}
		prometheus.MustRegister(
			global.UpdatesTotal,
			global.MessagesChecked,
			global.MessagesDeleted,
			global.WarningsIssued,
			global.AutoMutes,
			global.Bans,
			global.OracleFailures,
			global.AuditWriteErrors,
			global.ReportsQueued,
			global.ReportsDelivered,
			global.ReportsFailed,
			global.MutesSwept,
		)
	})
	return global
}
