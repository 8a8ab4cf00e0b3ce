package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Config labels every series with the service identity.
type Config struct {
	ServiceName string
	Environment string
}

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonUnknown              = "unknown"
)

// Metrics holds the reconciliation pipeline instruments.
type Metrics struct {
	notificationsReceived *prometheus.CounterVec
	notificationsApplied  *prometheus.CounterVec
	webhookAttempts       *prometheus.CounterVec
	webhookDuration       *prometheus.HistogramVec
	webhookTerminal       *prometheus.CounterVec
	routerDispatched      *prometheus.CounterVec
	routerLag             prometheus.Observer
	jobRuns               *prometheus.CounterVec
	jobDuration           *prometheus.HistogramVec
	jobTimeouts           *prometheus.CounterVec
	jobErrors             *prometheus.CounterVec
	batchProcessed        *prometheus.CounterVec
}

// Provide registers the instruments on the default registerer.
func Provide(cfg Config) *Metrics {
	return New(prometheus.DefaultRegisterer, cfg)
}

func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "subsync"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Metrics{
		notificationsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subsync_notifications_received_total",
			Help:        "Inbound provider notifications by gateway and admission result.",
			ConstLabels: constLabels,
		}, []string{"gateway", "result"}),
		notificationsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subsync_notifications_applied_total",
			Help:        "Lifecycle events applied to subscriptions by kind and outcome.",
			ConstLabels: constLabels,
		}, []string{"gateway", "kind", "outcome"}),
		webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subsync_webhook_attempts_total",
			Help:        "Outbound webhook delivery attempts by provider type and result.",
			ConstLabels: constLabels,
		}, []string{"provider", "result"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "subsync_webhook_attempt_duration_seconds",
			Help:        "Outbound webhook attempt latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
			ConstLabels: constLabels,
		}, []string{"provider"}),
		webhookTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subsync_webhook_deliveries_terminal_total",
			Help:        "Webhook deliveries reaching SUCCESS or FAILED.",
			ConstLabels: constLabels,
		}, []string{"provider", "status"}),
		routerDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subsync_router_events_total",
			Help:        "Domain events dispatched by the router.",
			ConstLabels: constLabels,
		}, []string{"event_type", "result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subsync_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "subsync_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subsync_scheduler_job_timeouts_total",
			Help:        "Scheduler job timeouts.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subsync_scheduler_job_errors_total",
			Help:        "Scheduler job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subsync_scheduler_batch_processed_total",
			Help:        "Rows handled by scheduler jobs.",
			ConstLabels: constLabels,
		}, []string{"job"}),
	}
	routerLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "subsync_router_lag_seconds",
		Help:        "Delay between a domain event commit and its dispatch.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		ConstLabels: constLabels,
	})
	m.routerLag = routerLag

	registerer.MustRegister(
		m.notificationsReceived,
		m.notificationsApplied,
		m.webhookAttempts,
		m.webhookDuration,
		m.webhookTerminal,
		m.routerDispatched,
		routerLag,
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
	)
	return m
}

func (m *Metrics) IncNotificationReceived(gateway, result string) {
	if m == nil {
		return
	}
	m.notificationsReceived.WithLabelValues(gateway, result).Inc()
}

func (m *Metrics) IncNotificationApplied(gateway, kind, outcome string) {
	if m == nil {
		return
	}
	m.notificationsApplied.WithLabelValues(gateway, kind, outcome).Inc()
}

func (m *Metrics) ObserveWebhookAttempt(provider, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.webhookAttempts.WithLabelValues(provider, result).Inc()
	m.webhookDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) IncWebhookTerminal(provider, status string) {
	if m == nil {
		return
	}
	m.webhookTerminal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) IncRouterDispatched(eventType, result string) {
	if m == nil {
		return
	}
	m.routerDispatched.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) ObserveRouterLag(lag time.Duration) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.routerLag.Observe(lag.Seconds())
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *Metrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *Metrics) AddBatchProcessed(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	return JobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
