package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: JobReasonDeadlineExceeded},
		{name: "wrapped_deadline", err: fmt.Errorf("sweep: %w", context.DeadlineExceeded), want: JobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestMetricsRecordOnRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry, Config{ServiceName: "subsync", Environment: "test"})

	m.IncNotificationReceived("APPLE", "admitted")
	m.IncNotificationReceived("APPLE", "admitted")
	m.ObserveWebhookAttempt("SLACK", "failure", 120*time.Millisecond)
	m.IncJobError("webhook_sweep", &pgconn.PgError{Code: "40001"})

	if got := testutil.ToFloat64(m.notificationsReceived.WithLabelValues("APPLE", "admitted")); got != 2 {
		t.Fatalf("expected 2 admitted notifications, got %v", got)
	}
	if got := testutil.ToFloat64(m.webhookAttempts.WithLabelValues("SLACK", "failure")); got != 1 {
		t.Fatalf("expected 1 webhook attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobErrors.WithLabelValues("webhook_sweep", JobReasonSerializationFailure)); got != 1 {
		t.Fatalf("expected serialization failure counted, got %v", got)
	}

	var nilMetrics *Metrics
	nilMetrics.IncJobRun("noop")
}
