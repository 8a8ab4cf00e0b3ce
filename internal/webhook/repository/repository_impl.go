package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
	dbpkg "github.com/smallbiznis/subsync/pkg/db"
	"gorm.io/gorm"
)

const (
	configColumns = `id, name, endpoint, secret, provider_type, subscribed_event_types, max_retries,
	retry_delay_base_seconds, is_active, created_at, updated_at`
	deliveryColumns = `id, config_id, event_id, event_type, payload, status, retry_count, next_attempt_at,
	last_attempt_at, response_status, response_data, error_message, locked_until, created_at, updated_at`
)

type repo struct{}

func Provide() webhookdomain.Repository {
	return &repo{}
}

func (r *repo) InsertConfiguration(ctx context.Context, db *gorm.DB, cfg *webhookdomain.Configuration) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_configurations (`+configColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID,
		cfg.Name,
		cfg.Endpoint,
		cfg.Secret,
		cfg.ProviderType,
		cfg.SubscribedEventTypes,
		cfg.MaxRetries,
		cfg.RetryDelayBaseSeconds,
		cfg.IsActive,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	).Error
}

func (r *repo) FindConfiguration(ctx context.Context, db *gorm.DB, id snowflake.ID) (*webhookdomain.Configuration, error) {
	var cfg webhookdomain.Configuration
	err := db.WithContext(ctx).Raw(
		`SELECT `+configColumns+` FROM webhook_configurations WHERE id = ?`,
		id,
	).Scan(&cfg).Error
	if err != nil {
		return nil, err
	}
	if cfg.ID == 0 {
		return nil, nil
	}
	return &cfg, nil
}

func (r *repo) ListConfigurations(ctx context.Context, db *gorm.DB, activeOnly bool) ([]webhookdomain.Configuration, error) {
	query := `SELECT ` + configColumns + ` FROM webhook_configurations`
	args := []any{}
	if activeOnly {
		query += ` WHERE is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id ASC`

	var out []webhookdomain.Configuration
	err := db.WithContext(ctx).Raw(query, args...).Scan(&out).Error
	return out, err
}

func (r *repo) InsertDelivery(ctx context.Context, db *gorm.DB, d *webhookdomain.Delivery) (bool, error) {
	res := db.WithContext(ctx).Exec(
		dbpkg.InsertIgnore(db)+` webhook_deliveries (`+deliveryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+dbpkg.OnConflictDoNothing(db, "config_id, event_id"),
		d.ID,
		d.ConfigID,
		d.EventID,
		d.EventType,
		d.Payload,
		d.Status,
		d.RetryCount,
		d.NextAttemptAt,
		d.LastAttemptAt,
		d.ResponseStatus,
		d.ResponseData,
		d.ErrorMessage,
		d.LockedUntil,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if res.Error != nil {
		if dbpkg.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID) (*webhookdomain.Delivery, error) {
	var d webhookdomain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`,
		id,
	).Scan(&d).Error
	if err != nil {
		return nil, err
	}
	if d.ID == 0 {
		return nil, nil
	}
	return &d, nil
}

func (r *repo) ListDeliveries(ctx context.Context, db *gorm.DB, filter webhookdomain.DeliveryFilter) ([]webhookdomain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE 1 = 1`
	args := []any{}
	if filter.ConfigID != 0 {
		query += ` AND config_id = ?`
		args = append(args, filter.ConfigID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var out []webhookdomain.Delivery
	err := db.WithContext(ctx).Raw(query, args...).Scan(&out).Error
	return out, err
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM webhook_deliveries
		 WHERE status IN (?, ?)
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		   AND (locked_until IS NULL OR locked_until <= ?)
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`,
		webhookdomain.DeliveryPending,
		webhookdomain.DeliveryPendingRetry,
		now,
		now,
		limit,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) Lease(ctx context.Context, db *gorm.DB, id snowflake.ID, now, until time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries SET locked_until = ?, updated_at = ?
		 WHERE id = ?
		   AND status IN (?, ?)
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		   AND (locked_until IS NULL OR locked_until <= ?)`,
		until,
		now,
		id,
		webhookdomain.DeliveryPending,
		webhookdomain.DeliveryPendingRetry,
		now,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, d *webhookdomain.Delivery, leasedUntil time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries SET
			status = ?, retry_count = ?, next_attempt_at = ?, last_attempt_at = ?,
			response_status = ?, response_data = ?, error_message = ?, locked_until = NULL, updated_at = ?
		 WHERE id = ? AND locked_until = ?`,
		d.Status,
		d.RetryCount,
		d.NextAttemptAt,
		d.LastAttemptAt,
		d.ResponseStatus,
		d.ResponseData,
		d.ErrorMessage,
		d.UpdatedAt,
		d.ID,
		leasedUntil,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Rearm(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries SET
			status = ?, retry_count = 0, next_attempt_at = ?, error_message = NULL, locked_until = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		webhookdomain.DeliveryPending,
		now,
		now,
		id,
		webhookdomain.DeliveryFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, a *webhookdomain.Attempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_delivery_attempts (id, delivery_id, attempt, status_code, response_body, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.DeliveryID,
		a.Attempt,
		a.StatusCode,
		a.ResponseBody,
		a.DurationMS,
		a.Error,
		a.CreatedAt,
	).Error
}

func (r *repo) ListAttempts(ctx context.Context, db *gorm.DB, deliveryID snowflake.ID) ([]webhookdomain.Attempt, error) {
	var out []webhookdomain.Attempt
	err := db.WithContext(ctx).Raw(
		`SELECT id, delivery_id, attempt, status_code, response_body, duration_ms, error, created_at
		 FROM webhook_delivery_attempts WHERE delivery_id = ? ORDER BY attempt ASC`,
		deliveryID,
	).Scan(&out).Error
	return out, err
}
