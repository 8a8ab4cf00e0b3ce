package repository

import (
	"context"
	"time"

	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	dbpkg "github.com/smallbiznis/subsync/pkg/db"
	"gorm.io/gorm"
)

const selectColumns = `id, gateway, idempotency_key, status, event_kind, original_transaction_ref, event,
	raw_payload, error_message, attempts, degraded, received_at, processed_at, updated_at`

type repo struct{}

func Provide() notificationdomain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, row *notificationdomain.ProcessedNotification) (bool, error) {
	res := db.WithContext(ctx).Exec(
		dbpkg.InsertIgnore(db)+` processed_notifications (
			id, gateway, idempotency_key, status, event_kind, original_transaction_ref, event,
			raw_payload, error_message, attempts, degraded, received_at, processed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+dbpkg.OnConflictDoNothing(db, "gateway, idempotency_key"),
		row.ID,
		row.Gateway,
		row.IdempotencyKey,
		row.Status,
		row.EventKind,
		row.OriginalTransactionRef,
		row.Event,
		row.RawPayload,
		row.ErrorMessage,
		row.Attempts,
		row.Degraded,
		row.ReceivedAt,
		row.ProcessedAt,
		row.UpdatedAt,
	)
	if res.Error != nil {
		if dbpkg.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, key string) (*notificationdomain.ProcessedNotification, error) {
	var row notificationdomain.ProcessedNotification
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM processed_notifications WHERE gateway = ? AND idempotency_key = ?`,
		gateway,
		key,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, key string, from, to notificationdomain.Status, errMsg *string, at time.Time) (bool, error) {
	var processedAt *time.Time
	if to.Terminal() {
		processedAt = &at
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE processed_notifications
		 SET status = ?, error_message = ?, processed_at = ?, updated_at = ?
		 WHERE gateway = ? AND idempotency_key = ? AND status = ?`,
		to,
		errMsg,
		processedAt,
		at,
		gateway,
		key,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Touch(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, key string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE processed_notifications
		 SET attempts = attempts + 1, updated_at = ?
		 WHERE gateway = ? AND idempotency_key = ? AND status = ?`,
		at,
		gateway,
		key,
		notificationdomain.StatusProcessing,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]notificationdomain.ProcessedNotification, error) {
	var rows []notificationdomain.ProcessedNotification
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM processed_notifications
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		notificationdomain.StatusProcessing,
		before,
		limit,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter notificationdomain.ListFilter) ([]notificationdomain.ProcessedNotification, error) {
	query := `SELECT ` + selectColumns + ` FROM processed_notifications WHERE 1 = 1`
	args := []any{}
	if filter.Gateway != "" {
		query += ` AND gateway = ?`
		args = append(args, filter.Gateway)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` ORDER BY received_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []notificationdomain.ProcessedNotification
	err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error
	return rows, err
}
