package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const recordColumns = `id, event_type, user_id, subscription_id, payload, dedupe_key, attempts, last_error,
	locked_until, created_at, published_at`

type repository struct{}

func (repository) listPending(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]Record, error) {
	var rows []Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+` FROM domain_events
		 WHERE published_at IS NULL AND attempts < ? AND (locked_until IS NULL OR locked_until < ?)
		 ORDER BY id ASC
		 LIMIT ?`,
		maxAttempts,
		now,
		limit,
	).Scan(&rows).Error
	return rows, err
}

// lease claims one row until `until`; false means another dispatcher has it.
func (repository) lease(ctx context.Context, db *gorm.DB, id snowflake.ID, now, until time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE domain_events SET locked_until = ?
		 WHERE id = ? AND published_at IS NULL AND (locked_until IS NULL OR locked_until < ?)`,
		until,
		id,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (repository) markPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE domain_events SET published_at = ?, locked_until = NULL, last_error = NULL WHERE id = ?`,
		at,
		id,
	).Error
}

func (repository) markFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, cause string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE domain_events SET attempts = attempts + 1, last_error = ?, locked_until = NULL WHERE id = ?`,
		cause,
		id,
	).Error
}
