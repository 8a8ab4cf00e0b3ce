package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	dbpkg "github.com/smallbiznis/subsync/pkg/db"
	"gorm.io/gorm"
)

const selectColumns = `id, user_id, plan_ref, status, expires_at, auto_renew, canceled, gateway,
	original_transaction_ref, purchase_token, google_subscription_id, stripe_subscription_id,
	duration_days, multi_login_count, price_amount, price_currency, version, last_event_at,
	created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, forUpdate, `id = ?`, id)
}

func (r *repo) FindByLineage(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, lineage string, forUpdate bool) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, forUpdate, `gateway = ? AND original_transaction_ref = ?`, gateway, lineage)
}

func (r *repo) FindByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, forUpdate bool) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, forUpdate, `user_id = ?`, userID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, forUpdate bool, where string, args ...any) (*subscriptiondomain.Subscription, error) {
	query := `SELECT ` + selectColumns + ` FROM subscriptions WHERE ` + where
	if forUpdate {
		query += dbpkg.ForUpdate(db)
	}

	var sub subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&sub).Error; err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, plan_ref, status, expires_at, auto_renew, canceled, gateway,
			original_transaction_ref, purchase_token, google_subscription_id, stripe_subscription_id,
			duration_days, multi_login_count, price_amount, price_currency, version, last_event_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.UserID,
		sub.PlanRef,
		sub.Status,
		sub.ExpiresAt,
		sub.AutoRenew,
		sub.Canceled,
		sub.Gateway,
		sub.OriginalTransactionRef,
		sub.PurchaseToken,
		sub.GoogleSubscriptionID,
		sub.StripeSubscriptionID,
		sub.DurationDays,
		sub.MultiLoginCount,
		sub.PriceAmount,
		sub.PriceCurrency,
		sub.Version,
		sub.LastEventAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			plan_ref = ?, status = ?, expires_at = ?, auto_renew = ?, canceled = ?, gateway = ?,
			original_transaction_ref = ?, purchase_token = ?, google_subscription_id = ?,
			stripe_subscription_id = ?, duration_days = ?, multi_login_count = ?, price_amount = ?,
			price_currency = ?, last_event_at = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		sub.PlanRef,
		sub.Status,
		sub.ExpiresAt,
		sub.AutoRenew,
		sub.Canceled,
		sub.Gateway,
		sub.OriginalTransactionRef,
		sub.PurchaseToken,
		sub.GoogleSubscriptionID,
		sub.StripeSubscriptionID,
		sub.DurationDays,
		sub.MultiLoginCount,
		sub.PriceAmount,
		sub.PriceCurrency,
		sub.LastEventAt,
		sub.UpdatedAt,
		sub.ID,
		sub.Version,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	sub.Version++
	return true, nil
}

func (r *repo) DeleteByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM subscriptions WHERE user_id = ?`, userID)
	return res.RowsAffected, res.Error
}

func (r *repo) ListOverdue(ctx context.Context, db *gorm.DB, statuses []subscriptiondomain.Status, before time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM subscriptions
		 WHERE status IN ? AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		statuses,
		before,
		limit,
	).Scan(&rows).Error
	return rows, err
}
