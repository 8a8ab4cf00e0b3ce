package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	txmappingdomain "github.com/smallbiznis/subsync/internal/txmapping/domain"
	"gorm.io/gorm"
)

const selectColumns = `id, transaction_id, gateway, email, user_id, created_at, updated_at`

type repo struct{}

func Provide() txmappingdomain.Repository {
	return &repo{}
}

func (r *repo) FindByTransaction(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, transactionID string) (*txmappingdomain.Mapping, error) {
	return r.findOne(ctx, db,
		`SELECT `+selectColumns+` FROM transaction_user_mappings WHERE gateway = ? AND transaction_id = ?`,
		gateway, transactionID,
	)
}

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, email string) (*txmappingdomain.Mapping, error) {
	return r.findOne(ctx, db,
		`SELECT `+selectColumns+` FROM transaction_user_mappings WHERE gateway = ? AND email = ?`,
		gateway, email,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*txmappingdomain.Mapping, error) {
	var mapping txmappingdomain.Mapping
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&mapping).Error; err != nil {
		return nil, err
	}
	if mapping.ID == 0 {
		return nil, nil
	}
	return &mapping, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, mapping *txmappingdomain.Mapping) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transaction_user_mappings (id, transaction_id, gateway, email, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mapping.ID,
		mapping.TransactionID,
		mapping.Gateway,
		mapping.Email,
		mapping.UserID,
		mapping.CreatedAt,
		mapping.UpdatedAt,
	).Error
}

func (r *repo) UpdateTransaction(ctx context.Context, db *gorm.DB, mapping *txmappingdomain.Mapping) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transaction_user_mappings
		 SET transaction_id = ?, user_id = ?, updated_at = ?
		 WHERE id = ?`,
		mapping.TransactionID,
		mapping.UserID,
		mapping.UpdatedAt,
		mapping.ID,
	).Error
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]txmappingdomain.Mapping, error) {
	var rows []txmappingdomain.Mapping
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM transaction_user_mappings WHERE user_id = ? ORDER BY gateway`,
		userID,
	).Scan(&rows).Error
	return rows, err
}
