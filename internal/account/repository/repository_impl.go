package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/subsync/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() accountdomain.Repository {
	return &repo{}
}

// ProvideDirectory exposes the repository through the narrow read interface.
func ProvideDirectory(r accountdomain.Repository) accountdomain.Directory {
	return r
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, user *accountdomain.User) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO users (id, email, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.Status,
		user.CreatedAt,
		user.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*accountdomain.User, error) {
	var user accountdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, status, created_at, updated_at FROM users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*accountdomain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	var user accountdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, status, created_at, updated_at FROM users WHERE email = ?`,
		email,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}
