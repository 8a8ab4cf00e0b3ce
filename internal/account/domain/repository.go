package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Directory is the read side of the account module consumed by the
// reconciliation core. Lookups take the caller's handle so they join an open
// transaction.
type Directory interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*User, error)
}

type Repository interface {
	Directory
	Insert(ctx context.Context, db *gorm.DB, user *User) error
}
