package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/subsync/internal/account/domain"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	"gorm.io/gorm"
)

// ResolveInput carries every reference a notification offers for finding its
// owner, most specific first.
type ResolveInput struct {
	Gateway             gatewaydomain.Gateway
	TransactionRef      string
	OriginalTransaction string
	Email               string
	UserRef             string
}

type Resolver interface {
	Resolve(ctx context.Context, db *gorm.DB, in ResolveInput) (*accountdomain.User, error)
	// EnsureMapping must run in the transaction that creates or links the
	// subscription.
	EnsureMapping(ctx context.Context, tx *gorm.DB, user *accountdomain.User, transactionRef string, gateway gatewaydomain.Gateway) (*Mapping, error)
	ListByUser(ctx context.Context, userID snowflake.ID) ([]Mapping, error)
}

var (
	ErrNotFound          = errors.New("unresolved_user")
	ErrInvalidReference  = errors.New("invalid_transaction_reference")
	ErrMappingConflict   = errors.New("transaction_mapped_to_other_user")
	ErrUserEmailRequired = errors.New("user_email_required")
)
