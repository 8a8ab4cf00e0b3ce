package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/events"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
)

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeCreated    Outcome = "created"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeStale      Outcome = "stale"
	OutcomeUnresolved Outcome = "unresolved"
	// OutcomeDuplicate means another worker already finished the notification.
	OutcomeDuplicate Outcome = "duplicate"
)

type ApplyResult struct {
	Outcome      Outcome
	Subscription *Subscription
	EventType    events.EventType
}

type ResetRequest struct {
	UserID  snowflake.ID `json:"user_id"`
	PlanRef string       `json:"plan_ref"`
}

type RenewRequest struct {
	UserID  snowflake.ID `json:"user_id"`
	PlanRef string       `json:"plan_ref"`
}

// LinkPurchaseRequest is a client-side purchase confirmation, received before
// or after the provider notification.
type LinkPurchaseRequest struct {
	UserID                 snowflake.ID          `json:"user_id"`
	Gateway                gatewaydomain.Gateway `json:"gateway"`
	OriginalTransactionRef string                `json:"original_transaction_ref"`
	TransactionRef         string                `json:"transaction_ref"`
	ProductRef             string                `json:"product_ref"`
}

type Service interface {
	// Apply runs one admitted notification to completion: ledger claim,
	// mutation, terminal mark and outbox event commit together.
	Apply(ctx context.Context, event *gatewaydomain.LifecycleEvent, key string) (ApplyResult, error)
	Reset(ctx context.Context, req ResetRequest) (*Subscription, error)
	RenewByOperator(ctx context.Context, req RenewRequest) (*Subscription, error)
	LinkPurchase(ctx context.Context, req LinkPurchaseRequest) (*Subscription, error)
	GetByUser(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

var (
	ErrUnresolvedUser     = errors.New("unresolved_user")
	ErrConcurrentConflict = errors.New("concurrent_conflict")
	ErrNotFound           = errors.New("subscription_not_found")
	ErrInvalidUser        = errors.New("invalid_user")
	ErrUserNotFound       = errors.New("user_not_found")
	ErrInvalidEvent       = errors.New("invalid_lifecycle_event")
	ErrInvalidLineage     = errors.New("invalid_original_transaction_ref")
	ErrLineageOwned       = errors.New("lineage_owned_by_other_user")
	ErrPlanUnavailable    = errors.New("plan_unavailable")
)
