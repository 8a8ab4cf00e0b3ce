// Package entitlement pushes subscription state to the network access layer.
package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/subsync/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	grantKeyPrefix = "subsync:entitlement:"
	grantChannel   = "subsync:entitlements"
)

// Grant is the current access state of one user.
type Grant struct {
	UserID          string     `json:"user_id"`
	SubscriptionID  string     `json:"subscription_id"`
	Status          string     `json:"status"`
	PlanRef         string     `json:"plan_ref"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	MultiLoginCount int        `json:"multi_login_count"`
	Version         int64      `json:"version"`
	Active          bool       `json:"active"`
}

type Syncer interface {
	ApplyEntitlement(ctx context.Context, grant Grant) error
}

var Module = fx.Module("entitlement",
	fx.Provide(NewSyncer),
	fx.Provide(events.AsHandler(NewEventHandler)),
)

// NewSyncer publishes through Redis when configured and logs otherwise.
func NewSyncer(client *redis.Client, log *zap.Logger) Syncer {
	if client == nil {
		return &LogSyncer{log: log.Named("entitlement")}
	}
	return &RedisSyncer{client: client, log: log.Named("entitlement")}
}

// RedisSyncer stores the latest grant per user and announces it on a channel
// the provisioning service subscribes to.
type RedisSyncer struct {
	client *redis.Client
	log    *zap.Logger
}

func (s *RedisSyncer) ApplyEntitlement(ctx context.Context, grant Grant) error {
	if strings.TrimSpace(grant.UserID) == "" {
		return fmt.Errorf("entitlement: missing user id")
	}
	body, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, grantKeyPrefix+grant.UserID, body, 0)
	pipe.Publish(ctx, grantChannel, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("entitlement: %w", err)
	}
	return nil
}

type LogSyncer struct {
	log *zap.Logger
}

func (s *LogSyncer) ApplyEntitlement(ctx context.Context, grant Grant) error {
	s.log.Info("entitlement applied",
		zap.String("user_id", grant.UserID),
		zap.String("status", grant.Status),
		zap.Bool("active", grant.Active),
	)
	return nil
}
