package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/subsync/internal/account/domain"
	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/events"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	"github.com/smallbiznis/subsync/internal/observability/metrics"
	"github.com/smallbiznis/subsync/internal/plan"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	txmappingdomain "github.com/smallbiznis/subsync/internal/txmapping/domain"
	dbpkg "github.com/smallbiznis/subsync/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxTxAttempts = 3

var tracer = otel.Tracer("subsync/subscription")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    *config.ReconcileConfigHolder
	Repo      subscriptiondomain.Repository
	Ledger    notificationdomain.Ledger
	Resolver  txmappingdomain.Resolver
	Directory accountdomain.Directory
	Catalog   plan.Catalog
	Outbox    *events.Outbox
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       *config.ReconcileConfigHolder
	repo      subscriptiondomain.Repository
	ledger    notificationdomain.Ledger
	resolver  txmappingdomain.Resolver
	directory accountdomain.Directory
	catalog   plan.Catalog
	outbox    *events.Outbox
	metrics   *metrics.Metrics
}

func New(p Params) subscriptiondomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		repo:      p.Repo,
		ledger:    p.Ledger,
		resolver:  p.Resolver,
		directory: p.Directory,
		catalog:   p.Catalog,
		outbox:    p.Outbox,
		metrics:   p.Metrics,
	}
}

func (s *Service) Apply(ctx context.Context, ev *gatewaydomain.LifecycleEvent, key string) (subscriptiondomain.ApplyResult, error) {
	key = strings.TrimSpace(key)
	if ev == nil || ev.Gateway == "" || key == "" {
		return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrInvalidEvent
	}

	ctx, span := tracer.Start(ctx, "subscription.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway", string(ev.Gateway)),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("idempotency_key", key),
	)

	var (
		result subscriptiondomain.ApplyResult
		err    error
	)
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		result, err = s.applyOnce(ctx, ev, key)
		if err == nil || !isConflict(err) {
			break
		}
		s.log.Warn("apply conflict, retrying",
			zap.String("gateway", string(ev.Gateway)),
			zap.String("idempotency_key", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	if err != nil {
		if isConflict(err) && !errors.Is(err, subscriptiondomain.ErrConcurrentConflict) {
			err = fmt.Errorf("%w: %v", subscriptiondomain.ErrConcurrentConflict, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncNotificationApplied(string(ev.Gateway), string(ev.Kind), "error")
		return result, err
	}

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	s.metrics.IncNotificationApplied(string(ev.Gateway), string(ev.Kind), string(result.Outcome))
	if result.EventType != "" {
		s.outbox.Notify()
	}
	return result, nil
}

func (s *Service) applyOnce(ctx context.Context, ev *gatewaydomain.LifecycleEvent, key string) (subscriptiondomain.ApplyResult, error) {
	var result subscriptiondomain.ApplyResult
	gw := ev.Gateway
	lineage := strings.TrimSpace(ev.OriginalTransactionRef)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.Claim(ctx, tx, gw, key); err != nil {
			if errors.Is(err, notificationdomain.ErrNotProcessing) {
				result.Outcome = subscriptiondomain.OutcomeDuplicate
				return nil
			}
			return err
		}

		if ev.Kind == gatewaydomain.KindUnknown {
			result.Outcome = subscriptiondomain.OutcomeSkipped
			return s.ledger.MarkSkipped(ctx, tx, gw, key, "no state change for "+describe(ev))
		}
		if lineage == "" {
			result.Outcome = subscriptiondomain.OutcomeSkipped
			return s.ledger.MarkSkipped(ctx, tx, gw, key, subscriptiondomain.ErrInvalidLineage.Error())
		}

		now := s.clock.Now()
		sub, err := s.repo.FindByLineage(ctx, tx, gw, lineage, true)
		if err != nil {
			return err
		}

		created := false
		if sub == nil {
			user, err := s.resolver.Resolve(ctx, tx, txmappingdomain.ResolveInput{
				Gateway:             gw,
				TransactionRef:      ev.TransactionRef,
				OriginalTransaction: lineage,
				Email:               ev.Email,
				UserRef:             ev.UserRef,
			})
			if errors.Is(err, txmappingdomain.ErrNotFound) {
				result.Outcome = subscriptiondomain.OutcomeUnresolved
				s.log.Warn("notification owner unresolved",
					zap.String("gateway", string(gw)),
					zap.String("idempotency_key", key),
					zap.String("original_transaction_ref", lineage),
				)
				return s.ledger.MarkFailed(ctx, tx, gw, key, subscriptiondomain.ErrUnresolvedUser)
			}
			if err != nil {
				return err
			}

			sub, created, err = s.bindUser(ctx, tx, user, ev, now)
			if err != nil {
				return err
			}
			if _, err := s.resolver.EnsureMapping(ctx, tx, user, lineage, gw); err != nil {
				return err
			}
		} else if sub.LastEventAt != nil && !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(*sub.LastEventAt) {
			result.Outcome = subscriptiondomain.OutcomeStale
			result.Subscription = sub
			return s.ledger.MarkSkipped(ctx, tx, gw, key, "stale event, newer state already applied")
		}

		next, eventType, ok := subscriptiondomain.Transition(*sub, *ev, now)
		if !ok {
			result.Outcome = subscriptiondomain.OutcomeSkipped
			return s.ledger.MarkSkipped(ctx, tx, gw, key, "no state change for "+describe(ev))
		}
		if created {
			eventType = events.EventSubscriptionCreated
			if err := s.repo.Insert(ctx, tx, &next); err != nil {
				return err
			}
		} else {
			updated, err := s.repo.Update(ctx, tx, &next)
			if err != nil {
				return err
			}
			if !updated {
				return subscriptiondomain.ErrConcurrentConflict
			}
		}

		if err := s.ledger.MarkSuccess(ctx, tx, gw, key); err != nil {
			return err
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			Type:           eventType,
			UserID:         next.UserID,
			SubscriptionID: next.ID,
			Payload:        eventPayload(next, string(ev.Kind), ev.OccurredAt),
			DedupeKey:      "notification:" + string(gw) + ":" + key,
		}); err != nil {
			return err
		}

		result.Outcome = subscriptiondomain.OutcomeApplied
		if created {
			result.Outcome = subscriptiondomain.OutcomeCreated
		}
		result.Subscription = &next
		result.EventType = eventType
		return nil
	})
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}
	return result, nil
}

// bindUser attaches the lineage to the user's current row or starts a new one
// from the plan matching the event's product.
func (s *Service) bindUser(ctx context.Context, tx *gorm.DB, user *accountdomain.User, ev *gatewaydomain.LifecycleEvent, now time.Time) (*subscriptiondomain.Subscription, bool, error) {
	existing, err := s.repo.FindByUser(ctx, tx, user.ID, true)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.log.Info("rebinding subscription to new lineage",
			zap.String("subscription_id", existing.ID.String()),
			zap.String("previous_gateway", existing.GatewayName()),
			zap.String("gateway", string(ev.Gateway)),
		)
		existing.Bind(ev.Gateway, ev.OriginalTransactionRef, ev.ProductRef)
		return existing, false, nil
	}

	p, err := s.catalog.Match(ctx, ev.ProductRef)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", subscriptiondomain.ErrPlanUnavailable, err)
	}
	sub := newFromPlan(s.genID.Generate(), user.ID, p, now)
	sub.Status = subscriptiondomain.StatusActive
	sub.Bind(ev.Gateway, ev.OriginalTransactionRef, ev.ProductRef)
	return sub, true, nil
}

func (s *Service) Reset(ctx context.Context, req subscriptiondomain.ResetRequest) (*subscriptiondomain.Subscription, error) {
	return s.recreate(ctx, req.UserID, req.PlanRef, events.EventSubscriptionReset, func(prev *subscriptiondomain.Subscription, next *subscriptiondomain.Subscription, p plan.Plan, now time.Time) {
		next.Unbind()
		expires := now.AddDate(0, 0, p.DurationDays)
		next.ExpiresAt = &expires
	})
}

func (s *Service) RenewByOperator(ctx context.Context, req subscriptiondomain.RenewRequest) (*subscriptiondomain.Subscription, error) {
	return s.recreate(ctx, req.UserID, req.PlanRef, events.EventSubscriptionRenewed, func(prev *subscriptiondomain.Subscription, next *subscriptiondomain.Subscription, p plan.Plan, now time.Time) {
		from := now
		if prev != nil {
			if prev.ExpiresAt != nil && prev.ExpiresAt.After(now) {
				from = *prev.ExpiresAt
			}
			next.AutoRenew = prev.AutoRenew
			next.Gateway = prev.Gateway
			next.OriginalTransactionRef = prev.OriginalTransactionRef
			next.PurchaseToken = prev.PurchaseToken
			next.GoogleSubscriptionID = prev.GoogleSubscriptionID
			next.StripeSubscriptionID = prev.StripeSubscriptionID
			next.LastEventAt = prev.LastEventAt
		}
		expires := from.AddDate(0, 0, p.DurationDays)
		next.ExpiresAt = &expires
	})
}

type shapeFunc func(prev *subscriptiondomain.Subscription, next *subscriptiondomain.Subscription, p plan.Plan, now time.Time)

// recreate replaces the user's row inside a serializable transaction.
func (s *Service) recreate(ctx context.Context, userID snowflake.ID, planRef string, eventType events.EventType, shape shapeFunc) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}

	ctx, span := tracer.Start(ctx, "subscription.recreate")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", string(eventType)))

	var (
		out *subscriptiondomain.Subscription
		err error
	)
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		out, err = s.recreateOnce(ctx, userID, planRef, eventType, shape)
		if err == nil || !isConflict(err) {
			break
		}
		s.log.Warn("recreate conflict, retrying",
			zap.String("user_id", userID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	if err != nil {
		if isConflict(err) && !errors.Is(err, subscriptiondomain.ErrConcurrentConflict) {
			err = fmt.Errorf("%w: %v", subscriptiondomain.ErrConcurrentConflict, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.outbox.Notify()
	s.log.Info("subscription recreated",
		zap.String("user_id", userID.String()),
		zap.String("subscription_id", out.ID.String()),
		zap.String("event_type", string(eventType)),
	)
	return out, nil
}

func (s *Service) recreateOnce(ctx context.Context, userID snowflake.ID, planRef string, eventType events.EventType, shape shapeFunc) (*subscriptiondomain.Subscription, error) {
	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.directory.FindByID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return subscriptiondomain.ErrUserNotFound
		}

		prev, err := s.repo.FindByUser(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		p, err := s.planFor(ctx, planRef, prev)
		if err != nil {
			return err
		}

		if _, err := s.repo.DeleteByUser(ctx, tx, userID); err != nil {
			return err
		}

		now := s.clock.Now()
		next := newFromPlan(s.genID.Generate(), userID, p, now)
		next.Status = subscriptiondomain.StatusActive
		shape(prev, next, p, now)
		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			Type:           eventType,
			UserID:         next.UserID,
			SubscriptionID: next.ID,
			Payload:        eventPayload(*next, "OPERATOR", now),
			DedupeKey:      "operator:" + strings.ToLower(string(eventType)) + ":" + next.ID.String(),
		}); err != nil {
			return err
		}
		out = next
		return nil
	}, dbpkg.Serializable(s.db)...)
	return out, err
}

func (s *Service) planFor(ctx context.Context, planRef string, prev *subscriptiondomain.Subscription) (plan.Plan, error) {
	ref := strings.TrimSpace(planRef)
	if ref == "" && prev != nil {
		ref = prev.PlanRef
	}
	if ref != "" {
		p, err := s.catalog.Lookup(ctx, ref)
		if err == nil {
			return p, nil
		}
		if strings.TrimSpace(planRef) != "" {
			return plan.Plan{}, fmt.Errorf("%w: %s", subscriptiondomain.ErrPlanUnavailable, ref)
		}
	}
	p, err := s.catalog.Default(ctx)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("%w: %v", subscriptiondomain.ErrPlanUnavailable, err)
	}
	return p, nil
}

func (s *Service) LinkPurchase(ctx context.Context, req subscriptiondomain.LinkPurchaseRequest) (*subscriptiondomain.Subscription, error) {
	if req.UserID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	gw, err := gatewaydomain.ParseGateway(string(req.Gateway))
	if err != nil {
		return nil, err
	}
	lineage := strings.TrimSpace(req.OriginalTransactionRef)
	if lineage == "" {
		return nil, subscriptiondomain.ErrInvalidLineage
	}

	var out *subscriptiondomain.Subscription
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		out, err = s.linkOnce(ctx, req.UserID, gw, lineage, strings.TrimSpace(req.ProductRef))
		if err == nil || !isConflict(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	s.outbox.Notify()
	return out, nil
}

func (s *Service) linkOnce(ctx context.Context, userID snowflake.ID, gw gatewaydomain.Gateway, lineage, productRef string) (*subscriptiondomain.Subscription, error) {
	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.directory.FindByID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return subscriptiondomain.ErrUserNotFound
		}

		sub, err := s.repo.FindByLineage(ctx, tx, gw, lineage, true)
		if err != nil {
			return err
		}
		if sub != nil && sub.UserID != user.ID {
			return subscriptiondomain.ErrLineageOwned
		}
		if _, err := s.resolver.EnsureMapping(ctx, tx, user, lineage, gw); err != nil {
			return err
		}
		if sub == nil {
			sub, err = s.repo.FindByUser(ctx, tx, user.ID, true)
			if err != nil {
				return err
			}
		}

		now := s.clock.Now()
		if sub == nil {
			p, err := s.catalog.Match(ctx, productRef)
			if err != nil {
				return fmt.Errorf("%w: %v", subscriptiondomain.ErrPlanUnavailable, err)
			}
			sub = newFromPlan(s.genID.Generate(), user.ID, p, now)
			sub.Status = subscriptiondomain.StatusPendingVerification
			sub.Bind(gw, lineage, productRef)
			if err := s.repo.Insert(ctx, tx, sub); err != nil {
				return err
			}
		} else {
			sub.Bind(gw, lineage, productRef)
			if !sub.Entitled(now) {
				sub.Status = subscriptiondomain.StatusPendingVerification
			}
			sub.UpdatedAt = now
			updated, err := s.repo.Update(ctx, tx, sub)
			if err != nil {
				return err
			}
			if !updated {
				return subscriptiondomain.ErrConcurrentConflict
			}
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			Type:           events.EventSubscriptionLinked,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Payload:        eventPayload(*sub, "LINK", now),
			DedupeKey:      fmt.Sprintf("link:%s:%d", sub.ID, sub.Version),
		}); err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

func (s *Service) GetByUser(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	sub, err := s.repo.FindByUser(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrNotFound
	}
	return sub, nil
}

// ExpireOverdue moves rows whose expiry plus the grace window has passed to
// EXPIRED, one transaction per row.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	tuning := s.cfg.Get().Expiry
	if limit <= 0 {
		limit = tuning.BatchSize
	}
	now := s.clock.Now()
	cutoff := now.Add(-tuning.GraceWindow)

	rows, err := s.repo.ListOverdue(ctx, s.db, subscriptiondomain.OverdueStatuses, cutoff, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, row := range rows {
		ok, err := s.expireOne(ctx, row.ID, cutoff, now)
		if err != nil {
			s.log.Warn("expire subscription failed",
				zap.String("subscription_id", row.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.outbox.Notify()
		s.log.Info("expired overdue subscriptions", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id snowflake.ID, cutoff, now time.Time) (bool, error) {
	expired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByID(ctx, tx, id, true)
		if err != nil || sub == nil {
			return err
		}
		if sub.ExpiresAt == nil || !sub.ExpiresAt.Before(cutoff) || !isOverdueStatus(sub.Status) {
			return nil
		}

		sub.Status = subscriptiondomain.StatusExpired
		sub.UpdatedAt = now
		updated, err := s.repo.Update(ctx, tx, sub)
		if err != nil || !updated {
			return err
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			Type:           events.EventSubscriptionExpired,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Payload:        eventPayload(*sub, "EXPIRY_SWEEP", now),
			DedupeKey:      fmt.Sprintf("expiry:%s:%d", sub.ID, sub.Version),
		}); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

func newFromPlan(id, userID snowflake.ID, p plan.Plan, now time.Time) *subscriptiondomain.Subscription {
	expires := now.AddDate(0, 0, p.DurationDays)
	sub := &subscriptiondomain.Subscription{
		ID:              id,
		UserID:          userID,
		PlanRef:         p.Ref,
		ExpiresAt:       &expires,
		DurationDays:    p.DurationDays,
		MultiLoginCount: p.MultiLoginCount,
		PriceAmount:     p.PriceAmount,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.PriceCurrency != "" {
		currency := p.PriceCurrency
		sub.PriceCurrency = &currency
	}
	return sub
}

func eventPayload(sub subscriptiondomain.Subscription, kind string, occurredAt time.Time) map[string]any {
	payload := map[string]any{
		"subscription_id":          sub.ID.String(),
		"user_id":                  sub.UserID.String(),
		"status":                   string(sub.Status),
		"plan_ref":                 sub.PlanRef,
		"auto_renew":               sub.AutoRenew,
		"canceled":                 sub.Canceled,
		"gateway":                  sub.GatewayName(),
		"original_transaction_ref": sub.Lineage(),
		"event_kind":               kind,
		"multi_login_count":        sub.MultiLoginCount,
		"expires_at":               nil,
	}
	if sub.ExpiresAt != nil {
		payload["expires_at"] = sub.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if !occurredAt.IsZero() {
		payload["occurred_at"] = occurredAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func isOverdueStatus(status subscriptiondomain.Status) bool {
	for _, candidate := range subscriptiondomain.OverdueStatuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func isConflict(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrConcurrentConflict) ||
		dbpkg.IsRetryableTxErr(err) ||
		dbpkg.IsDuplicateKeyErr(err)
}

func describe(ev *gatewaydomain.LifecycleEvent) string {
	if ev.NotificationType == "" {
		return string(ev.Kind)
	}
	if ev.Subtype == "" {
		return ev.NotificationType
	}
	return ev.NotificationType + "/" + ev.Subtype
}
