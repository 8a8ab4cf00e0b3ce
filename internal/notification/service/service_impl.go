package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/cache"
	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	"github.com/smallbiznis/subsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    notificationdomain.Repository
	Config  *config.ReconcileConfigHolder
	Recent  *cache.RecentKeys `optional:"true"`
	Metrics *metrics.Metrics  `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    notificationdomain.Repository
	cfg     *config.ReconcileConfigHolder
	recent  *cache.RecentKeys
	metrics *metrics.Metrics
}

func New(p Params) notificationdomain.Ledger {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("notification.ledger"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		cfg:     p.Config,
		recent:  p.Recent,
		metrics: p.Metrics,
	}
}

func (s *Service) BeginProcessing(ctx context.Context, in notificationdomain.BeginInput) (notificationdomain.Admission, error) {
	key := strings.TrimSpace(in.Key)
	if key == "" || in.Gateway == "" {
		return notificationdomain.Admission{}, notificationdomain.ErrInvalidKey
	}
	cacheKey := string(in.Gateway) + ":" + key
	if s.recent.Seen(ctx, cacheKey) {
		s.metrics.IncNotificationReceived(string(in.Gateway), "duplicate")
		return notificationdomain.Admission{}, nil
	}

	now := s.clock.Now()
	row := &notificationdomain.ProcessedNotification{
		ID:             s.genID.Generate(),
		Gateway:        in.Gateway,
		IdempotencyKey: key,
		Status:         notificationdomain.StatusProcessing,
		ReceivedAt:     now,
		UpdatedAt:      now,
	}
	if in.Event != nil {
		encoded, err := json.Marshal(in.Event)
		if err != nil {
			return notificationdomain.Admission{}, fmt.Errorf("encode event: %w", err)
		}
		row.Event = encoded
		row.RawPayload = in.Event.RawPayload
		row.EventKind = string(in.Event.Kind)
		row.OriginalTransactionRef = in.Event.OriginalTransactionRef
		row.Degraded = in.Event.Degraded
	}

	inserted, err := s.repo.InsertIfAbsent(ctx, s.db, row)
	if err != nil {
		return notificationdomain.Admission{}, err
	}
	s.recent.Remember(ctx, cacheKey, s.cfg.Get().Ledger.CacheTTL)

	if inserted {
		s.metrics.IncNotificationReceived(string(in.Gateway), "admitted")
		return notificationdomain.Admission{Admitted: true, Status: notificationdomain.StatusProcessing}, nil
	}

	existing, err := s.repo.Find(ctx, s.db, in.Gateway, key)
	if err != nil {
		return notificationdomain.Admission{}, err
	}
	admission := notificationdomain.Admission{}
	if existing != nil {
		admission.Status = existing.Status
	}
	s.metrics.IncNotificationReceived(string(in.Gateway), "duplicate")
	s.log.Debug("duplicate delivery",
		zap.String("gateway", string(in.Gateway)),
		zap.String("idempotency_key", key),
		zap.String("status", string(admission.Status)),
	)
	return admission, nil
}

func (s *Service) Claim(ctx context.Context, tx *gorm.DB, gateway gatewaydomain.Gateway, key string) error {
	ok, err := s.repo.Transition(ctx, tx, gateway, key,
		notificationdomain.StatusProcessing, notificationdomain.StatusProcessing, nil, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return notificationdomain.ErrNotProcessing
	}
	return nil
}

func (s *Service) MarkSuccess(ctx context.Context, tx *gorm.DB, gateway gatewaydomain.Gateway, key string) error {
	return s.finish(ctx, tx, gateway, key, notificationdomain.StatusSuccess, nil)
}

func (s *Service) MarkFailed(ctx context.Context, tx *gorm.DB, gateway gatewaydomain.Gateway, key string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	msg = Truncate(msg, notificationdomain.MaxErrorLength)
	return s.finish(ctx, tx, gateway, key, notificationdomain.StatusFailed, &msg)
}

func (s *Service) MarkSkipped(ctx context.Context, tx *gorm.DB, gateway gatewaydomain.Gateway, key string, reason string) error {
	var msg *string
	if reason = strings.TrimSpace(reason); reason != "" {
		reason = Truncate(reason, notificationdomain.MaxErrorLength)
		msg = &reason
	}
	return s.finish(ctx, tx, gateway, key, notificationdomain.StatusSkipped, msg)
}

func (s *Service) finish(ctx context.Context, tx *gorm.DB, gateway gatewaydomain.Gateway, key string, to notificationdomain.Status, msg *string) error {
	if tx == nil {
		tx = s.db
	}
	ok, err := s.repo.Transition(ctx, tx, gateway, key, notificationdomain.StatusProcessing, to, msg, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return notificationdomain.ErrNotProcessing
	}
	return nil
}

func (s *Service) Get(ctx context.Context, gateway gatewaydomain.Gateway, key string) (*notificationdomain.ProcessedNotification, error) {
	row, err := s.repo.Find(ctx, s.db, gateway, strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, notificationdomain.ErrNotFound
	}
	return row, nil
}

func (s *Service) List(ctx context.Context, filter notificationdomain.ListFilter) ([]notificationdomain.ProcessedNotification, error) {
	return s.repo.List(ctx, s.db, filter)
}

func (s *Service) Requeue(ctx context.Context, limit int) ([]notificationdomain.ProcessedNotification, error) {
	tuning := s.cfg.Get().Ledger
	now := s.clock.Now()
	if limit <= 0 {
		limit = 100
	}

	stale, err := s.repo.ListStale(ctx, s.db, now.Add(-tuning.StaleAfter), limit)
	if err != nil {
		return nil, err
	}

	out := make([]notificationdomain.ProcessedNotification, 0, len(stale))
	for _, row := range stale {
		if tuning.MaxRequeues > 0 && row.Attempts >= tuning.MaxRequeues {
			cause := fmt.Errorf("abandoned after %d requeues", row.Attempts)
			if err := s.MarkFailed(ctx, s.db, row.Gateway, row.IdempotencyKey, cause); err != nil && !errors.Is(err, notificationdomain.ErrNotProcessing) {
				return out, err
			}
			s.log.Warn("stale notification abandoned",
				zap.String("gateway", string(row.Gateway)),
				zap.String("idempotency_key", row.IdempotencyKey),
			)
			continue
		}
		touched, err := s.repo.Touch(ctx, s.db, row.Gateway, row.IdempotencyKey, now)
		if err != nil {
			return out, err
		}
		if touched {
			row.Attempts++
			row.UpdatedAt = now
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Service) Replay(ctx context.Context, gateway gatewaydomain.Gateway, key string) (*notificationdomain.ProcessedNotification, error) {
	key = strings.TrimSpace(key)
	ok, err := s.repo.Transition(ctx, s.db, gateway, key,
		notificationdomain.StatusFailed, notificationdomain.StatusProcessing, nil, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.Get(ctx, gateway, key); err != nil {
			return nil, err
		}
		return nil, notificationdomain.ErrNotReplayable
	}
	s.log.Info("notification replayed",
		zap.String("gateway", string(gateway)),
		zap.String("idempotency_key", key),
	)
	return s.Get(ctx, gateway, key)
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
