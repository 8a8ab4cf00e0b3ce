package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/subsync/internal/cache"
	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/events"
	"github.com/smallbiznis/subsync/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
	"github.com/smallbiznis/subsync/internal/webhook/format"
	"github.com/smallbiznis/subsync/internal/webhook/signature"
	"github.com/smallbiznis/subsync/pkg/secretbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	sweepLockKey = "subsync:lock:webhook-sweep"
	userAgent    = "subsync-webhooks/1.0"
)

var tracer = otel.Tracer("subsync/webhook")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  *config.ReconcileConfigHolder
	Repo    webhookdomain.Repository
	Box     *secretbox.Box
	Queue   *Queue           `optional:"true"`
	Locker  *cache.Locker    `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
	Client  *http.Client     `name:"webhook_http_client" optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       *config.ReconcileConfigHolder
	repo      webhookdomain.Repository
	box       *secretbox.Box
	queue     *Queue
	locker    *cache.Locker
	metrics   *metrics.Metrics
	client    *http.Client
	validator *validator.Validate
}

func New(p Params) webhookdomain.Service {
	client := p.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("webhook.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		repo:      p.Repo,
		box:       p.Box,
		queue:     p.Queue,
		locker:    p.Locker,
		metrics:   p.Metrics,
		client:    client,
		validator: validator.New(),
	}
}

func (s *Service) CreateConfiguration(ctx context.Context, req webhookdomain.CreateConfigurationRequest) (*webhookdomain.Configuration, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	req.ProviderType = strings.ToUpper(strings.TrimSpace(req.ProviderType))
	if err := s.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", webhookdomain.ErrInvalidConfiguration, err)
	}

	seen := map[string]struct{}{}
	types := make([]string, 0, len(req.SubscribedEventTypes))
	for _, raw := range req.SubscribedEventTypes {
		t := strings.ToUpper(strings.TrimSpace(raw))
		if !events.IsKnownEventType(events.EventType(t)) {
			return nil, fmt.Errorf("%w: %s", webhookdomain.ErrUnknownEventType, raw)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	sort.Strings(types)
	encodedTypes, err := json.Marshal(types)
	if err != nil {
		return nil, err
	}

	sealed, err := s.box.Seal(req.Secret)
	if err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.Get().Webhook.MaxRetries
	}
	base := req.RetryDelayBaseSeconds
	if base <= 0 {
		base = defaultDelayBaseSeconds
	}

	now := s.clock.Now()
	cfg := &webhookdomain.Configuration{
		ID:                    s.genID.Generate(),
		Name:                  req.Name,
		Endpoint:              req.Endpoint,
		Secret:                sealed,
		ProviderType:          webhookdomain.ProviderType(req.ProviderType),
		SubscribedEventTypes:  datatypes.JSON(encodedTypes),
		MaxRetries:            maxRetries,
		RetryDelayBaseSeconds: base,
		IsActive:              true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.InsertConfiguration(ctx, s.db, cfg); err != nil {
		return nil, err
	}
	s.log.Info("webhook configuration created",
		zap.String("config_id", cfg.ID.String()),
		zap.String("provider_type", string(cfg.ProviderType)),
		zap.Strings("event_types", types),
	)
	return cfg, nil
}

func (s *Service) ListConfigurations(ctx context.Context) ([]webhookdomain.Configuration, error) {
	return s.repo.ListConfigurations(ctx, s.db, false)
}

func (s *Service) ProcessWebhook(ctx context.Context, rec events.Record) (int, error) {
	configs, err := s.repo.ListConfigurations(ctx, s.db, true)
	if err != nil {
		return 0, err
	}

	env := format.FromRecord(rec)
	now := s.clock.Now()
	created := 0
	for _, cfg := range configs {
		if !cfg.Subscribes(rec.EventType) {
			continue
		}
		formatter, err := format.For(cfg.ProviderType)
		if err != nil {
			s.log.Warn("skipping configuration", zap.String("config_id", cfg.ID.String()), zap.Error(err))
			continue
		}
		body, err := formatter.Format(env)
		if err != nil {
			return created, fmt.Errorf("format %s: %w", cfg.ProviderType, err)
		}

		next := now
		delivery := &webhookdomain.Delivery{
			ID:            s.genID.Generate(),
			ConfigID:      cfg.ID,
			EventID:       env.EventID,
			EventType:     rec.EventType,
			Payload:       string(body),
			Status:        webhookdomain.DeliveryPending,
			NextAttemptAt: &next,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		inserted, err := s.repo.InsertDelivery(ctx, s.db, delivery)
		if err != nil {
			return created, err
		}
		if !inserted {
			continue
		}
		created++
		s.queue.Enqueue(delivery.ID)
	}
	return created, nil
}

func (s *Service) Deliver(ctx context.Context, id snowflake.ID) (webhookdomain.Result, error) {
	tuning := s.cfg.Get().Webhook
	now := s.clock.Now()

	leaseUntil := now.Add(tuning.LeaseTTL).Truncate(time.Microsecond)
	leased, err := s.repo.Lease(ctx, s.db, id, now, leaseUntil)
	if err != nil {
		return webhookdomain.Result{}, err
	}
	delivery, err := s.repo.FindDelivery(ctx, s.db, id)
	if err != nil {
		return webhookdomain.Result{}, err
	}
	if delivery == nil {
		return webhookdomain.Result{}, webhookdomain.ErrDeliveryNotFound
	}
	if !leased {
		return webhookdomain.Result{Status: delivery.Status}, nil
	}

	ctx, span := tracer.Start(ctx, "webhook.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("delivery_id", id.String()),
		attribute.String("event_type", string(delivery.EventType)),
		attribute.Int("attempt", delivery.RetryCount+1),
	)

	cfg, err := s.repo.FindConfiguration(ctx, s.db, delivery.ConfigID)
	if err != nil {
		return webhookdomain.Result{}, err
	}
	if cfg == nil || !cfg.IsActive {
		return s.abandon(ctx, delivery, leaseUntil, "configuration missing or inactive")
	}
	secret, err := s.box.Open(cfg.Secret)
	if err != nil {
		return s.abandon(ctx, delivery, leaseUntil, "configuration secret unreadable: "+err.Error())
	}

	attemptNo := delivery.RetryCount + 1
	started := time.Now()
	statusCode, respBody, sendErr := s.send(ctx, cfg, delivery, secret, attemptNo, tuning)
	elapsed := time.Since(started)

	finished := s.clock.Now()
	delivery.LastAttemptAt = &finished
	delivery.UpdatedAt = finished
	if statusCode > 0 {
		code := statusCode
		delivery.ResponseStatus = &code
	}
	if respBody != "" {
		delivery.ResponseData = &respBody
	} else {
		delivery.ResponseData = nil
	}

	var failure error
	switch {
	case sendErr != nil:
		failure = fmt.Errorf("%w: %v", webhookdomain.ErrDeliveryFailure, sendErr)
	case statusCode < 200 || statusCode > 299:
		failure = fmt.Errorf("%w: status %d", webhookdomain.ErrDeliveryFailure, statusCode)
	}

	if failure == nil {
		delivery.Status = webhookdomain.DeliverySuccess
		delivery.NextAttemptAt = nil
		delivery.ErrorMessage = nil
	} else {
		msg := failure.Error()
		delivery.ErrorMessage = &msg
		delivery.RetryCount++
		maxRetries := cfg.MaxRetries
		if maxRetries <= 0 {
			maxRetries = tuning.MaxRetries
		}
		if delivery.RetryCount < maxRetries {
			next := finished.Add(NextDelay(tuning.Backoff, delivery.RetryCount, cfg.RetryDelayBaseSeconds))
			delivery.Status = webhookdomain.DeliveryPendingRetry
			delivery.NextAttemptAt = &next
		} else {
			delivery.Status = webhookdomain.DeliveryFailed
			delivery.NextAttemptAt = nil
		}
		span.RecordError(failure)
		span.SetStatus(codes.Error, msg)
	}

	attempt := &webhookdomain.Attempt{
		ID:         s.genID.Generate(),
		DeliveryID: delivery.ID,
		Attempt:    attemptNo,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  finished,
	}
	if statusCode > 0 {
		code := statusCode
		attempt.StatusCode = &code
	}
	if respBody != "" {
		attempt.ResponseBody = &respBody
	}
	if failure != nil {
		msg := failure.Error()
		attempt.Error = &msg
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		ok, err := s.repo.Complete(ctx, tx, delivery, leaseUntil)
		if err != nil {
			return err
		}
		if !ok {
			return webhookdomain.ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, webhookdomain.ErrLeaseLost) {
			s.log.Warn("webhook lease lost, outcome discarded",
				zap.String("delivery_id", delivery.ID.String()),
				zap.Int("attempt", attemptNo),
			)
		}
		return webhookdomain.Result{Attempted: true}, err
	}

	result := "success"
	if failure != nil {
		result = "failure"
	}
	s.metrics.ObserveWebhookAttempt(string(cfg.ProviderType), result, elapsed)
	if delivery.Status.Terminal() {
		s.metrics.IncWebhookTerminal(string(cfg.ProviderType), string(delivery.Status))
	}

	fields := []zap.Field{
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("config_id", cfg.ID.String()),
		zap.String("event_type", string(delivery.EventType)),
		zap.Int("attempt", attemptNo),
		zap.String("status", string(delivery.Status)),
	}
	if failure != nil {
		s.log.Warn("webhook attempt failed", append(fields, zap.Error(failure))...)
	} else {
		s.log.Info("webhook delivered", fields...)
	}

	return webhookdomain.Result{Attempted: true, Status: delivery.Status}, nil
}

func (s *Service) send(ctx context.Context, cfg *webhookdomain.Configuration, delivery *webhookdomain.Delivery, secret string, attempt int, tuning config.WebhookTuning) (int, string, error) {
	timeout := tuning.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := []byte(delivery.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, string(delivery.EventType))
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	req.Header.Set(HeaderDelivery, delivery.ID.String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(s.clock.Now().Unix(), 10))
	req.Header.Set(HeaderSignature, signature.Sign(body, secret))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	limit := tuning.MaxBodySize
	if limit <= 0 {
		limit = 4096
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(limit)))
	return resp.StatusCode, truncate(string(raw), limit), nil
}

// abandon fails a delivery that can never be sent without burning retries.
func (s *Service) abandon(ctx context.Context, delivery *webhookdomain.Delivery, leaseUntil time.Time, reason string) (webhookdomain.Result, error) {
	now := s.clock.Now()
	delivery.Status = webhookdomain.DeliveryFailed
	delivery.NextAttemptAt = nil
	delivery.ErrorMessage = &reason
	delivery.UpdatedAt = now
	ok, err := s.repo.Complete(ctx, s.db, delivery, leaseUntil)
	if err != nil {
		return webhookdomain.Result{}, err
	}
	if !ok {
		return webhookdomain.Result{}, webhookdomain.ErrLeaseLost
	}
	s.log.Warn("webhook delivery abandoned",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("reason", reason),
	)
	return webhookdomain.Result{Status: delivery.Status}, nil
}

// SweepDue hands due deliveries to the workers, or delivers inline when no
// pool is running. Only one instance sweeps at a time when Redis is present.
func (s *Service) SweepDue(ctx context.Context) (int, error) {
	tuning := s.cfg.Get().Webhook
	handled := 0
	_, err := s.locker.WithLock(ctx, sweepLockKey, tuning.LeaseTTL, func(ctx context.Context) error {
		ids, err := s.repo.ListDue(ctx, s.db, s.clock.Now(), tuning.SweepBatch)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if s.queue != nil {
				if s.queue.Enqueue(id) {
					handled++
				}
				continue
			}
			res, err := s.Deliver(ctx, id)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.log.Warn("sweep delivery failed", zap.String("delivery_id", id.String()), zap.Error(err))
				continue
			}
			if res.Attempted {
				handled++
			}
		}
		return nil
	})
	return handled, err
}

func (s *Service) ListDeliveries(ctx context.Context, filter webhookdomain.DeliveryFilter) ([]webhookdomain.Delivery, error) {
	return s.repo.ListDeliveries(ctx, s.db, filter)
}

func (s *Service) ListAttempts(ctx context.Context, deliveryID snowflake.ID) ([]webhookdomain.Attempt, error) {
	return s.repo.ListAttempts(ctx, s.db, deliveryID)
}

func (s *Service) RetryDelivery(ctx context.Context, id snowflake.ID) (*webhookdomain.Delivery, error) {
	ok, err := s.repo.Rearm(ctx, s.db, id, s.clock.Now())
	if err != nil {
		return nil, err
	}
	delivery, err := s.repo.FindDelivery(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, webhookdomain.ErrDeliveryNotFound
	}
	if !ok {
		return nil, webhookdomain.ErrDeliveryNotRetryable
	}
	s.queue.Enqueue(id)
	s.log.Info("webhook delivery re-armed", zap.String("delivery_id", id.String()))
	return delivery, nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) && len(s) > 0 {
		s = s[:len(s)-1]
	}
	return s
}
