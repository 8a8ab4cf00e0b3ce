package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/subsync/internal/account/domain"
	auditdomain "github.com/smallbiznis/subsync/internal/audit/domain"
	"github.com/smallbiznis/subsync/internal/config"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	obslogger "github.com/smallbiznis/subsync/internal/observability/logger"
	obstracing "github.com/smallbiznis/subsync/internal/observability/tracing"
	"github.com/smallbiznis/subsync/internal/reconcile"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	txmappingdomain "github.com/smallbiznis/subsync/internal/txmapping/domain"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	pipeline        Receiver
	ledger          notificationdomain.Ledger
	subscriptionSvc subscriptiondomain.Service
	webhookSvc      webhookdomain.Service
	auditSvc        auditdomain.Service
	accountSvc      accountdomain.Service
	resolver        txmappingdomain.Resolver
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	Pipeline        *reconcile.Pipeline
	Ledger          notificationdomain.Ledger
	SubscriptionSvc subscriptiondomain.Service
	WebhookSvc      webhookdomain.Service
	AuditSvc        auditdomain.Service
	AccountSvc      accountdomain.Service
	Resolver        txmappingdomain.Resolver
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http.server"),
		pipeline:        p.Pipeline,
		ledger:          p.Ledger,
		subscriptionSvc: p.SubscriptionSvc,
		webhookSvc:      p.WebhookSvc,
		auditSvc:        p.AuditSvc,
		accountSvc:      p.AccountSvc,
		resolver:        p.Resolver,
	}

	svc.registerHealthRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/healthz", s.Healthz)
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/webhooks")

	hooks.POST("/apple", s.HandleAppleNotification)
	hooks.POST("/google", s.HandleGoogleNotification)
	hooks.POST("/stripe", s.HandleStripeNotification)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.AdminRequired())

	// -------- Users --------
	admin.POST("/users", s.CreateUser)
	admin.GET("/users/:userId", s.GetUser)

	// -------- Subscriptions --------
	admin.GET("/users/:userId/subscription", s.GetUserSubscription)
	admin.POST("/subscriptions/reset", s.ResetSubscription)
	admin.POST("/subscriptions/renew", s.RenewSubscription)
	admin.POST("/subscriptions/link", s.LinkPurchase)

	// -------- Notifications --------
	admin.GET("/notifications", s.ListNotifications)
	admin.POST("/notifications/replay", s.ReplayNotification)

	// -------- Outbound webhooks --------
	admin.GET("/webhooks", s.ListWebhookConfigurations)
	admin.POST("/webhooks", s.CreateWebhookConfiguration)
	admin.GET("/webhooks/deliveries", s.ListWebhookDeliveries)
	admin.GET("/webhooks/deliveries/:id/attempts", s.ListWebhookAttempts)
	admin.POST("/webhooks/deliveries/:id/retry", s.RetryWebhookDelivery)

	// -------- Audit --------
	admin.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
