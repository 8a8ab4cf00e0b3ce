package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/subsync/internal/account/domain"
	auditdomain "github.com/smallbiznis/subsync/internal/audit/domain"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
	"go.uber.org/zap"
)

func (s *Server) CreateUser(c *gin.Context) {
	var req accountdomain.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	user, err := s.accountSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.Entry{
		Action:     auditdomain.ActionUserCreate,
		TargetType: auditdomain.TargetUser,
		TargetID:   user.ID.String(),
	})
	c.JSON(http.StatusCreated, gin.H{"data": user})
}

func (s *Server) GetUser(c *gin.Context) {
	user, err := s.accountSvc.GetByID(c.Request.Context(), c.Param("userId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	mappings, err := s.resolver.ListByUser(c.Request.Context(), user.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": user, "transaction_mappings": mappings})
}

func (s *Server) GetUserSubscription(c *gin.Context) {
	userID, err := parseSnowflakeID(c.Param("userId"))
	if err != nil {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user_id"))
		return
	}

	sub, err := s.subscriptionSvc.GetByUser(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ResetSubscription(c *gin.Context) {
	var req subscriptiondomain.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.PlanRef = strings.TrimSpace(req.PlanRef)

	sub, err := s.subscriptionSvc.Reset(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("subscription reset by operator",
		zap.String("user_id", req.UserID.String()),
		zap.String("subscription_id", sub.ID.String()),
	)
	s.recordAudit(c, auditdomain.Entry{
		Action:     auditdomain.ActionSubscriptionReset,
		TargetType: auditdomain.TargetSubscription,
		TargetID:   sub.ID.String(),
		Metadata:   map[string]any{"user_id": req.UserID.String(), "plan_ref": sub.PlanRef},
	})
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) RenewSubscription(c *gin.Context) {
	var req subscriptiondomain.RenewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.PlanRef = strings.TrimSpace(req.PlanRef)

	sub, err := s.subscriptionSvc.RenewByOperator(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("subscription renewed by operator",
		zap.String("user_id", req.UserID.String()),
		zap.String("subscription_id", sub.ID.String()),
	)
	s.recordAudit(c, auditdomain.Entry{
		Action:     auditdomain.ActionSubscriptionRenew,
		TargetType: auditdomain.TargetSubscription,
		TargetID:   sub.ID.String(),
		Metadata:   map[string]any{"user_id": req.UserID.String(), "plan_ref": sub.PlanRef},
	})
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) LinkPurchase(c *gin.Context) {
	var req struct {
		UserID                 snowflake.ID `json:"user_id"`
		Gateway                string       `json:"gateway"`
		OriginalTransactionRef string       `json:"original_transaction_ref"`
		TransactionRef         string       `json:"transaction_ref"`
		ProductRef             string       `json:"product_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	gw, err := gatewaydomain.ParseGateway(req.Gateway)
	if err != nil {
		AbortWithError(c, newValidationError("gateway", "invalid_gateway", "invalid gateway"))
		return
	}

	sub, err := s.subscriptionSvc.LinkPurchase(c.Request.Context(), subscriptiondomain.LinkPurchaseRequest{
		UserID:                 req.UserID,
		Gateway:                gw,
		OriginalTransactionRef: strings.TrimSpace(req.OriginalTransactionRef),
		TransactionRef:         strings.TrimSpace(req.TransactionRef),
		ProductRef:             strings.TrimSpace(req.ProductRef),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.Entry{
		Action:     auditdomain.ActionSubscriptionLink,
		TargetType: auditdomain.TargetSubscription,
		TargetID:   sub.ID.String(),
		Metadata: map[string]any{
			"user_id":                  req.UserID.String(),
			"gateway":                  string(gw),
			"original_transaction_ref": strings.TrimSpace(req.OriginalTransactionRef),
		},
	})
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ListNotifications(c *gin.Context) {
	var query struct {
		Gateway string `form:"gateway"`
		Status  string `form:"status"`
		Limit   int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	filter := notificationdomain.ListFilter{
		Status: notificationdomain.Status(strings.ToUpper(strings.TrimSpace(query.Status))),
		Limit:  query.Limit,
	}
	if strings.TrimSpace(query.Gateway) != "" {
		gw, err := gatewaydomain.ParseGateway(query.Gateway)
		if err != nil {
			AbortWithError(c, newValidationError("gateway", "invalid_gateway", "invalid gateway"))
			return
		}
		filter.Gateway = gw
	}

	rows, err := s.ledger.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (s *Server) ReplayNotification(c *gin.Context) {
	var req struct {
		Gateway        string `json:"gateway"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	gw, err := gatewaydomain.ParseGateway(req.Gateway)
	if err != nil {
		AbortWithError(c, newValidationError("gateway", "invalid_gateway", "invalid gateway"))
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		AbortWithError(c, newValidationError("idempotency_key", "required", "idempotency_key is required"))
		return
	}

	row, err := s.pipeline.Replay(c.Request.Context(), gw, key)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.Entry{
		Action:     auditdomain.ActionNotificationReplay,
		TargetType: auditdomain.TargetNotification,
		TargetID:   string(gw) + ":" + key,
	})
	c.JSON(http.StatusAccepted, gin.H{"data": row})
}

func (s *Server) ListWebhookConfigurations(c *gin.Context) {
	configs, err := s.webhookSvc.ListConfigurations(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": configs})
}

func (s *Server) CreateWebhookConfiguration(c *gin.Context) {
	var req webhookdomain.CreateConfigurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	cfg, err := s.webhookSvc.CreateConfiguration(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.Entry{
		Action:     auditdomain.ActionWebhookConfigCreate,
		TargetType: auditdomain.TargetWebhookConfig,
		TargetID:   cfg.ID.String(),
		Metadata: map[string]any{
			"name":          cfg.Name,
			"endpoint":      cfg.Endpoint,
			"provider_type": string(cfg.ProviderType),
			"secret":        req.Secret,
		},
	})
	c.JSON(http.StatusCreated, gin.H{"data": cfg})
}

func (s *Server) ListWebhookDeliveries(c *gin.Context) {
	var query struct {
		ConfigID string `form:"config_id"`
		Status   string `form:"status"`
		Limit    int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	filter := webhookdomain.DeliveryFilter{
		Status: webhookdomain.DeliveryStatus(strings.ToUpper(strings.TrimSpace(query.Status))),
		Limit:  query.Limit,
	}
	if strings.TrimSpace(query.ConfigID) != "" {
		id, err := parseSnowflakeID(query.ConfigID)
		if err != nil {
			AbortWithError(c, newValidationError("config_id", "invalid_config_id", "invalid config_id"))
			return
		}
		filter.ConfigID = id
	}

	rows, err := s.webhookSvc.ListDeliveries(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (s *Server) ListWebhookAttempts(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	attempts, err := s.webhookSvc.ListAttempts(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": attempts})
}

func (s *Server) RetryWebhookDelivery(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	delivery, err := s.webhookSvc.RetryDelivery(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.Entry{
		Action:     auditdomain.ActionWebhookDeliveryRetry,
		TargetType: auditdomain.TargetWebhookDelivery,
		TargetID:   id.String(),
	})
	c.JSON(http.StatusAccepted, gin.H{"data": delivery})
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var req auditdomain.ListAuditLogRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// recordAudit never fails the request; the action already happened.
func (s *Server) recordAudit(c *gin.Context, entry auditdomain.Entry) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(c.Request.Context(), entry); err != nil {
		s.log.Warn("audit log write failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || parsed <= 0 {
		return 0, ErrInvalidRequest
	}
	return snowflake.ID(parsed), nil
}
