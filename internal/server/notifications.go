package server

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	"github.com/smallbiznis/subsync/internal/reconcile"
	"go.uber.org/zap"
)

// maxNotificationBody bounds inbound provider payloads.
const maxNotificationBody = 1 << 20

// Receiver is the part of the reconcile pipeline the HTTP edge needs.
type Receiver interface {
	Receive(ctx context.Context, gw gatewaydomain.Gateway, payload []byte, headers http.Header) (reconcile.Receipt, error)
	Replay(ctx context.Context, gw gatewaydomain.Gateway, key string) (*notificationdomain.ProcessedNotification, error)
}

func (s *Server) HandleAppleNotification(c *gin.Context) {
	s.receive(c, gatewaydomain.GatewayApple)
}

func (s *Server) HandleGoogleNotification(c *gin.Context) {
	s.receive(c, gatewaydomain.GatewayGoogle)
}

func (s *Server) HandleStripeNotification(c *gin.Context) {
	s.receive(c, gatewaydomain.GatewayStripe)
}

// receive always answers 200 so providers never retry on our account; every
// failure is recorded in the log or the ledger instead.
func (s *Server) receive(c *gin.Context, gw gatewaydomain.Gateway) {
	c.Set("gateway", string(gw))
	defer c.JSON(http.StatusOK, gin.H{"received": true})

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBody))
	if err != nil {
		s.log.Warn("read notification body", zap.String("gateway", string(gw)), zap.Error(err))
		return
	}

	receipt, err := s.pipeline.Receive(c.Request.Context(), gw, payload, c.Request.Header)
	if err != nil {
		s.log.Warn("notification rejected",
			zap.String("gateway", string(gw)),
			zap.Int("bytes", len(payload)),
			zap.Error(err),
		)
		return
	}
	s.log.Debug("notification received",
		zap.String("gateway", string(gw)),
		zap.String("idempotency_key", receipt.Key),
		zap.String("kind", string(receipt.Kind)),
		zap.Bool("admitted", receipt.Admitted),
		zap.Bool("queued", receipt.Queued),
	)
}
