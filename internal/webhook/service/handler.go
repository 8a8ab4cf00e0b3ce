package service

import (
	"context"

	"github.com/smallbiznis/subsync/internal/events"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
)

// EventHandler plugs the fan-out into the event router.
type EventHandler struct {
	svc webhookdomain.Service
}

func NewEventHandler(svc webhookdomain.Service) *EventHandler {
	return &EventHandler{svc: svc}
}

func (h *EventHandler) Name() string { return "webhook" }

func (h *EventHandler) Handle(ctx context.Context, rec events.Record) error {
	_, err := h.svc.ProcessWebhook(ctx, rec)
	return err
}
