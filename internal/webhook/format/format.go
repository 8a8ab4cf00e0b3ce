// Package format renders domain events into the body shape each receiver
// type expects.
package format

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/subsync/internal/events"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
)

// Envelope is the receiver-neutral view of a domain event.
type Envelope struct {
	EventID    string
	EventType  events.EventType
	OccurredAt time.Time
	Data       map[string]any
}

func FromRecord(rec events.Record) Envelope {
	data := map[string]any{}
	for k, v := range rec.Payload {
		data[k] = v
	}
	return Envelope{
		EventID:    rec.EventID(),
		EventType:  rec.EventType,
		OccurredAt: rec.CreatedAt.UTC(),
		Data:       data,
	}
}

type Formatter interface {
	Format(env Envelope) ([]byte, error)
}

type FormatterFunc func(env Envelope) ([]byte, error)

func (f FormatterFunc) Format(env Envelope) ([]byte, error) { return f(env) }

var formatters = map[webhookdomain.ProviderType]Formatter{
	webhookdomain.ProviderGeneric: FormatterFunc(Generic),
	webhookdomain.ProviderSlack:   FormatterFunc(Slack),
	webhookdomain.ProviderCRM:     FormatterFunc(CRM),
}

func For(provider webhookdomain.ProviderType) (Formatter, error) {
	f, ok := formatters[provider]
	if !ok {
		return nil, webhookdomain.ErrUnsupportedProvider
	}
	return f, nil
}

// Generic is a flat JSON envelope.
func Generic(env Envelope) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":         env.EventID,
		"type":       env.EventType,
		"created_at": env.OccurredAt.Format(time.RFC3339),
		"data":       env.Data,
	})
}

// Slack renders an incoming-webhook message with a text fallback.
func Slack(env Envelope) ([]byte, error) {
	summary := Summary(env)

	fields := []map[string]any{}
	for _, key := range []string{"status", "plan_ref", "gateway", "expires_at"} {
		if v := stringField(env.Data, key); v != "" {
			fields = append(fields, map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s*\n%s", humanize(key), v),
			})
		}
	}

	blocks := []map[string]any{
		{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": summary},
		},
	}
	if len(fields) > 0 {
		blocks = append(blocks, map[string]any{"type": "section", "fields": fields})
	}
	blocks = append(blocks, map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("%s · %s", env.EventID, env.OccurredAt.Format(time.RFC3339))},
		},
	})

	return json.Marshal(map[string]any{
		"text":   summary,
		"blocks": blocks,
	})
}

// CRM maps the event onto a contact upsert with custom fields.
func CRM(env Envelope) ([]byte, error) {
	custom := map[string]any{
		"subscription_status": stringField(env.Data, "status"),
		"subscription_plan":   stringField(env.Data, "plan_ref"),
		"subscription_expiry": stringField(env.Data, "expires_at"),
		"payment_gateway":     stringField(env.Data, "gateway"),
		"auto_renew":          env.Data["auto_renew"],
		"last_event":          string(env.EventType),
	}
	return json.Marshal(map[string]any{
		"event":       env.EventType,
		"event_id":    env.EventID,
		"occurred_at": env.OccurredAt.Format(time.RFC3339),
		"contact": map[string]any{
			"external_id":     stringField(env.Data, "user_id"),
			"subscription_id": stringField(env.Data, "subscription_id"),
		},
		"custom_fields": custom,
	})
}

// Summary is the one-line human text used by chat receivers.
func Summary(env Envelope) string {
	user := stringField(env.Data, "user_id")
	status := stringField(env.Data, "status")
	plan := stringField(env.Data, "plan_ref")

	var b strings.Builder
	b.WriteString(humanize(strings.ToLower(string(env.EventType))))
	if user != "" {
		b.WriteString(" for user ")
		b.WriteString(user)
	}
	if plan != "" {
		b.WriteString(" on ")
		b.WriteString(plan)
	}
	if status != "" {
		b.WriteString(" (")
		b.WriteString(status)
		b.WriteString(")")
	}
	return b.String()
}

func stringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func humanize(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
