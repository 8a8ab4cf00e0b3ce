package format

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/smallbiznis/subsync/internal/events"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope() Envelope {
	return Envelope{
		EventID:    "evt_42",
		EventType:  events.EventSubscriptionRenewed,
		OccurredAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Data: map[string]any{
			"user_id":    "7",
			"status":     "ACTIVE",
			"plan_ref":   "monthly",
			"gateway":    "APPLE",
			"auto_renew": true,
		},
	}
}

func TestGeneric(t *testing.T) {
	body, err := Generic(envelope())
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "evt_42", out["id"])
	assert.Equal(t, "SUBSCRIPTION_RENEWED", out["type"])
	assert.Equal(t, "ACTIVE", out["data"].(map[string]any)["status"])
}

func TestSlack(t *testing.T) {
	body, err := Slack(envelope())
	require.NoError(t, err)

	var out struct {
		Text   string           `json:"text"`
		Blocks []map[string]any `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "Subscription Renewed for user 7 on monthly (ACTIVE)", out.Text)
	assert.Len(t, out.Blocks, 3)
}

func TestCRM(t *testing.T) {
	body, err := CRM(envelope())
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "7", out["contact"].(map[string]any)["external_id"])
	fields := out["custom_fields"].(map[string]any)
	assert.Equal(t, "monthly", fields["subscription_plan"])
	assert.Equal(t, true, fields["auto_renew"])
}

func TestFor(t *testing.T) {
	for _, p := range []webhookdomain.ProviderType{webhookdomain.ProviderGeneric, webhookdomain.ProviderSlack, webhookdomain.ProviderCRM} {
		_, err := For(p)
		assert.NoError(t, err)
	}
	_, err := For("TEAMS")
	assert.ErrorIs(t, err, webhookdomain.ErrUnsupportedProvider)
}
