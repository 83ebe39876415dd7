package domain

import "testing"

func TestPayoutTableName(t *testing.T) {
	if Payout{}.TableName() != "payouts" {
		t.Errorf("unexpected table name %q", Payout{}.TableName())
	}
}

func TestWebhookEventTableName(t *testing.T) {
	if WebhookEvent{}.TableName() != "webhook_events" {
		t.Errorf("unexpected table name %q", WebhookEvent{}.TableName())
	}
}
