package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEventType names the domain occurrence a WebhookEvent notifies a
// merchant about.
type WebhookEventType string

const (
	EventPaymentProcessing WebhookEventType = "payment.processing"
	EventPaymentSucceeded  WebhookEventType = "payment.succeeded"
	EventPaymentFailed     WebhookEventType = "payment.failed"
	EventPaymentCanceled   WebhookEventType = "payment.canceled"
	EventPaymentRefunded   WebhookEventType = "payment.refunded"
)

// WebhookStatus is the delivery state of a WebhookEvent.
type WebhookStatus string

const (
	WebhookPending  WebhookStatus = "PENDING"
	WebhookDelivered WebhookStatus = "DELIVERED"
	WebhookFailed   WebhookStatus = "FAILED"
	WebhookRetrying WebhookStatus = "RETRYING"
)

// WebhookEvent records one at-least-once notification owed to a merchant.
// Rows are never deleted; terminal DELIVERED/FAILED rows remain for audit.
type WebhookEvent struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey"`
	IntentID         uuid.UUID        `gorm:"type:uuid;index;not null"`
	MerchantID       uuid.UUID        `gorm:"type:uuid;index;not null"`
	Type             WebhookEventType `gorm:"size:32;not null"`
	Payload          []byte           `gorm:"type:jsonb;not null"`
	Status           WebhookStatus    `gorm:"size:16;index;not null"`
	Attempts         int              `gorm:"not null;default:0"`
	NextAttemptAt    time.Time        `gorm:"index;not null"`
	LastResponseCode int              `gorm:"not null;default:0"`
	DeliveredAt      *time.Time
	CreatedAt        time.Time `gorm:"index;not null"`
}

// TableName pins the gorm table name.
func (WebhookEvent) TableName() string { return "webhook_events" }
