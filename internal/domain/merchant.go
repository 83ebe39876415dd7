package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutSchedule governs how often a merchant's settled intents are batched
// into an on-chain payout by the scheduler's payout-batch job.
type PayoutSchedule string

const (
	PayoutManual PayoutSchedule = "MANUAL"
	PayoutDaily  PayoutSchedule = "DAILY"
	PayoutWeekly PayoutSchedule = "WEEKLY"
)

// Valid reports whether s is a known payout cadence.
func (s PayoutSchedule) Valid() bool {
	switch s {
	case PayoutManual, PayoutDaily, PayoutWeekly:
		return true
	default:
		return false
	}
}

// Merchant is read-only to the core: it is provisioned and rotated by an
// out-of-scope onboarding surface, and consumed here only for intent
// creation, fee computation and payout/webhook routing.
type Merchant struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	WalletAddress   string         `gorm:"size:64;not null"`
	WebhookURL      string         `gorm:"size:512"`
	WebhookSecret   string         `gorm:"size:128"`
	PlatformFeeBps  int32          `gorm:"not null;default:0"`
	PayoutSchedule  PayoutSchedule `gorm:"size:16;not null"`
	MinPayoutAmount int64          `gorm:"not null;default:0"`
	APIKeyHash      string         `gorm:"size:128;uniqueIndex"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName pins the gorm table name.
func (Merchant) TableName() string { return "merchants" }
