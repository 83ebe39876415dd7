package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutStatus is the lifecycle state of a batched merchant payout.
type PayoutStatus string

const (
	PayoutStatusPending PayoutStatus = "PENDING"
	PayoutStatusSent    PayoutStatus = "SENT"
	PayoutStatusFailed  PayoutStatus = "FAILED"
)

// Payout is an aggregated on-chain transfer from the gateway wallet to a
// merchant's payout wallet, batching one or more SUCCEEDED intents.
type Payout struct {
	ID         uuid.UUID    `gorm:"type:uuid;primaryKey"`
	MerchantID uuid.UUID    `gorm:"type:uuid;index;not null"`
	IntentIDs  []string     `gorm:"serializer:json"`
	Gross      int64        `gorm:"not null"`
	Fee        int64        `gorm:"not null"`
	Net        int64        `gorm:"not null"`
	Status     PayoutStatus `gorm:"size:16;index;not null"`
	TxHash     string       `gorm:"size:80"`
	CreatedAt  time.Time    `gorm:"index;not null"`
}

// TableName pins the gorm table name.
func (Payout) TableName() string { return "payouts" }
