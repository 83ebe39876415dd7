// Package domain defines the payment-intent data model shared by the
// intent engine, the event ingestor, the webhook dispatcher and the
// scheduler.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Intent. Transitions are owned
// exclusively by the intent engine; see IntentEngine.OnChainEvent and
// friends for the admissible edges.
type Status string

const (
	StatusRequiresPayment Status = "REQUIRES_PAYMENT"
	StatusProcessing      Status = "PROCESSING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailed          Status = "FAILED"
	StatusCanceled        Status = "CANCELED"
	StatusExpired         Status = "EXPIRED"
	StatusRefunded        Status = "REFUNDED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusRequiresPayment, StatusProcessing, StatusSucceeded, StatusFailed,
		StatusCanceled, StatusExpired, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusExpired, StatusRefunded:
		return true
	default:
		return false
	}
}

// FiatCurrency enumerates the fiat denominations an intent may be priced in.
type FiatCurrency string

const (
	FiatUSD FiatCurrency = "usd"
	FiatEUR FiatCurrency = "eur"
	FiatGBP FiatCurrency = "gbp"
	FiatJPY FiatCurrency = "jpy"
)

// Valid reports whether c is a supported fiat currency.
func (c FiatCurrency) Valid() bool {
	switch c {
	case FiatUSD, FiatEUR, FiatGBP, FiatJPY:
		return true
	default:
		return false
	}
}

// IntegerOnly reports whether the currency has zero minor-unit decimal places.
func (c FiatCurrency) IntegerOnly() bool {
	return c == FiatJPY
}

// ReleaseMethod governs what happens to a PROCESSING intent once its hold
// window has elapsed.
type ReleaseMethod string

const (
	ReleaseAuto   ReleaseMethod = "AUTO"
	ReleaseManual ReleaseMethod = "MANUAL"
)

// Valid reports whether m is a known release method.
func (m ReleaseMethod) Valid() bool {
	return m == ReleaseAuto || m == ReleaseManual
}

// CryptoCurrency enumerates the chain-native assets the escrow contract can hold.
type CryptoCurrency string

const (
	CryptoDOT CryptoCurrency = "dot"
	CryptoKSM CryptoCurrency = "ksm"
)

// Valid reports whether c is a supported crypto asset.
func (c CryptoCurrency) Valid() bool {
	return c == CryptoDOT || c == CryptoKSM
}

// Metadata is an opaque merchant-supplied key/value mapping persisted
// alongside the intent and echoed back in API responses and webhooks.
type Metadata map[string]string

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Intent is the central entity of the gateway: a merchant-initiated record
// of an expected payment, bound to an on-chain escrow position.
type Intent struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey"`
	MerchantID       uuid.UUID      `gorm:"type:uuid;index;not null"`
	FiatAmount       int64          `gorm:"not null"`
	FiatCurrency     FiatCurrency   `gorm:"size:8;not null"`
	CryptoAmount     string         `gorm:"size:64;not null"`
	CryptoCurrency   CryptoCurrency `gorm:"size:8;not null"`
	QuoteRate        string         `gorm:"size:96;not null"`
	QuoteTakenAt     time.Time      `gorm:"not null"`
	Status           Status         `gorm:"size:24;index;not null"`
	EscrowPaymentID  *int64         `gorm:"index"`
	EscrowCreationTx string         `gorm:"size:80;index"`
	ReleaseTx        string         `gorm:"size:80"`
	RefundTx         string         `gorm:"size:80"`
	DepositAddress   string         `gorm:"size:80"`
	ExpiresAt        time.Time      `gorm:"index;not null"`
	ReleaseMethod    ReleaseMethod  `gorm:"size:8;not null"`
	Metadata         Metadata       `gorm:"serializer:json"`
	FailureReason    string         `gorm:"size:256"`
	ReconcileRequired bool          `gorm:"index;not null;default:false"`
	PayoutID         *uuid.UUID     `gorm:"type:uuid;index"`
	CreatedAt        time.Time      `gorm:"index;not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

// TableName pins the gorm table name independent of struct naming conventions.
func (Intent) TableName() string { return "intents" }

// Clone returns a deep copy of the intent suitable for snapshotting into a
// webhook payload without aliasing mutable fields.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	if i.EscrowPaymentID != nil {
		id := *i.EscrowPaymentID
		clone.EscrowPaymentID = &id
	}
	if i.PayoutID != nil {
		id := *i.PayoutID
		clone.PayoutID = &id
	}
	clone.Metadata = i.Metadata.Clone()
	return &clone
}
