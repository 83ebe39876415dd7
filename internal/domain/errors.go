package domain

import "errors"

// Sentinel errors returned by the intent engine and translated by the
// surface layer into the API error codes of the response envelope.
var (
	ErrIntentNotFound     = errors.New("intent not found")
	ErrMerchantNotFound   = errors.New("merchant not found")
	ErrInvalidState       = errors.New("operation not valid in current intent state")
	ErrPriceUnavailable   = errors.New("price quote unavailable or stale")
	ErrChainUnavailable   = errors.New("chain client unavailable")
	ErrValidation         = errors.New("validation failed")
	ErrDepositObserved    = errors.New("cannot cancel: deposit already observed")
	ErrReconcileRequired  = errors.New("intent flagged for manual reconciliation")
)
