// Package intentengine implements IntentEngine: the authoritative state
// machine for payment intents. Every mutation of a given intent is
// serialized by a per-id lock (spec invariant I5); reads go straight to the
// store's transactional snapshot.
package intentengine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"paymentgateway/internal/chainclient"
	"paymentgateway/internal/domain"
	"paymentgateway/internal/priceoracle"
	"paymentgateway/internal/store"
)

// RateOracle is the subset of priceoracle.Aggregator the engine depends on.
type RateOracle interface {
	Rate(fiat, crypto string) (priceoracle.Quote, error)
}

// WebhookEmitter is the subset of the webhook dispatcher the engine depends
// on, kept as a narrow local interface to avoid an import cycle with
// internal/webhook.
type WebhookEmitter interface {
	Emit(ctx context.Context, intent *domain.Intent, eventType domain.WebhookEventType) error
}

const cryptoDecimals = 18

// Engine wires the store, the chain client, the price oracle and the
// webhook dispatcher into the transition logic of §4.1/§4.4.
type Engine struct {
	store     *store.Store
	chain     chainclient.Client
	prices    RateOracle
	webhooks  WebhookEmitter
	holdWindow time.Duration
	locks     *keyedLock
}

// New constructs an IntentEngine.
func New(st *store.Store, chain chainclient.Client, prices RateOracle, webhooks WebhookEmitter, holdWindow time.Duration) *Engine {
	return &Engine{
		store:      st,
		chain:      chain,
		prices:     prices,
		webhooks:   webhooks,
		holdWindow: holdWindow,
		locks:      newKeyedLock(),
	}
}

func minorUnitExponent(fiat domain.FiatCurrency) int {
	if fiat.IntegerOnly() {
		return 0
	}
	return 2
}

// computeCryptoAmount converts a fiat minor-unit amount into a chain-native
// decimal string at the given rate, truncating (never rounding up) to
// cryptoDecimals places, per spec §4.1.
func computeCryptoAmount(fiatAmount int64, fiat domain.FiatCurrency, rate *big.Rat) (string, error) {
	if rate == nil || rate.Sign() <= 0 {
		return "", domain.ErrPriceUnavailable
	}
	exp := minorUnitExponent(fiat)
	fiatMajor := new(big.Rat).SetFrac(big.NewInt(fiatAmount), pow10(exp))
	amount := new(big.Rat).Quo(fiatMajor, rate)
	return truncateRat(amount, cryptoDecimals), nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// truncateRat formats r as a decimal string with at most places fractional
// digits, truncating (not rounding) any remainder.
func truncateRat(r *big.Rat, places int) string {
	scale := pow10(places)
	scaled := new(big.Int).Mul(r.Num(), scale)
	scaled.Quo(scaled, r.Denom())

	neg := scaled.Sign() < 0
	if neg {
		scaled.Neg(scaled)
	}
	digits := scaled.String()
	for len(digits) <= places {
		digits = "0" + digits
	}
	intPart := digits[:len(digits)-places]
	fracPart := digits[len(digits)-places:]
	fracPart = strings.TrimRight(fracPart, "0")

	out := intPart
	if fracPart != "" {
		out = out + "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out
}

func validateFiatAmount(amount int64) error {
	if amount < 1 || amount > 99_999_999 {
		return fmt.Errorf("%w: fiat_amount out of range", domain.ErrValidation)
	}
	return nil
}

// Create opens a new payment intent, as described in §4.1. releaseMethod
// selects whether the intent auto-releases once its hold window elapses
// (ReleaseAuto) or waits for an explicit Confirm (ReleaseManual); an empty
// value defaults to ReleaseAuto.
func (e *Engine) Create(ctx context.Context, merchantID string, fiatAmount int64, fiat domain.FiatCurrency, crypto domain.CryptoCurrency, releaseMethod domain.ReleaseMethod, metadata domain.Metadata) (*domain.Intent, error) {
	if !fiat.Valid() {
		return nil, fmt.Errorf("%w: unsupported fiat currency %q", domain.ErrValidation, fiat)
	}
	if !crypto.Valid() {
		return nil, fmt.Errorf("%w: unsupported crypto currency %q", domain.ErrValidation, crypto)
	}
	if releaseMethod == "" {
		releaseMethod = domain.ReleaseAuto
	}
	if !releaseMethod.Valid() {
		return nil, fmt.Errorf("%w: unsupported release method %q", domain.ErrValidation, releaseMethod)
	}
	if err := validateFiatAmount(fiatAmount); err != nil {
		return nil, err
	}

	merchant, err := e.store.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	quote, err := e.prices.Rate(string(fiat), string(crypto))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPriceUnavailable, err)
	}

	cryptoAmount, err := computeCryptoAmount(fiatAmount, fiat, quote.Rate)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	intent := &domain.Intent{
		ID:            uuid.New(),
		MerchantID:    merchant.ID,
		FiatAmount:    fiatAmount,
		FiatCurrency:  fiat,
		CryptoAmount:  cryptoAmount,
		CryptoCurrency: crypto,
		QuoteRate:     quote.Rate.RatString(),
		QuoteTakenAt:  quote.TakenAt,
		Status:        domain.StatusRequiresPayment,
		DepositAddress: e.chain.ContractAddress(),
		ExpiresAt:     now.Add(e.holdWindow),
		ReleaseMethod: releaseMethod,
		Metadata:      metadata.Clone(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	txHash, err := e.chain.CreatePayment(ctx, merchant.WalletAddress, cryptoAmount, uint32(merchant.PlatformFeeBps))
	if err != nil {
		// No intent is persisted until the chain confirms escrow creation, so
		// a reverted CreatePayment has no existing row to drive to FAILED —
		// it simply never becomes an intent.
		return nil, fmt.Errorf("%w: %v", domain.ErrChainUnavailable, err)
	}
	intent.EscrowCreationTx = txHash

	if err := e.store.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}
	return intent.Clone(), nil
}

// failChainCall classifies a chain-call error: a transport failure
// (chainclient.ErrUnavailable) is transient and left for the caller to
// retry, but a contract-level rejection (chainclient.ErrReverted) is
// permanent, so the intent is driven to FAILED from any non-terminal state
// and payment.failed is emitted, per §4.4/§7. The caller must already hold
// e.locks for intentID.
func (e *Engine) failChainCall(ctx context.Context, intentID string, chainErr error) error {
	if !errors.Is(chainErr, chainclient.ErrReverted) {
		return fmt.Errorf("%w: %v", domain.ErrChainUnavailable, chainErr)
	}

	var mutated *domain.Intent
	err := e.store.WithIntentLock(ctx, intentID, func(tx *gorm.DB, locked *domain.Intent) error {
		if locked.Status.Terminal() {
			return nil
		}
		locked.Status = domain.StatusFailed
		locked.FailureReason = chainErr.Error()
		locked.UpdatedAt = time.Now().UTC()
		mutated = locked.Clone()
		return tx.Save(locked).Error
	})
	if err != nil {
		return err
	}
	if mutated != nil {
		e.notify(ctx, mutated, domain.EventPaymentFailed)
	}
	return fmt.Errorf("%w: %v", domain.ErrChainUnavailable, chainErr)
}

// flagReconcile marks locked for manual reconciliation: a reorg surfaced an
// on-chain outcome for this intent that conflicts with the terminal
// decision already recorded. Per §7 this is diagnostic only — it never
// rewrites Status.
func flagReconcile(locked *domain.Intent) {
	locked.ReconcileRequired = true
	locked.UpdatedAt = time.Now().UTC()
}

// Confirm performs a manual release, valid only in PROCESSING.
func (e *Engine) Confirm(ctx context.Context, merchantID, intentID string) (*domain.Intent, error) {
	unlock := e.locks.Lock(intentID)
	defer unlock()

	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.MerchantID.String() != merchantID {
		return nil, domain.ErrIntentNotFound
	}
	if intent.ReconcileRequired {
		return nil, fmt.Errorf("%w: confirm refused pending reconciliation", domain.ErrReconcileRequired)
	}
	if intent.Status != domain.StatusProcessing {
		return nil, fmt.Errorf("%w: confirm requires PROCESSING, have %s", domain.ErrInvalidState, intent.Status)
	}
	if intent.EscrowPaymentID == nil {
		return nil, fmt.Errorf("%w: no escrow payment id assigned yet", domain.ErrInvalidState)
	}
	if _, err := e.chain.Release(ctx, *intent.EscrowPaymentID); err != nil {
		return nil, e.failChainCall(ctx, intentID, err)
	}
	// Status only advances to SUCCEEDED once EventIngestor observes
	// PaymentReleased; Confirm only submits the call.
	return intent.Clone(), nil
}

// Refund submits an on-chain refund, valid only in PROCESSING.
func (e *Engine) Refund(ctx context.Context, merchantID, intentID string) (*domain.Intent, error) {
	unlock := e.locks.Lock(intentID)
	defer unlock()

	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.MerchantID.String() != merchantID {
		return nil, domain.ErrIntentNotFound
	}
	if intent.ReconcileRequired {
		return nil, fmt.Errorf("%w: refund refused pending reconciliation", domain.ErrReconcileRequired)
	}
	if intent.Status != domain.StatusProcessing {
		return nil, fmt.Errorf("%w: refund requires PROCESSING, have %s", domain.ErrInvalidState, intent.Status)
	}
	if intent.EscrowPaymentID == nil {
		return nil, fmt.Errorf("%w: no escrow payment id assigned yet", domain.ErrInvalidState)
	}
	if _, err := e.chain.Refund(ctx, *intent.EscrowPaymentID); err != nil {
		return nil, e.failChainCall(ctx, intentID, err)
	}
	return intent.Clone(), nil
}

// Cancel cancels an intent, valid only in REQUIRES_PAYMENT and only if no
// deposit has landed. If the escrow was already created on chain the
// contract's cancel call is submitted first; otherwise the intent is
// marked CANCELED directly.
func (e *Engine) Cancel(ctx context.Context, merchantID, intentID string) (*domain.Intent, error) {
	unlock := e.locks.Lock(intentID)
	defer unlock()

	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.MerchantID.String() != merchantID {
		return nil, domain.ErrIntentNotFound
	}
	if intent.ReconcileRequired {
		return nil, fmt.Errorf("%w: cancel refused pending reconciliation", domain.ErrReconcileRequired)
	}
	if intent.Status != domain.StatusRequiresPayment {
		return nil, fmt.Errorf("%w: cancel requires REQUIRES_PAYMENT, have %s", domain.ErrInvalidState, intent.Status)
	}

	if intent.EscrowPaymentID != nil {
		if _, err := e.chain.Cancel(ctx, *intent.EscrowPaymentID); err != nil {
			return nil, e.failChainCall(ctx, intentID, err)
		}
		// CANCELED is written once the contract confirms no deposit was
		// observed; for a pre-funding cancel there is no on-chain event to
		// wait on, so the engine marks it terminal immediately below. A
		// deposit observed concurrently with this call is caught by
		// OnChainEvent under the same per-intent lock and wins instead.
	}

	var mutated *domain.Intent
	err = e.store.WithIntentLock(ctx, intentID, func(tx *gorm.DB, locked *domain.Intent) error {
		if locked.Status != domain.StatusRequiresPayment {
			return fmt.Errorf("%w: intent advanced concurrently", domain.ErrDepositObserved)
		}
		locked.Status = domain.StatusCanceled
		locked.UpdatedAt = time.Now().UTC()
		mutated = locked.Clone()
		return tx.Save(locked).Error
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, mutated, domain.EventPaymentCanceled)
	return mutated, nil
}

// OnChainEvent applies a finalized escrow contract event to the matching
// intent, per the transition table in §4.2/§4.4. It is the only path that
// ever writes SUCCEEDED or REFUNDED.
func (e *Engine) OnChainEvent(ctx context.Context, event chainclient.Event) error {
	switch event.Type {
	case chainclient.EventPaymentCreated:
		return e.applyPaymentCreated(ctx, event)
	case chainclient.EventDeposited:
		return e.applyDeposited(ctx, event)
	case chainclient.EventPaymentReleased:
		return e.applyPaymentReleased(ctx, event)
	case chainclient.EventPaymentRefunded:
		return e.applyPaymentRefunded(ctx, event)
	case chainclient.EventPaymentCanceled:
		return e.applyPaymentCanceled(ctx, event)
	default:
		return fmt.Errorf("intentengine: unknown event type %q", event.Type)
	}
}

func (e *Engine) applyPaymentCreated(ctx context.Context, event chainclient.Event) error {
	intent, err := e.store.FindIntentByEscrowCreationTx(ctx, event.TxHash)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(intent.ID.String())
	defer unlock()

	return e.store.WithIntentLock(ctx, intent.ID.String(), func(tx *gorm.DB, locked *domain.Intent) error {
		if locked.EscrowPaymentID != nil {
			return nil // I2: escrow_payment_id set exactly once.
		}
		paymentID := event.PaymentID
		locked.EscrowPaymentID = &paymentID
		locked.UpdatedAt = time.Now().UTC()
		return tx.Save(locked).Error
	})
}

func (e *Engine) applyDeposited(ctx context.Context, event chainclient.Event) error {
	intent, err := e.store.FindIntentByEscrowPaymentID(ctx, event.PaymentID)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(intent.ID.String())
	defer unlock()

	var mutated *domain.Intent
	err = e.store.WithIntentLock(ctx, intent.ID.String(), func(tx *gorm.DB, locked *domain.Intent) error {
		if locked.Status != domain.StatusRequiresPayment {
			return nil // already advanced; re-delivery is a no-op.
		}
		locked.Status = domain.StatusProcessing
		locked.UpdatedAt = time.Now().UTC()
		mutated = locked.Clone()
		return tx.Save(locked).Error
	})
	if err != nil || mutated == nil {
		return err
	}
	e.notify(ctx, mutated, domain.EventPaymentProcessing)
	return nil
}

func (e *Engine) applyPaymentReleased(ctx context.Context, event chainclient.Event) error {
	intent, err := e.store.FindIntentByEscrowPaymentID(ctx, event.PaymentID)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(intent.ID.String())
	defer unlock()

	released := false
	var mutated *domain.Intent
	err = e.store.WithIntentLock(ctx, intent.ID.String(), func(tx *gorm.DB, locked *domain.Intent) error {
		if locked.Status == domain.StatusProcessing {
			locked.Status = domain.StatusSucceeded
			locked.ReleaseTx = event.TxHash
			locked.UpdatedAt = time.Now().UTC()
			mutated = locked.Clone()
			released = true
			return tx.Save(locked).Error
		}
		if !locked.Status.Terminal() || locked.ReleaseTx == event.TxHash || locked.ReconcileRequired {
			return nil
		}
		// A reorg surfaced a PaymentReleased for a different transaction than
		// the one already recorded as this intent's terminal outcome.
		flagReconcile(locked)
		mutated = locked.Clone()
		return tx.Save(locked).Error
	})
	if err != nil || mutated == nil {
		return err
	}
	if released {
		e.notify(ctx, mutated, domain.EventPaymentSucceeded)
	}
	return nil
}

func (e *Engine) applyPaymentRefunded(ctx context.Context, event chainclient.Event) error {
	intent, err := e.store.FindIntentByEscrowPaymentID(ctx, event.PaymentID)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(intent.ID.String())
	defer unlock()

	var mutated *domain.Intent
	var eventType domain.WebhookEventType
	err = e.store.WithIntentLock(ctx, intent.ID.String(), func(tx *gorm.DB, locked *domain.Intent) error {
		switch locked.Status {
		case domain.StatusProcessing:
			locked.Status = domain.StatusRefunded
			eventType = domain.EventPaymentRefunded
		case domain.StatusRequiresPayment:
			locked.Status = domain.StatusCanceled
			eventType = domain.EventPaymentCanceled
		default:
			if !locked.Status.Terminal() || locked.RefundTx == event.TxHash || locked.ReconcileRequired {
				return nil
			}
			// A reorg surfaced a PaymentRefunded for a different transaction
			// than the one already recorded as this intent's terminal outcome.
			flagReconcile(locked)
			mutated = locked.Clone()
			return tx.Save(locked).Error
		}
		locked.RefundTx = event.TxHash
		locked.UpdatedAt = time.Now().UTC()
		mutated = locked.Clone()
		return tx.Save(locked).Error
	})
	if err != nil || mutated == nil {
		return err
	}
	if eventType != "" {
		e.notify(ctx, mutated, eventType)
	}
	return nil
}

func (e *Engine) applyPaymentCanceled(ctx context.Context, event chainclient.Event) error {
	intent, err := e.store.FindIntentByEscrowPaymentID(ctx, event.PaymentID)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(intent.ID.String())
	defer unlock()

	canceled := false
	var mutated *domain.Intent
	err = e.store.WithIntentLock(ctx, intent.ID.String(), func(tx *gorm.DB, locked *domain.Intent) error {
		if locked.Status.Terminal() {
			if locked.Status == domain.StatusCanceled || locked.ReconcileRequired {
				return nil
			}
			// A reorg surfaced a PaymentCanceled for an intent whose terminal
			// outcome was already recorded as something else.
			flagReconcile(locked)
			mutated = locked.Clone()
			return tx.Save(locked).Error
		}
		locked.Status = domain.StatusCanceled
		locked.UpdatedAt = time.Now().UTC()
		mutated = locked.Clone()
		canceled = true
		return tx.Save(locked).Error
	})
	if err != nil || mutated == nil {
		return err
	}
	if canceled {
		e.notify(ctx, mutated, domain.EventPaymentCanceled)
	}
	return nil
}

// Expire applies the expiration policy of §4.4 to a single intent. It is
// invoked by Scheduler's expire-intents job once per candidate per tick.
func (e *Engine) Expire(ctx context.Context, intentID string) error {
	unlock := e.locks.Lock(intentID)
	defer unlock()

	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.ReconcileRequired {
		return nil
	}
	if intent.Status != domain.StatusRequiresPayment {
		return nil
	}
	if intent.EscrowPaymentID == nil {
		return e.markExpired(ctx, intentID)
	}

	// A payment id has been assigned; ask the chain whether a deposit has
	// actually landed before deciding between CANCELED and the auto-release
	// path, since a late deposit can race the expiration sweep and the
	// ingestor may not have observed it yet.
	funded, err := e.chain.IsFunded(ctx, *intent.EscrowPaymentID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChainUnavailable, err)
	}
	if !funded {
		if _, err := e.chain.Cancel(ctx, *intent.EscrowPaymentID); err != nil {
			return e.failChainCall(ctx, intentID, err)
		}
		return nil
	}
	if intent.ReleaseMethod != domain.ReleaseAuto {
		return nil
	}
	if _, err := e.chain.Release(ctx, *intent.EscrowPaymentID); err != nil {
		return e.failChainCall(ctx, intentID, err)
	}
	return nil
}

func (e *Engine) markExpired(ctx context.Context, intentID string) error {
	var mutated *domain.Intent
	err := e.store.WithIntentLock(ctx, intentID, func(tx *gorm.DB, locked *domain.Intent) error {
		if locked.Status != domain.StatusRequiresPayment {
			return nil
		}
		locked.Status = domain.StatusExpired
		locked.UpdatedAt = time.Now().UTC()
		mutated = locked.Clone()
		return tx.Save(locked).Error
	})
	if err != nil || mutated == nil {
		return err
	}
	return nil
}

// AutoRelease submits the release call for a PROCESSING intent whose hold
// window has elapsed with release_method = AUTO. Invoked by Scheduler's
// auto-release job; it never writes SUCCEEDED itself — only OnChainEvent
// handling PaymentReleased does.
func (e *Engine) AutoRelease(ctx context.Context, intentID string) error {
	unlock := e.locks.Lock(intentID)
	defer unlock()

	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	return e.doAutoRelease(ctx, intent)
}

// doAutoRelease submits the release call for an already-locked intent.
// Callers must hold e.locks for intent.ID before invoking this.
func (e *Engine) doAutoRelease(ctx context.Context, intent *domain.Intent) error {
	if intent.ReconcileRequired {
		return nil
	}
	if intent.Status != domain.StatusProcessing || intent.ReleaseMethod != domain.ReleaseAuto {
		return nil
	}
	if intent.EscrowPaymentID == nil {
		return nil
	}
	if _, err := e.chain.Release(ctx, *intent.EscrowPaymentID); err != nil {
		return e.failChainCall(ctx, intent.ID.String(), err)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, intent *domain.Intent, eventType domain.WebhookEventType) {
	if e.webhooks == nil {
		return
	}
	if err := e.webhooks.Emit(ctx, intent, eventType); err != nil {
		// Webhook persistence failures are logged by the caller's
		// composition root; IntentEngine does not fail the state
		// transition on a notification problem.
		_ = err
	}
}
