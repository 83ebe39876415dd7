package intentengine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"paymentgateway/internal/chainclient"
	"paymentgateway/internal/domain"
	"paymentgateway/internal/priceoracle"
	"paymentgateway/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return st
}

type fakeRates struct {
	rate *big.Rat
	err  error
}

func (f *fakeRates) Rate(fiat, crypto string) (priceoracle.Quote, error) {
	if f.err != nil {
		return priceoracle.Quote{}, f.err
	}
	return priceoracle.Quote{Rate: f.rate, TakenAt: time.Now().UTC(), Source: "test"}, nil
}

type fakeWebhooks struct {
	emitted []domain.WebhookEventType
}

func (f *fakeWebhooks) Emit(ctx context.Context, intent *domain.Intent, eventType domain.WebhookEventType) error {
	f.emitted = append(f.emitted, eventType)
	return nil
}

type fakeChain struct {
	nextPaymentID  int64
	createErr      error
	releaseErr     error
	refundErr      error
	cancelErr      error
	funded         bool
	fundedErr      error
	releaseCalls   int
	refundCalls    int
	cancelCalls    int
}

func (f *fakeChain) CreatePayment(ctx context.Context, merchantWallet, amount string, feeBps uint32) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "0xcreatetx", nil
}
func (f *fakeChain) Release(ctx context.Context, paymentID int64) (string, error) {
	f.releaseCalls++
	if f.releaseErr != nil {
		return "", f.releaseErr
	}
	return "0xreleasetx", nil
}
func (f *fakeChain) Refund(ctx context.Context, paymentID int64) (string, error) {
	f.refundCalls++
	if f.refundErr != nil {
		return "", f.refundErr
	}
	return "0xrefundtx", nil
}
func (f *fakeChain) Cancel(ctx context.Context, paymentID int64) (string, error) {
	f.cancelCalls++
	if f.cancelErr != nil {
		return "", f.cancelErr
	}
	return "0xcanceltx", nil
}
func (f *fakeChain) FetchEvents(ctx context.Context, afterBlock uint64, limit int) ([]chainclient.Event, error) {
	return nil, nil
}
func (f *fakeChain) FinalizedHeight(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeChain) IsFunded(ctx context.Context, paymentID int64) (bool, error) {
	return f.funded, f.fundedErr
}
func (f *fakeChain) Payout(ctx context.Context, wallet, amount string) (string, error) {
	return "0xpayouttx", nil
}
func (f *fakeChain) ContractAddress() string { return "0xescrow" }

func seedMerchant(t *testing.T, st *store.Store) domain.Merchant {
	t.Helper()
	merchant := domain.Merchant{
		ID:             uuid.New(),
		WalletAddress:  "merchant-wallet",
		PlatformFeeBps: 100,
		PayoutSchedule: domain.PayoutManual,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := st.DB().Create(&merchant).Error; err != nil {
		t.Fatalf("seed merchant: %v", err)
	}
	return merchant
}

func TestCreateComputesCryptoAmountAndSubmitsChainCall(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	chain := &fakeChain{}
	rates := &fakeRates{rate: big.NewRat(10, 1)} // 10 USD per DOT
	webhooks := &fakeWebhooks{}
	engine := New(st, chain, rates, webhooks, time.Hour)

	intent, err := engine.Create(context.Background(), merchant.ID.String(), 10000, domain.FiatUSD, domain.CryptoDOT, domain.ReleaseAuto, domain.Metadata{"order": "1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if intent.Status != domain.StatusRequiresPayment {
		t.Errorf("expected REQUIRES_PAYMENT, got %s", intent.Status)
	}
	// 10000 minor units = $100.00, at rate 10 USD/DOT => 10 DOT.
	if intent.CryptoAmount != "10" {
		t.Errorf("expected crypto amount 10, got %s", intent.CryptoAmount)
	}
	if intent.DepositAddress != "0xescrow" {
		t.Errorf("expected deposit address from chain client, got %s", intent.DepositAddress)
	}
	if intent.EscrowCreationTx != "0xcreatetx" {
		t.Errorf("expected escrow creation tx recorded, got %s", intent.EscrowCreationTx)
	}
}

func TestCreateRejectsInvalidCurrency(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	engine := New(st, &fakeChain{}, &fakeRates{rate: big.NewRat(1, 1)}, &fakeWebhooks{}, time.Hour)

	_, err := engine.Create(context.Background(), merchant.ID.String(), 100, domain.FiatCurrency("xyz"), domain.CryptoDOT, domain.ReleaseAuto, nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateSurfacesPriceUnavailable(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	engine := New(st, &fakeChain{}, &fakeRates{err: errors.New("no quote")}, &fakeWebhooks{}, time.Hour)

	_, err := engine.Create(context.Background(), merchant.ID.String(), 100, domain.FiatUSD, domain.CryptoDOT, domain.ReleaseAuto, nil)
	if !errors.Is(err, domain.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func seedProcessingIntent(t *testing.T, st *store.Store, merchant domain.Merchant, paymentID int64) domain.Intent {
	t.Helper()
	intent := domain.Intent{
		ID:              uuid.New(),
		MerchantID:      merchant.ID,
		FiatAmount:      1000,
		FiatCurrency:    domain.FiatUSD,
		CryptoAmount:    "10",
		CryptoCurrency:  domain.CryptoDOT,
		QuoteRate:       "10",
		QuoteTakenAt:    time.Now().UTC(),
		Status:          domain.StatusProcessing,
		EscrowPaymentID: &paymentID,
		ExpiresAt:       time.Now().UTC().Add(time.Hour),
		ReleaseMethod:   domain.ReleaseAuto,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := st.CreateIntent(context.Background(), &intent); err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	return intent
}

func TestConfirmRequiresProcessingState(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	chain := &fakeChain{}
	engine := New(st, chain, &fakeRates{rate: big.NewRat(1, 1)}, &fakeWebhooks{}, time.Hour)

	intent := seedProcessingIntent(t, st, merchant, 7)
	intent.Status = domain.StatusRequiresPayment
	if err := st.DB().Save(&intent).Error; err != nil {
		t.Fatalf("downgrade status: %v", err)
	}

	_, err := engine.Confirm(context.Background(), merchant.ID.String(), intent.ID.String())
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestConfirmSubmitsReleaseCall(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	chain := &fakeChain{}
	engine := New(st, chain, &fakeRates{rate: big.NewRat(1, 1)}, &fakeWebhooks{}, time.Hour)

	intent := seedProcessingIntent(t, st, merchant, 7)
	if _, err := engine.Confirm(context.Background(), merchant.ID.String(), intent.ID.String()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if chain.releaseCalls != 1 {
		t.Errorf("expected exactly one release call, got %d", chain.releaseCalls)
	}
}

func TestConfirmWrongMerchantNotFound(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	engine := New(st, &fakeChain{}, &fakeRates{rate: big.NewRat(1, 1)}, &fakeWebhooks{}, time.Hour)
	intent := seedProcessingIntent(t, st, merchant, 7)

	_, err := engine.Confirm(context.Background(), uuid.New().String(), intent.ID.String())
	if !errors.Is(err, domain.ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
}

func TestOnChainEventDepositedMarksProcessingAndNotifies(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	webhooks := &fakeWebhooks{}
	engine := New(st, &fakeChain{}, &fakeRates{rate: big.NewRat(1, 1)}, webhooks, time.Hour)

	paymentID := int64(55)
	intent := domain.Intent{
		ID:              uuid.New(),
		MerchantID:      merchant.ID,
		FiatAmount:      1000,
		FiatCurrency:    domain.FiatUSD,
		CryptoAmount:    "10",
		CryptoCurrency:  domain.CryptoDOT,
		QuoteRate:       "1",
		QuoteTakenAt:    time.Now().UTC(),
		Status:          domain.StatusRequiresPayment,
		EscrowPaymentID: &paymentID,
		ExpiresAt:       time.Now().UTC().Add(time.Hour),
		ReleaseMethod:   domain.ReleaseAuto,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := st.CreateIntent(context.Background(), &intent); err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	err := engine.OnChainEvent(context.Background(), chainclient.Event{
		Type:      chainclient.EventDeposited,
		PaymentID: paymentID,
	})
	if err != nil {
		t.Fatalf("on chain event: %v", err)
	}

	updated, err := st.GetIntent(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if updated.Status != domain.StatusProcessing {
		t.Errorf("expected PROCESSING, got %s", updated.Status)
	}
	if len(webhooks.emitted) != 1 || webhooks.emitted[0] != domain.EventPaymentProcessing {
		t.Errorf("expected a single payment.processing webhook emission, got %v", webhooks.emitted)
	}
}

func TestOnChainEventDepositedIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	webhooks := &fakeWebhooks{}
	engine := New(st, &fakeChain{}, &fakeRates{rate: big.NewRat(1, 1)}, webhooks, time.Hour)

	paymentID := int64(56)
	intent := seedProcessingIntent(t, st, merchant, paymentID)

	if err := engine.OnChainEvent(context.Background(), chainclient.Event{
		Type:      chainclient.EventDeposited,
		PaymentID: paymentID,
	}); err != nil {
		t.Fatalf("re-delivered deposited event: %v", err)
	}
	if len(webhooks.emitted) != 0 {
		t.Errorf("a deposited event re-delivered after the intent already advanced should not re-notify, got %v", webhooks.emitted)
	}
	updated, err := st.GetIntent(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if updated.Status != domain.StatusProcessing {
		t.Errorf("status should remain PROCESSING, got %s", updated.Status)
	}
}

func TestExpireCancelsUnfundedIntent(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	chain := &fakeChain{funded: false}
	engine := New(st, chain, &fakeRates{rate: big.NewRat(1, 1)}, &fakeWebhooks{}, time.Hour)

	paymentID := int64(9)
	intent := domain.Intent{
		ID:              uuid.New(),
		MerchantID:      merchant.ID,
		FiatAmount:      1000,
		FiatCurrency:    domain.FiatUSD,
		CryptoAmount:    "10",
		CryptoCurrency:  domain.CryptoDOT,
		QuoteRate:       "1",
		QuoteTakenAt:    time.Now().UTC(),
		Status:          domain.StatusRequiresPayment,
		EscrowPaymentID: &paymentID,
		ExpiresAt:       time.Now().UTC().Add(-time.Minute),
		ReleaseMethod:   domain.ReleaseAuto,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := st.CreateIntent(context.Background(), &intent); err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	if err := engine.Expire(context.Background(), intent.ID.String()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if chain.cancelCalls != 1 {
		t.Errorf("expected one on-chain cancel call for an unfunded expiry, got %d", chain.cancelCalls)
	}
}

func TestExpireAutoReleasesFundedIntent(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	chain := &fakeChain{funded: true}
	engine := New(st, chain, &fakeRates{rate: big.NewRat(1, 1)}, &fakeWebhooks{}, time.Hour)

	paymentID := int64(10)
	intent := domain.Intent{
		ID:              uuid.New(),
		MerchantID:      merchant.ID,
		FiatAmount:      1000,
		FiatCurrency:    domain.FiatUSD,
		CryptoAmount:    "10",
		CryptoCurrency:  domain.CryptoDOT,
		QuoteRate:       "1",
		QuoteTakenAt:    time.Now().UTC(),
		Status:          domain.StatusRequiresPayment,
		EscrowPaymentID: &paymentID,
		ExpiresAt:       time.Now().UTC().Add(-time.Minute),
		ReleaseMethod:   domain.ReleaseAuto,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := st.CreateIntent(context.Background(), &intent); err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	// The row is still REQUIRES_PAYMENT (the ingestor has not yet observed
	// the late deposit); Expire asks the chain, sees a funded escrow and
	// takes the AUTO release path instead of cancelling.
	if err := engine.Expire(context.Background(), intent.ID.String()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if chain.releaseCalls != 1 {
		t.Errorf("expected one on-chain release call for a funded expiry, got %d", chain.releaseCalls)
	}
}

func TestCancelBeforeDepositMarksCanceled(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	chain := &fakeChain{}
	webhooks := &fakeWebhooks{}
	engine := New(st, chain, &fakeRates{rate: big.NewRat(1, 1)}, webhooks, time.Hour)

	intent := domain.Intent{
		ID:             uuid.New(),
		MerchantID:     merchant.ID,
		FiatAmount:     1000,
		FiatCurrency:   domain.FiatUSD,
		CryptoAmount:   "10",
		CryptoCurrency: domain.CryptoDOT,
		QuoteRate:      "1",
		QuoteTakenAt:   time.Now().UTC(),
		Status:         domain.StatusRequiresPayment,
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
		ReleaseMethod:  domain.ReleaseAuto,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := st.CreateIntent(context.Background(), &intent); err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	updated, err := engine.Cancel(context.Background(), merchant.ID.String(), intent.ID.String())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != domain.StatusCanceled {
		t.Errorf("expected CANCELED, got %s", updated.Status)
	}
	if len(webhooks.emitted) != 1 || webhooks.emitted[0] != domain.EventPaymentCanceled {
		t.Errorf("expected a payment.canceled webhook, got %v", webhooks.emitted)
	}
}

func TestConfirmRevertedReleaseMarksIntentFailed(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	chain := &fakeChain{releaseErr: fmt.Errorf("%w: insufficient escrow balance", chainclient.ErrReverted)}
	webhooks := &fakeWebhooks{}
	engine := New(st, chain, &fakeRates{rate: big.NewRat(1, 1)}, webhooks, time.Hour)

	intent := seedProcessingIntent(t, st, merchant, 7)

	_, err := engine.Confirm(context.Background(), merchant.ID.String(), intent.ID.String())
	if !errors.Is(err, domain.ErrChainUnavailable) {
		t.Fatalf("expected confirm to still surface ErrChainUnavailable, got %v", err)
	}

	updated, err := st.GetIntent(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if updated.Status != domain.StatusFailed {
		t.Errorf("expected a reverted release to drive the intent to FAILED, got %s", updated.Status)
	}
	if updated.FailureReason == "" {
		t.Error("expected FailureReason to be recorded")
	}
	if len(webhooks.emitted) != 1 || webhooks.emitted[0] != domain.EventPaymentFailed {
		t.Errorf("expected a payment.failed webhook, got %v", webhooks.emitted)
	}
}

func TestConfirmUnavailableReleaseLeavesIntentProcessing(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	chain := &fakeChain{releaseErr: fmt.Errorf("%w: dial tcp timeout", chainclient.ErrUnavailable)}
	webhooks := &fakeWebhooks{}
	engine := New(st, chain, &fakeRates{rate: big.NewRat(1, 1)}, webhooks, time.Hour)

	intent := seedProcessingIntent(t, st, merchant, 7)

	_, err := engine.Confirm(context.Background(), merchant.ID.String(), intent.ID.String())
	if !errors.Is(err, domain.ErrChainUnavailable) {
		t.Fatalf("expected ErrChainUnavailable, got %v", err)
	}

	updated, err := st.GetIntent(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if updated.Status != domain.StatusProcessing {
		t.Errorf("a transient transport failure must not transition the intent, got %s", updated.Status)
	}
	if len(webhooks.emitted) != 0 {
		t.Errorf("expected no webhook for a transient failure, got %v", webhooks.emitted)
	}
}

func TestApplyPaymentReleasedReorgCollisionFlagsReconcile(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	webhooks := &fakeWebhooks{}
	engine := New(st, &fakeChain{}, &fakeRates{rate: big.NewRat(1, 1)}, webhooks, time.Hour)

	paymentID := int64(42)
	intent := domain.Intent{
		ID:              uuid.New(),
		MerchantID:      merchant.ID,
		FiatAmount:      1000,
		FiatCurrency:    domain.FiatUSD,
		CryptoAmount:    "10",
		CryptoCurrency:  domain.CryptoDOT,
		QuoteRate:       "1",
		QuoteTakenAt:    time.Now().UTC(),
		Status:          domain.StatusRefunded,
		RefundTx:        "0xoriginalrefund",
		EscrowPaymentID: &paymentID,
		ExpiresAt:       time.Now().UTC().Add(time.Hour),
		ReleaseMethod:   domain.ReleaseAuto,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := st.CreateIntent(context.Background(), &intent); err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	err := engine.OnChainEvent(context.Background(), chainclient.Event{
		Type:      chainclient.EventPaymentReleased,
		PaymentID: paymentID,
		TxHash:    "0xforkedrelease",
	})
	if err != nil {
		t.Fatalf("on chain event: %v", err)
	}

	updated, err := st.GetIntent(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if !updated.ReconcileRequired {
		t.Fatal("expected a conflicting fork event against an already-terminal intent to flag ReconcileRequired")
	}
	if updated.Status != domain.StatusRefunded {
		t.Errorf("reconciliation is diagnostic only, status must not change, got %s", updated.Status)
	}
	if len(webhooks.emitted) != 0 {
		t.Errorf("flagging for reconciliation is not a normal transition and should not notify, got %v", webhooks.emitted)
	}
}

func TestConfirmRefusedOnceFlaggedForReconciliation(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	engine := New(st, &fakeChain{}, &fakeRates{rate: big.NewRat(1, 1)}, &fakeWebhooks{}, time.Hour)

	intent := seedProcessingIntent(t, st, merchant, 7)
	intent.ReconcileRequired = true
	if err := st.DB().Save(&intent).Error; err != nil {
		t.Fatalf("flag intent: %v", err)
	}

	_, err := engine.Confirm(context.Background(), merchant.ID.String(), intent.ID.String())
	if !errors.Is(err, domain.ErrReconcileRequired) {
		t.Fatalf("expected ErrReconcileRequired, got %v", err)
	}
}

func TestCreateDefaultsReleaseMethodAndAcceptsManual(t *testing.T) {
	st := newTestStore(t)
	merchant := seedMerchant(t, st)
	engine := New(st, &fakeChain{}, &fakeRates{rate: big.NewRat(1, 1)}, &fakeWebhooks{}, time.Hour)

	auto, err := engine.Create(context.Background(), merchant.ID.String(), 100, domain.FiatUSD, domain.CryptoDOT, "", nil)
	if err != nil {
		t.Fatalf("create with empty release method: %v", err)
	}
	if auto.ReleaseMethod != domain.ReleaseAuto {
		t.Errorf("expected an empty release method to default to AUTO, got %s", auto.ReleaseMethod)
	}

	manual, err := engine.Create(context.Background(), merchant.ID.String(), 100, domain.FiatUSD, domain.CryptoDOT, domain.ReleaseManual, nil)
	if err != nil {
		t.Fatalf("create with manual release method: %v", err)
	}
	if manual.ReleaseMethod != domain.ReleaseManual {
		t.Errorf("expected MANUAL to be honored, got %s", manual.ReleaseMethod)
	}

	_, err = engine.Create(context.Background(), merchant.ID.String(), 100, domain.FiatUSD, domain.CryptoDOT, domain.ReleaseMethod("BOGUS"), nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for an unknown release method, got %v", err)
	}
}
