// Package store implements IntentStore: the durable, transactional
// repository of intents, merchants, webhook events, payouts, the event
// ingestion cursor and idempotence/lease bookkeeping. Grounded on
// services/otc-gateway/models.AutoMigrate for schema shape and on
// services/otc-gateway/funding.Processor.Process for the
// row-lock-then-mutate-then-audit transactional pattern.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paymentgateway/internal/domain"
)

// ErrIdempotencyMismatch is returned when a replayed Idempotency-Key header
// is reused with a request whose body hash differs from the original,
// grounded on the teacher's escrow-gateway ErrIdempotencyMismatch.
var ErrIdempotencyMismatch = errors.New("store: idempotency key reused with a different request body")

// Store wraps a gorm database handle with the queries IntentEngine,
// EventIngestor, WebhookDispatcher and Scheduler need.
type Store struct {
	db *gorm.DB
}

// New wraps db. Callers obtain db via gorm.Open with the driver chosen by
// configuration (postgres in production, sqlite for local/dev/tests).
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table the gateway owns.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&domain.Merchant{},
		&domain.Intent{},
		&domain.WebhookEvent{},
		&domain.Payout{},
		&domain.IngestCursor{},
		&domain.ProcessedChainEvent{},
		&domain.SchedulerLease{},
		&domain.IdempotencyKey{},
	)
}

// DB exposes the underlying handle for components (e.g. the reconciliation
// job) that need read-only cross-table queries beyond this package's API.
func (s *Store) DB() *gorm.DB { return s.db }

// CreateIntent persists a newly-created intent.
func (s *Store) CreateIntent(ctx context.Context, intent *domain.Intent) error {
	return s.db.WithContext(ctx).Create(intent).Error
}

// GetIntent loads an intent by id without locking.
func (s *Store) GetIntent(ctx context.Context, id string) (*domain.Intent, error) {
	var intent domain.Intent
	if err := s.db.WithContext(ctx).First(&intent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// IntentFilter narrows ListIntents results.
type IntentFilter struct {
	MerchantID string
	Status     domain.Status
	Currency   domain.CryptoCurrency
	DateFrom   time.Time
	DateTo     time.Time
	Page       int
	Limit      int
}

// ListIntents returns intents for a merchant matching the supplied filter,
// newest first.
func (s *Store) ListIntents(ctx context.Context, f IntentFilter) ([]domain.Intent, error) {
	q := s.db.WithContext(ctx).Where("merchant_id = ?", f.MerchantID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Currency != "" {
		q = q.Where("crypto_currency = ?", f.Currency)
	}
	if !f.DateFrom.IsZero() {
		q = q.Where("created_at >= ?", f.DateFrom)
	}
	if !f.DateTo.IsZero() {
		q = q.Where("created_at <= ?", f.DateTo)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	var intents []domain.Intent
	err := q.Order("created_at DESC").Limit(limit).Offset((page - 1) * limit).Find(&intents).Error
	return intents, err
}

// WithIntentLock loads the intent for update inside a transaction and
// invokes fn with the locked row; fn's returned error rolls the
// transaction back. Grounded on funding.Processor.Process's
// tx.Clauses(clause.Locking{Strength:"UPDATE"}) pattern.
func (s *Store) WithIntentLock(ctx context.Context, id string, fn func(tx *gorm.DB, intent *domain.Intent) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent domain.Intent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&intent, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrIntentNotFound
			}
			return err
		}
		return fn(tx, &intent)
	})
}

// FindIntentByEscrowCreationTx locates the intent awaiting PaymentCreated
// backfill for the given creation transaction hash.
func (s *Store) FindIntentByEscrowCreationTx(ctx context.Context, txHash string) (*domain.Intent, error) {
	var intent domain.Intent
	err := s.db.WithContext(ctx).First(&intent, "escrow_creation_tx = ?", txHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// FindIntentByEscrowPaymentID locates the intent bound to an assigned
// contract payment id.
func (s *Store) FindIntentByEscrowPaymentID(ctx context.Context, paymentID int64) (*domain.Intent, error) {
	var intent domain.Intent
	err := s.db.WithContext(ctx).First(&intent, "escrow_payment_id = ?", paymentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetMerchant loads a merchant by id.
func (s *Store) GetMerchant(ctx context.Context, id string) (*domain.Merchant, error) {
	var merchant domain.Merchant
	err := s.db.WithContext(ctx).First(&merchant, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrMerchantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// GetMerchantByAPIKeyHash resolves the merchant presenting a static API key
// to the Surface layer, which hashes the bearer credential before calling
// this lookup so the raw key is never persisted or queried directly.
func (s *Store) GetMerchantByAPIKeyHash(ctx context.Context, hash string) (*domain.Merchant, error) {
	var merchant domain.Merchant
	err := s.db.WithContext(ctx).First(&merchant, "api_key_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrMerchantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// InsertWebhookEvent persists a new pending webhook notification.
func (s *Store) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// DueWebhookEvents returns events eligible for delivery right now, ordered
// per-intent FIFO by created_at (spec §4.3's best-effort ordering
// guarantee).
func (s *Store) DueWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?", []domain.WebhookStatus{domain.WebhookPending, domain.WebhookRetrying}, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// UpdateWebhookEvent persists delivery-attempt bookkeeping for an event.
func (s *Store) UpdateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	return s.db.WithContext(ctx).Save(event).Error
}

// GetCursor returns the singleton ingest cursor, creating it at 0 if absent.
func (s *Store) GetCursor(ctx context.Context) (*domain.IngestCursor, error) {
	var cursor domain.IngestCursor
	err := s.db.WithContext(ctx).First(&cursor, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cursor = domain.IngestCursor{ID: 1, LastFinalizedBlock: 0, UpdatedAt: time.Now().UTC()}
		if err := s.db.WithContext(ctx).Create(&cursor).Error; err != nil {
			return nil, err
		}
		return &cursor, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

// AdvanceCursor moves the ingest cursor forward to block.
func (s *Store) AdvanceCursor(ctx context.Context, block uint64) error {
	return s.db.WithContext(ctx).Model(&domain.IngestCursor{}).Where("id = ?", 1).
		Updates(map[string]interface{}{"last_finalized_block": block, "updated_at": time.Now().UTC()}).Error
}

// RewindCursor moves the ingest cursor backward on a detected reorg.
func (s *Store) RewindCursor(ctx context.Context, block uint64) error {
	return s.AdvanceCursor(ctx, block)
}

// HasProcessed reports whether (blockHash, logIndex) has already been
// recorded as applied, without mutating anything.
func (s *Store) HasProcessed(ctx context.Context, blockHash string, logIndex uint32) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.ProcessedChainEvent{}).
		Where("block_hash = ? AND log_index = ?", blockHash, logIndex).
		Count(&count).Error
	return count > 0, err
}

// MarkEventProcessed records (blockHash, logIndex) as applied. It returns
// alreadyProcessed=true without error if the pair was already recorded,
// giving OnChainEvent its idempotence. RowsAffected from the DoNothing
// insert tells the two cases apart directly, instead of re-reading the row
// and comparing a timestamp a driver might round-trip at reduced precision.
func (s *Store) MarkEventProcessed(ctx context.Context, blockHash string, logIndex uint32, eventType string) (alreadyProcessed bool, err error) {
	rec := domain.ProcessedChainEvent{BlockHash: blockHash, LogIndex: logIndex, EventType: eventType, ProcessedAt: time.Now().UTC()}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 0, nil
}

// AcquireLease attempts to take ownership of a scheduler job for ttl,
// returning true if the caller now holds it. Grounded in shape on the
// idempotency-key upsert pattern in services/escrow-gateway/storage.go,
// adapted to a conditional-update single-flight lease instead of a cache.
func (s *Store) AcquireLease(ctx context.Context, jobName, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	var lease domain.SchedulerLease
	err := s.db.WithContext(ctx).First(&lease, "job_name = ?", jobName).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		lease = domain.SchedulerLease{JobName: jobName, Holder: holder, ExpiresAt: expires}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lease).Error; err != nil {
			return false, err
		}
		var check domain.SchedulerLease
		if err := s.db.WithContext(ctx).First(&check, "job_name = ?", jobName).Error; err != nil {
			return false, err
		}
		return check.Holder == holder, nil
	case err != nil:
		return false, err
	}

	if lease.ExpiresAt.After(now) && lease.Holder != holder {
		return false, nil
	}

	res := s.db.WithContext(ctx).Model(&domain.SchedulerLease{}).
		Where("job_name = ? AND expires_at <= ?", jobName, now).
		Updates(map[string]interface{}{"holder": holder, "expires_at": expires})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLease relinquishes a held lease immediately, allowing another
// replica to pick the job up before its TTL would naturally expire.
func (s *Store) ReleaseLease(ctx context.Context, jobName, holder string) error {
	return s.db.WithContext(ctx).Model(&domain.SchedulerLease{}).
		Where("job_name = ? AND holder = ?", jobName, holder).
		Update("expires_at", time.Now().UTC()).Error
}

// LookupIdempotency returns the cached response for key if present,
// grounded on the teacher's LookupIdempotency/ErrIdempotencyMismatch pair.
func (s *Store) LookupIdempotency(ctx context.Context, key, requestHash string) (*domain.IdempotencyKey, error) {
	var rec domain.IdempotencyKey
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &rec, nil
}

// SaveIdempotency caches a Surface response under key.
func (s *Store) SaveIdempotency(ctx context.Context, rec *domain.IdempotencyKey) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
}

// CreatePayout persists a new payout batch row.
func (s *Store) CreatePayout(ctx context.Context, payout *domain.Payout) error {
	return s.db.WithContext(ctx).Create(payout).Error
}

// UpdatePayout persists payout settlement bookkeeping.
func (s *Store) UpdatePayout(ctx context.Context, payout *domain.Payout) error {
	return s.db.WithContext(ctx).Save(payout).Error
}

// SucceededIntentsPendingPayout returns SUCCEEDED intents for merchantID
// that have not yet been attached to a Payout.
func (s *Store) SucceededIntentsPendingPayout(ctx context.Context, merchantID string) ([]domain.Intent, error) {
	var intents []domain.Intent
	err := s.db.WithContext(ctx).
		Where("merchant_id = ? AND status = ? AND payout_id IS NULL", merchantID, domain.StatusSucceeded).
		Order("created_at ASC").
		Find(&intents).Error
	return intents, err
}

// AttachPayout stamps payoutID onto every intent in intentIDs inside a
// single transaction, so a crash between the payout insert and the
// attach never double-batches an intent on the next run.
func (s *Store) AttachPayout(ctx context.Context, payoutID string, intentIDs []string) error {
	return s.db.WithContext(ctx).Model(&domain.Intent{}).
		Where("id IN ?", intentIDs).
		Update("payout_id", payoutID).Error
}

// ListMerchants returns every merchant, for the scheduler's payout-batch
// and expiration sweeps which must iterate all tenants.
func (s *Store) ListMerchants(ctx context.Context) ([]domain.Merchant, error) {
	var merchants []domain.Merchant
	err := s.db.WithContext(ctx).Find(&merchants).Error
	return merchants, err
}

// LatestPayoutAt returns the creation time of merchantID's most recent
// Payout, or nil if none exists yet. The payout-batch job uses this to
// decide whether a DAILY/WEEKLY cadence tick is due.
func (s *Store) LatestPayoutAt(ctx context.Context, merchantID string) (*time.Time, error) {
	var payout domain.Payout
	err := s.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		Order("created_at DESC").
		First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	createdAt := payout.CreatedAt
	return &createdAt, nil
}

// ExpirableIntents returns REQUIRES_PAYMENT intents whose hold window has
// elapsed, for the expire-intents job.
func (s *Store) ExpirableIntents(ctx context.Context, now time.Time, limit int) ([]domain.Intent, error) {
	var intents []domain.Intent
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", domain.StatusRequiresPayment, now).
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

// AutoReleasableIntents returns PROCESSING, AUTO-release intents past their
// hold window, for the auto-release job.
func (s *Store) AutoReleasableIntents(ctx context.Context, now time.Time, holdWindow time.Duration, limit int) ([]domain.Intent, error) {
	var intents []domain.Intent
	err := s.db.WithContext(ctx).
		Where("status = ? AND release_method = ? AND expires_at <= ?",
			domain.StatusProcessing, domain.ReleaseAuto, now.Add(-holdWindow)).
		Limit(limit).
		Find(&intents).Error
	return intents, err
}
