package domain

import "time"

// IngestCursor is the durable bookmark EventIngestor resumes from on
// restart. A deployment targets a single chain, so this is a singleton row.
type IngestCursor struct {
	ID                 int64 `gorm:"primaryKey;autoIncrement:false"`
	LastFinalizedBlock uint64
	UpdatedAt          time.Time
}

// TableName pins the gorm table name.
func (IngestCursor) TableName() string { return "ingest_cursor" }

// ProcessedChainEvent records that a given (block_hash, log_index) pair has
// already been applied to the state machine. The composite primary key is
// what makes OnChainEvent idempotent under re-delivery and reorg replay.
type ProcessedChainEvent struct {
	BlockHash   string `gorm:"primaryKey;size:80"`
	LogIndex    uint32 `gorm:"primaryKey"`
	EventType   string `gorm:"size:32"`
	ProcessedAt time.Time
}

// TableName pins the gorm table name.
func (ProcessedChainEvent) TableName() string { return "processed_chain_events" }

// SchedulerLease is a time-bounded ownership row a scheduler job instance
// holds to prevent duplicate concurrent runs across process replicas.
type SchedulerLease struct {
	JobName   string `gorm:"primaryKey;size:64"`
	Holder    string `gorm:"size:128"`
	ExpiresAt time.Time
}

// TableName pins the gorm table name.
func (SchedulerLease) TableName() string { return "scheduler_leases" }

// IdempotencyKey caches a Surface response keyed by merchant ID and the
// client-supplied Idempotency-Key header, so a retried mutating request
// returns the original result instead of double-executing it.
type IdempotencyKey struct {
	Key          string `gorm:"primaryKey;size:128"`
	RequestHash  string `gorm:"size:64;not null"`
	StatusCode   int
	ResponseBody []byte `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

// TableName pins the gorm table name.
func (IdempotencyKey) TableName() string { return "idempotency_keys" }
