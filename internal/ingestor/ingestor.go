// Package ingestor implements EventIngestor: a durable-cursor poller that
// translates finalized escrow contract events into IntentEngine
// transitions, idempotently and in chain order. Grounded on the teacher's
// services/escrow-gateway/watcher.go EventWatcher poll loop.
package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"paymentgateway/internal/chainclient"
	"paymentgateway/internal/ringqueue"
	"paymentgateway/internal/store"
)

// EventApplier is the subset of IntentEngine the ingestor depends on.
type EventApplier interface {
	OnChainEvent(ctx context.Context, event chainclient.Event) error
}

const (
	deferredQueueCapacity = 256
	deferredQueueTTL      = 10 * time.Minute
)

// Ingestor polls the chain client for finalized events from the durable
// cursor forward and drives the intent engine's transitions.
type Ingestor struct {
	chain        chainclient.Client
	store        *store.Store
	engine       EventApplier
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time

	deferred ringqueue.Ring[deferredEvent]
	spill    *leveldb.DB // optional durable overflow; nil disables spill
}

type deferredEvent struct {
	event     chainclient.Event
	deferredAt time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithPollInterval overrides the default 5s poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(i *Ingestor) {
		if d > 0 {
			i.pollInterval = d
		}
	}
}

// WithBatchSize overrides the default per-poll fetch size.
func WithBatchSize(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithDurableSpill attaches a goleveldb database that deferred events spill
// into once the in-memory ring queue is full: the entry the ring evicts is
// written to db. The ingestor does not read spilled entries back.
func WithDurableSpill(db *leveldb.DB) Option {
	return func(i *Ingestor) { i.spill = db }
}

// New constructs an Ingestor. engine drives intent transitions; st supplies
// the durable cursor and processed-event dedupe table.
func New(chain chainclient.Client, st *store.Store, engine EventApplier, opts ...Option) *Ingestor {
	ing := &Ingestor{
		chain:        chain,
		store:        st,
		engine:       engine,
		pollInterval: 5 * time.Second,
		batchSize:    100,
		now:          time.Now,
		deferred:     ringqueue.New[deferredEvent](deferredQueueCapacity),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// Run polls until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context, onErr func(error)) {
	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := i.Tick(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

// Tick performs a single poll-and-apply cycle: replay deferred events whose
// dependency may now be satisfied, then fetch and apply newly finalized
// events from the cursor forward.
func (i *Ingestor) Tick(ctx context.Context) error {
	cursor, err := i.store.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("ingestor: load cursor: %w", err)
	}

	head, err := i.chain.FinalizedHeight(ctx)
	if err != nil {
		return fmt.Errorf("ingestor: finalized height: %w", err)
	}
	if head < cursor.LastFinalizedBlock {
		// A previously finalized block disappeared: reorg. Rewind and let
		// the next fetch re-apply from the new, lower head; processed-event
		// keys already recorded make the re-application idempotent.
		if err := i.store.RewindCursor(ctx, head); err != nil {
			return fmt.Errorf("ingestor: rewind cursor: %w", err)
		}
		cursor.LastFinalizedBlock = head
	}

	i.replayDeferred(ctx)

	events, err := i.chain.FetchEvents(ctx, cursor.LastFinalizedBlock, i.batchSize)
	if err != nil {
		return fmt.Errorf("ingestor: fetch events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	highest := cursor.LastFinalizedBlock
	for _, event := range events {
		if err := i.apply(ctx, event); err != nil {
			return err
		}
		if event.Block > highest {
			highest = event.Block
		}
	}
	return i.store.AdvanceCursor(ctx, highest)
}

// apply applies a single event, deferring it if it references an intent the
// engine cannot yet resolve (its PaymentCreated has not landed). The
// processed-event marker is written only once the event has been either
// successfully applied or safely handed to the deferred queue — never
// before — so a PaymentCreated the engine can't yet resolve keeps being
// re-fetched and retried instead of silently dropping.
func (i *Ingestor) apply(ctx context.Context, event chainclient.Event) error {
	alreadyProcessed, err := i.store.HasProcessed(ctx, event.BlockHash, event.LogIndex)
	if err != nil {
		return fmt.Errorf("ingestor: check processed: %w", err)
	}
	if alreadyProcessed {
		return nil
	}

	if err := i.engine.OnChainEvent(ctx, event); err != nil {
		if event.Type == chainclient.EventPaymentCreated {
			return fmt.Errorf("ingestor: apply %s: %w", event.Type, err)
		}
		i.deferEvent(event)
	}

	if _, err := i.store.MarkEventProcessed(ctx, event.BlockHash, event.LogIndex, string(event.Type)); err != nil {
		return fmt.Errorf("ingestor: mark processed: %w", err)
	}
	return nil
}

func (i *Ingestor) deferEvent(event chainclient.Event) {
	evicted, didEvict := i.deferred.Push(deferredEvent{event: event, deferredAt: i.now()})
	if didEvict && i.spill != nil {
		i.spillToDisk(evicted)
	}
}

func (i *Ingestor) spillToDisk(d deferredEvent) {
	if i.spill == nil || d.event.TxHash == "" {
		return
	}
	buf, err := json.Marshal(struct {
		Event      chainclient.Event
		DeferredAt time.Time
	}{d.event, d.deferredAt})
	if err != nil {
		return
	}
	key := fmt.Sprintf("deferred:%s:%d", d.event.BlockHash, d.event.LogIndex)
	_ = i.spill.Put([]byte(key), buf, nil)
}

// replayDeferred retries every deferred event still within its TTL against
// the engine. Events past the TTL are dropped, events the engine now applies
// leave the queue, and events that still fail are pushed back for the next
// cycle.
func (i *Ingestor) replayDeferred(ctx context.Context) {
	now := i.now()
	var stillPending []deferredEvent
	for {
		entry, ok := i.deferred.Pop()
		if !ok {
			break
		}
		if now.Sub(entry.deferredAt) > deferredQueueTTL {
			continue
		}
		if err := i.engine.OnChainEvent(ctx, entry.event); err != nil {
			stillPending = append(stillPending, entry)
			continue
		}
	}
	for _, entry := range stillPending {
		i.deferred.Push(entry)
	}
}
