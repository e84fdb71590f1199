package moderation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/strangerchat/chat-app/internal/store"
)

// DefaultFlushInterval is how often pending violations are persisted.
const DefaultFlushInterval = 5 * time.Second

// Batcher queues filter violations in memory and persists them in periodic
// single-transaction batches. Persistence is at-least-once: a failed flush
// returns the batch to the front of the queue for the next cycle.
type Batcher struct {
	store    store.ModerationStore
	interval time.Duration

	mu      sync.Mutex
	pending []store.Violation
}

// NewBatcher creates a Batcher flushing at the given interval. A zero
// interval falls back to the default.
func NewBatcher(st store.ModerationStore, interval time.Duration) *Batcher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Batcher{store: st, interval: interval}
}

// Add queues one violation for the next flush.
func (b *Batcher) Add(v store.Violation) {
	b.mu.Lock()
	b.pending = append(b.pending, v)
	b.mu.Unlock()
}

// PendingFor counts queued, not-yet-persisted violations for an identity
// occurring after the given instant. Used alongside the store's persisted
// count so escalation decisions see violations still waiting in the batch.
func (b *Batcher) PendingFor(identityHash string, since time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, v := range b.pending {
		if v.IdentityHash == identityHash && v.OccurredAt.After(since) {
			n++
		}
	}
	return n
}

// Len reports the number of queued violations.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run flushes on a ticker until the context is cancelled. The final
// synchronous flush at shutdown is the caller's responsibility so it can run
// under the shutdown deadline.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Flush persists all queued violations in one transaction. On failure the
// batch is returned to the front of the queue, ahead of anything added while
// the flush was in flight.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := b.store.InsertViolationBatch(ctx, batch); err != nil {
		log.Printf("[moderation] violation flush failed, requeueing %d: %v", len(batch), err)
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return
	}
	log.Printf("[moderation] flushed %d violations", len(batch))
}
