package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"futuresfleet/internal/metrics"
	"futuresfleet/internal/store"
	"futuresfleet/logger"
)

const lastUpdateField = "last_bot_update"

// Batcher coalesces per-user field updates and writes them to the store in one pass.
type Batcher struct {
	kv      store.KV
	limiter *rate.Limiter
	log     *logger.Entry

	mu      sync.Mutex
	pending map[string]store.Record
}

// NewBatcher paces writes at perSecond; zero or less means unpaced.
func NewBatcher(kv store.KV, perSecond float64, log *logger.Log) *Batcher {
	if log == nil {
		log = logger.GetLogger()
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Batcher{
		kv:      kv,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.WithComponent("batcher"),
		pending: make(map[string]store.Record),
	}
}

// Queue merges fields into the user's pending update; later values win.
func (b *Batcher) Queue(userID string, fields store.Record) {
	if len(fields) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.pending[userID]
	if !ok {
		rec = make(store.Record, len(fields))
		b.pending[userID] = rec
	}
	for k, v := range fields {
		rec[k] = v
	}
}

// Pending is the number of users with queued updates.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// requeue puts a failed update back without overwriting fields queued since the flush began.
func (b *Batcher) requeue(userID string, fields store.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.pending[userID]
	if !ok {
		b.pending[userID] = fields
		return
	}
	for k, v := range fields {
		if _, newer := rec[k]; !newer {
			rec[k] = v
		}
	}
}

// Flush writes one update per pending user, stamping last_bot_update with the store clock.
// Users whose write fails stay queued. It returns the number of users written.
func (b *Batcher) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]store.Record)
	b.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	users := make([]string, 0, len(batch))
	for id := range batch {
		users = append(users, id)
	}
	sort.Strings(users)

	written, failed := 0, 0
	var firstErr error
	for i, userID := range users {
		fields := batch[userID]
		if err := b.limiter.Wait(ctx); err != nil {
			for _, rest := range users[i:] {
				b.requeue(rest, batch[rest])
			}
			failed += len(users) - i
			if firstErr == nil {
				firstErr = err
			}
			break
		}

		rec := make(store.Record, len(fields)+1)
		for k, v := range fields {
			rec[k] = v
		}
		rec[lastUpdateField] = b.kv.ServerTimestamp()

		if err := b.kv.Update(ctx, userID, rec); err != nil {
			b.requeue(userID, fields)
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("update %s: %w", userID, err)
			}
			b.log.WithError(err).WithFields(logger.Fields{"user_id": userID}).Warn("batched store update failed")
			continue
		}
		written++
	}

	if written > 0 {
		metrics.EmitMetric(nil, "batcher", metrics.StoreFlush, written, metrics.TypeCounter, logger.Fields{
			"outcome": metrics.OutcomeOK,
		})
	}
	if failed > 0 {
		metrics.EmitMetric(nil, "batcher", metrics.StoreFlush, failed, metrics.TypeCounter, logger.Fields{
			"outcome": metrics.OutcomeFailed,
		})
	}
	b.log.WithFields(logger.Fields{"written": written, "failed": failed}).Info("batched store update")
	return written, firstErr
}
