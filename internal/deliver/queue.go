package deliver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/asterisk-shipper/internal/aggregate"
	"github.com/sweeney/asterisk-shipper/internal/metrics"
	"github.com/sweeney/asterisk-shipper/internal/ship"
	"github.com/sweeney/asterisk-shipper/internal/state"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// item is one pending shipment of an aggregate in a given phase.
type item struct {
	agg      *aggregate.CallAggregate
	phase    ship.Phase
	enqueued time.Time
	deadline time.Time

	attempts  int
	nextRetry time.Time
}

// QueueOptions configures batching and retry behavior.
type QueueOptions struct {
	// BatchSize flushes a batch once this many items are due.
	BatchSize int
	// MaxWait flushes a smaller batch once the oldest due item has waited
	// this long.
	MaxWait time.Duration
	// InitialBackoff is the first retry delay; each failure doubles it up
	// to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RetryCeiling is how long a record may keep failing before it is
	// dropped and counted as permanently failed.
	RetryCeiling time.Duration
	// SubmitTimeout bounds a single Submit call.
	SubmitTimeout time.Duration
	// DrainGrace bounds the final flush on shutdown.
	DrainGrace time.Duration
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 5 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Hour
	}
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = 48 * time.Hour
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = 10 * time.Second
	}
	return o
}

// Queue batches aggregates and submits them to the delivery client,
// retrying transient failures with bounded exponential backoff. At most one
// pending shipment exists per linked_id; a newer shipment for the same call
// replaces the older one (its phase is always equal or later), so two
// shipments of one aggregate can never reorder.
type Queue struct {
	client  Client
	store   *state.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    QueueOptions
	clock   Clock

	// OnShipped, when set, runs after each successful shipment. Used for
	// completion notifications.
	OnShipped func(agg *aggregate.CallAggregate, phase ship.Phase)

	mu      sync.Mutex
	order   []string         // FIFO of linked_ids with a pending item
	pending map[string]*item // linked_id → pending shipment
}

// NewQueue creates a delivery queue.
func NewQueue(client Client, store *state.Store, m *metrics.Metrics, logger *slog.Logger, opts QueueOptions) *Queue {
	return &Queue{
		client:  client,
		store:   store,
		logger:  logger,
		metrics: m,
		opts:    opts.withDefaults(),
		pending: make(map[string]*item),
		clock:   time.Now,
	}
}

// SetClock overrides the time source for tests.
func (q *Queue) SetClock(c Clock) { q.clock = c }

// Enqueue queues an aggregate for shipment in the given phase. A pending
// shipment for the same linked_id is replaced with the newer content; retry
// bookkeeping carries over so backoff is not reset by fresh data.
func (q *Queue) Enqueue(agg *aggregate.CallAggregate, phase ship.Phase) {
	now := q.clock()
	agg.ShippingPhase = string(phase)

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.pending[agg.LinkedID]; ok {
		existing.agg = agg
		if phase.After(existing.phase) {
			existing.phase = phase
		}
		return
	}
	q.pending[agg.LinkedID] = &item{
		agg:      agg,
		phase:    phase,
		enqueued: now,
		deadline: now.Add(q.opts.RetryCeiling),
	}
	q.order = append(q.order, agg.LinkedID)
	q.metrics.QueueDepth.Store(int64(len(q.pending)))
}

// Depth returns the number of pending shipments.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run is the batch-submit loop: it flushes when a full batch is due or the
// oldest due item has waited MaxWait, and drains best-effort on shutdown.
func (q *Queue) Run(ctx context.Context) {
	tick := q.opts.MaxWait / 5
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.drain()
			return
		case <-ticker.C:
			q.Flush(ctx, false)
		}
	}
}

// drain pushes whatever is still pending, bounded by the grace timeout, then
// persists store state.
func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.DrainGrace)
	defer cancel()
	q.Flush(ctx, true)
	if err := q.store.Flush(); err != nil {
		q.logger.Error("state flush on shutdown failed", "error", err)
	}
}

// Flush submits due items. force ships everything due regardless of batch
// sizing (shutdown path).
func (q *Queue) Flush(ctx context.Context, force bool) {
	for {
		batch := q.takeBatch(force)
		if len(batch) == 0 {
			return
		}
		q.submit(ctx, batch)
		if !force {
			return
		}
	}
}

// takeBatch collects up to BatchSize due items in FIFO order. Without force,
// a partial batch is only taken once its oldest item has waited MaxWait.
func (q *Queue) takeBatch(force bool) []*item {
	now := q.clock()
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*item
	var dueIDs []string
	var oldest time.Time
	for _, id := range q.order {
		it := q.pending[id]
		if it == nil || it.nextRetry.After(now) {
			continue
		}
		if oldest.IsZero() || it.enqueued.Before(oldest) {
			oldest = it.enqueued
		}
		due = append(due, it)
		dueIDs = append(dueIDs, id)
		if len(due) >= q.opts.BatchSize {
			break
		}
	}
	if len(due) == 0 {
		return nil
	}
	if !force && len(due) < q.opts.BatchSize && now.Sub(oldest) < q.opts.MaxWait {
		return nil
	}

	for _, id := range dueIDs {
		delete(q.pending, id)
	}
	q.order = compactOrder(q.order, q.pending)
	q.metrics.QueueDepth.Store(int64(len(q.pending)))
	return due
}

func compactOrder(order []string, pending map[string]*item) []string {
	out := order[:0]
	for _, id := range order {
		if _, ok := pending[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// submit ships one batch and settles each record's fate: shipped, retry
// scheduled, rejected, or permanently failed.
func (q *Queue) submit(ctx context.Context, batch []*item) {
	now := q.clock()
	batchID := uuid.NewString()
	aggs := make([]*aggregate.CallAggregate, len(batch))
	for i, it := range batch {
		aggs[i] = it.agg
		q.store.RecordAttempt(it.agg.LinkedID, now)
	}

	sctx, cancel := context.WithTimeout(ctx, q.opts.SubmitTimeout)
	res, err := q.client.Submit(sctx, aggs)
	cancel()

	if err != nil {
		q.logger.Warn("batch submit failed",
			"batch_id", batchID, "size", len(batch), "error", err)
		for _, it := range batch {
			q.requeueOrDrop(it, err.Error(), now)
		}
		return
	}

	rejected := make(map[string]string, len(res.Rejected))
	for _, r := range res.Rejected {
		rejected[r.LinkedID] = r.Reason
	}

	for _, it := range batch {
		if reason, ok := rejected[it.agg.LinkedID]; ok {
			// Data error: final. Logged for inspection, never retried.
			q.logger.Error("record rejected by API",
				"linked_id", it.agg.LinkedID, "phase", it.phase, "reason", reason)
			q.metrics.DeliveryRejected.Add(1)
			q.store.RecordFailure(it.agg.LinkedID, reason, time.Time{}, true)
			continue
		}
		q.settleShipped(it, now)
	}

	q.logger.Info("batch shipped",
		"batch_id", batchID, "accepted", res.Accepted, "rejected", len(res.Rejected))
}

func (q *Queue) settleShipped(it *item, now time.Time) {
	cdrCount, celCount := threadCounts(it.agg)
	if err := q.store.RecordShipped(it.agg.LinkedID, it.phase, it.agg.ContentHash(), cdrCount, celCount, now); err != nil {
		q.logger.Error("recording shipment failed", "linked_id", it.agg.LinkedID, "error", err)
	}
	switch it.phase {
	case ship.PhaseInitial:
		q.metrics.ShippedInitial.Add(1)
	case ship.PhaseUpdate:
		q.metrics.ShippedUpdate.Add(1)
	case ship.PhaseComplete:
		q.metrics.ShippedComplete.Add(1)
	}
	if q.OnShipped != nil {
		q.OnShipped(it.agg, it.phase)
	}
}

// requeueOrDrop schedules a retry with doubled backoff, or drops the record
// once it has been failing past the retry ceiling.
func (q *Queue) requeueOrDrop(it *item, errMsg string, now time.Time) {
	if now.After(it.deadline) {
		q.logger.Error("record permanently failed",
			"linked_id", it.agg.LinkedID, "phase", it.phase,
			"attempts", it.attempts+1, "error", errMsg)
		q.metrics.FailedPermanent.Add(1)
		q.store.RecordFailure(it.agg.LinkedID, errMsg, time.Time{}, true)
		return
	}

	it.attempts++
	backoff := q.opts.InitialBackoff << (it.attempts - 1)
	if backoff > q.opts.MaxBackoff || backoff <= 0 {
		backoff = q.opts.MaxBackoff
	}
	it.nextRetry = now.Add(backoff)
	q.metrics.DeliveryRetries.Add(1)
	q.store.RecordFailure(it.agg.LinkedID, errMsg, it.nextRetry, false)

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.pending[it.agg.LinkedID]; ok {
		// Fresh content was enqueued while this batch was in flight; keep
		// the newer aggregate but inherit the retry schedule.
		existing.attempts = it.attempts
		existing.nextRetry = it.nextRetry
		existing.deadline = it.deadline
		return
	}
	q.pending[it.agg.LinkedID] = it
	q.order = append(q.order, it.agg.LinkedID)
	q.metrics.QueueDepth.Store(int64(len(q.pending)))
}

// NextRetryAt returns the earliest scheduled retry, if any, for the retry
// scheduler's sleep.
func (q *Queue) NextRetryAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var earliest time.Time
	for _, it := range q.pending {
		if it.nextRetry.IsZero() {
			continue
		}
		if earliest.IsZero() || it.nextRetry.Before(earliest) {
			earliest = it.nextRetry
		}
	}
	return earliest, !earliest.IsZero()
}

func threadCounts(agg *aggregate.CallAggregate) (cdrCount, celCount int) {
	for _, ev := range agg.CallThreads {
		if ev.Event == "CDR" {
			cdrCount++
		} else {
			celCount++
		}
	}
	return cdrCount, celCount
}
