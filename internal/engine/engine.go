// Package engine wires the pipeline together: feed records are normalized
// and correlated, closed or changed groups are folded into aggregates, the
// shipping policy decides what to send, and the delivery queue ships it.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/aggregate"
	"github.com/sweeney/asterisk-shipper/internal/api"
	"github.com/sweeney/asterisk-shipper/internal/cdr"
	"github.com/sweeney/asterisk-shipper/internal/classify"
	"github.com/sweeney/asterisk-shipper/internal/correlate"
	"github.com/sweeney/asterisk-shipper/internal/deliver"
	"github.com/sweeney/asterisk-shipper/internal/feed"
	"github.com/sweeney/asterisk-shipper/internal/metrics"
	"github.com/sweeney/asterisk-shipper/internal/ship"
	"github.com/sweeney/asterisk-shipper/internal/state"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Options tunes the orchestration loops.
type Options struct {
	SweepInterval time.Duration
	PurgeInterval time.Duration
	Retention     time.Duration
	// EvictAfter is how long a closed, fully shipped group lingers in the
	// index so late records still correlate before the group is dropped.
	EvictAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.EvictAfter <= 0 {
		o.EvictAfter = 5 * time.Minute
	}
	return o
}

// Engine runs the ingest, sweep, and purge loops over shared components.
type Engine struct {
	feed    feed.Feed
	index   *correlate.Index
	builder *aggregate.Builder
	machine *ship.Machine
	store   *state.Store
	queue   *deliver.Queue
	tenants *classify.TenantResolver
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options
	clock   Clock

	// bootWatermark filters backlog at or before the instant the engine
	// first came up; later records always pass and rely on group-level
	// duplicate detection.
	bootWatermark time.Time

	mu        sync.Mutex
	lastBuilt map[string]*aggregate.CallAggregate
	// maxSeen is the newest record time accepted this run; the persisted
	// watermark chases it but never overtakes an unshipped call.
	maxSeen time.Time
}

// New assembles an engine from its components.
func New(f feed.Feed, ix *correlate.Index, b *aggregate.Builder, m *ship.Machine,
	st *state.Store, q *deliver.Queue, tr *classify.TenantResolver,
	mt *metrics.Metrics, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		feed:      f,
		index:     ix,
		builder:   b,
		machine:   m,
		store:     st,
		queue:     q,
		tenants:   tr,
		metrics:   mt,
		logger:    logger,
		opts:      opts.withDefaults(),
		clock:     time.Now,
		lastBuilt: make(map[string]*aggregate.CallAggregate),
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(c Clock) { e.clock = c }

// Run drives all loops until ctx is cancelled. It returns the first
// unrecoverable error from the feed.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.seedWatermark(ctx); err != nil {
		return err
	}

	records := make(chan cdr.RawRecord, 256)
	var wg sync.WaitGroup
	errc := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.feed.Run(ctx, records); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case errc <- err:
			default:
			}
		}
		close(records)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for raw := range records {
			e.ingest(raw)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sweepLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.queue.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.purgeLoop(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	wg.Wait()

	// Final sweep so evidence collected before shutdown is not lost; the
	// queue has already drained, so these wait for the next start.
	e.Sweep(e.clock())
	if err := e.store.Flush(); err != nil {
		e.logger.Error("final state flush failed", "error", err)
	}
	return runErr
}

// seedWatermark establishes where processing begins. A fresh state file
// starts at the newest record visible in the feed (or the wall clock for
// live streams); a restart resumes from the persisted watermark.
func (e *Engine) seedWatermark(ctx context.Context) error {
	if e.store.FreshStart() {
		max, err := e.feed.MaxRecordTime(ctx)
		if err != nil {
			return err
		}
		if max.IsZero() {
			max = e.clock().UTC()
		}
		if err := e.store.SetWatermark(max); err != nil {
			return err
		}
		e.logger.Info("fresh start, watermark seeded", "watermark", max)
	}
	e.bootWatermark = e.store.Watermark()

	// Polling feeds can position their cursor at the watermark and skip
	// the backlog entirely instead of fetching and filtering it.
	if s, ok := e.feed.(interface{ SeedCursor(time.Time) }); ok {
		s.SeedCursor(e.bootWatermark)
	}
	return nil
}

// ingest normalizes one raw record and lands it in its group.
func (e *Engine) ingest(raw cdr.RawRecord) {
	rec, err := cdr.Normalize(raw)
	if err != nil {
		e.metrics.RecordsDiscarded.Add(1)
		e.logger.Debug("discarding record", "error", err)
		return
	}

	if t := rec.Time(); !t.IsZero() && !e.bootWatermark.IsZero() && !t.After(e.bootWatermark) {
		e.metrics.RecordsFiltered.Add(1)
		return
	}

	_, added := e.index.Ingest(rec)
	if !added {
		return
	}
	e.metrics.RecordsProcessed.Add(1)
	if t := rec.Time(); !t.IsZero() {
		e.mu.Lock()
		if t.After(e.maxSeen) {
			e.maxSeen = t
		}
		e.mu.Unlock()
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(e.clock())
		}
	}
}

// Sweep is one pass of the shipping policy over every tracked group:
// quiescent groups close, ready groups are folded and offered to the
// machine, undisturbed shipped groups are eventually evicted.
func (e *Engine) Sweep(now time.Time) {
	e.index.Sweep()

	// holdback is the earliest record time across calls whose complete
	// shipment is not yet on record. The watermark must stay behind it so
	// a restart re-serves those calls instead of dropping them as backlog.
	var holdback time.Time
	for _, g := range e.index.OpenGroups() {
		settled := e.consider(g, now)
		if settled {
			continue
		}
		if st := g.StartTime(); !st.IsZero() && (holdback.IsZero() || st.Before(holdback)) {
			holdback = st
		}
	}
	e.advanceWatermark(holdback)
}

// consider runs the shipping policy for one group. It reports whether the
// group is settled: its current content shipped complete, nothing pending.
func (e *Engine) consider(g *correlate.Group, now time.Time) bool {
	if !e.builder.Ready(g) {
		return false
	}
	closed, reason := g.Closed()

	e.mu.Lock()
	prev := e.lastBuilt[g.LinkedID]
	e.mu.Unlock()

	agg := e.builder.Build(g, prev, now)
	hash := agg.ContentHash()

	e.mu.Lock()
	e.lastBuilt[g.LinkedID] = agg
	e.mu.Unlock()

	prior := e.store.Prior(g.LinkedID)
	if closed && (prev == nil || !prev.IsComplete) {
		e.metrics.GroupsClosed.Add(1)
		e.logger.Debug("group closed",
			"linked_id", g.LinkedID, "reason", string(reason),
			"cdr", len(g.CDRs()), "cel", len(g.CELs()))
	}

	snap := ship.Snapshot{
		IsComplete:  closed,
		ContentHash: hash,
		CdrCount:    len(g.CDRs()),
		CelCount:    len(g.CELs()),
		StartedAt:   agg.StartedAt,
		Now:         now,
	}
	d := e.machine.Decide(prior, snap)
	if d.Ship && !ship.Suppress(prior, d, hash) {
		e.queue.Enqueue(agg, d.Phase)
	}

	settled := !d.Ship && prior != nil && prior.Phase == ship.PhaseComplete &&
		prior.ContentHash == hash

	// A settled closed group can leave the index once the late-record
	// window has passed.
	if closed && settled && now.Sub(g.LastArrival()) >= e.opts.EvictAfter {
		e.index.Evict(g.LinkedID)
		e.mu.Lock()
		delete(e.lastBuilt, g.LinkedID)
		e.mu.Unlock()
	}
	return settled
}

// advanceWatermark moves the persisted watermark as far as delivery progress
// allows: up to the newest accepted record when every tracked call has
// shipped complete, otherwise to just before the oldest unshipped one.
func (e *Engine) advanceWatermark(holdback time.Time) {
	e.mu.Lock()
	maxSeen := e.maxSeen
	e.mu.Unlock()
	if maxSeen.IsZero() {
		return
	}
	safe := maxSeen
	if !holdback.IsZero() {
		safe = holdback.Add(-time.Nanosecond)
	}
	if err := e.store.AdvanceWatermark(safe); err != nil {
		e.logger.Warn("advancing watermark failed", "error", err)
	}
}

func (e *Engine) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.Purge(e.opts.Retention, e.clock())
			if err != nil {
				e.logger.Warn("state purge failed", "error", err)
			} else if n > 0 {
				e.logger.Info("purged shipped state", "records", n)
			}
		}
	}
}

// Status implements api.StatusSource.
func (e *Engine) Status() api.Status {
	hits, misses := e.tenants.CacheStats()
	e.metrics.CacheHits.Store(hits)
	e.metrics.CacheMisses.Store(misses)
	return api.Status{
		Feed:       e.feed.Name(),
		Mode:       string(e.machine.Mode),
		Watermark:  e.store.Watermark(),
		OpenGroups: e.index.Open(),
		QueueDepth: e.queue.Depth(),
		StateSize:  e.store.Len(),
		Metrics:    e.metrics.Snapshot(),
	}
}
