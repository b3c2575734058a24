package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/aggregate"
	"github.com/sweeney/asterisk-shipper/internal/cdr"
	"github.com/sweeney/asterisk-shipper/internal/classify"
	"github.com/sweeney/asterisk-shipper/internal/correlate"
	"github.com/sweeney/asterisk-shipper/internal/deliver"
	"github.com/sweeney/asterisk-shipper/internal/metrics"
	"github.com/sweeney/asterisk-shipper/internal/ship"
	"github.com/sweeney/asterisk-shipper/internal/state"
)

// stubFeed hands a fixed set of records to the engine and then waits for
// shutdown.
type stubFeed struct {
	records []cdr.RawRecord
	maxTime time.Time
}

func (f *stubFeed) Name() string { return "stub" }

func (f *stubFeed) MaxRecordTime(context.Context) (time.Time, error) {
	return f.maxTime, nil
}

func (f *stubFeed) Run(ctx context.Context, out chan<- cdr.RawRecord) error {
	for _, raw := range f.records {
		select {
		case out <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type harness struct {
	engine *Engine
	feed   *stubFeed
	client *deliver.MockClient
	store  *state.Store
	queue  *deliver.Queue
	index  *correlate.Index
	m      *metrics.Metrics

	mu  sync.Mutex
	now time.Time
}

var bootTime = time.Date(2024, 2, 15, 16, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithState(t, filepath.Join(t.TempDir(), "state.json"))
}

// newHarnessWithState builds an engine over an explicit state path so tests
// can restart the engine against the same persisted state.
func newHarnessWithState(t *testing.T, statePath string) *harness {
	t.Helper()
	st, err := state.Open(statePath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	h := &harness{
		feed:   &stubFeed{},
		client: deliver.NewMockClient(),
		store:  st,
		m:      &metrics.Metrics{},
		now:    bootTime,
	}
	clock := func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h.queue = deliver.NewQueue(h.client, st, h.m, logger, deliver.QueueOptions{
		BatchSize: 1,
		MaxWait:   500 * time.Millisecond,
	})
	h.queue.SetClock(clock)
	h.index = correlate.NewIndex(
		correlate.WithClock(clock),
		correlate.WithQuiescence(60*time.Second),
	)

	tenants := classify.NewTenantResolver(classify.TenantConfig{
		DIDMap:        map[string]string{"6478752300": "gconnect"},
		DefaultTenant: "unknown",
	})
	dir := classify.NewDirectionClassifier(classify.DirectionConfig{})
	num := classify.NewNumberExtractor(classify.NumberShape{})
	builder := aggregate.NewBuilder(dir, num, tenants, time.Hour)
	machine := ship.NewMachine(ship.ModeComplete, time.Hour)

	h.engine = New(h.feed, h.index, builder, machine, st, h.queue, tenants, h.m, logger, Options{})
	h.engine.SetClock(clock)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func rawCEL(linkedID, uniqueID, eventType, when string) cdr.RawRecord {
	return cdr.RawRecord{Kind: cdr.RawCEL, Fields: map[string]string{
		"linkedid":  linkedID,
		"uniqueid":  uniqueID,
		"eventtype": eventType,
		"eventtime": when,
		"cid_num":   "6475551234",
		"exten":     "6478752300",
		"context":   "from-trunk",
		"channame":  "SIP/sbc-ca1-00000001",
	}}
}

func rawCDR(linkedID, uniqueID, when string) cdr.RawRecord {
	return cdr.RawRecord{Kind: cdr.RawCDR, Fields: map[string]string{
		"linkedid":    linkedID,
		"uniqueid":    uniqueID,
		"calldate":    when,
		"src":         "6475551234",
		"dst":         "6478752300",
		"dcontext":    "from-trunk",
		"channel":     "SIP/sbc-ca1-00000001",
		"dstchannel":  "SIP/101-00000002",
		"duration":    "65",
		"billsec":     "62",
		"disposition": "ANSWERED",
	}}
}

func TestPipelineShipsClosedCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.engine.seedWatermark(ctx); err != nil {
		t.Fatalf("seeding watermark: %v", err)
	}
	// Fresh start with a stream feed seeds the watermark at the wall clock.
	if !h.store.Watermark().Equal(bootTime) {
		t.Fatalf("expected watermark at boot time, got %v", h.store.Watermark())
	}

	h.engine.ingest(rawCEL("1708012800.1", "1708012800.1", "CHAN_START", "2024-02-15 16:00:30"))
	h.engine.ingest(rawCDR("1708012800.1", "1708012800.1", "2024-02-15 16:00:30"))
	h.engine.ingest(rawCEL("1708012800.1", "1708012800.1", "LINKEDID_END", "2024-02-15 16:01:35"))

	if got := h.m.RecordsProcessed.Load(); got != 3 {
		t.Fatalf("expected 3 records processed, got %d", got)
	}

	h.advance(2 * time.Minute)
	h.engine.Sweep(h.now)
	h.queue.Flush(ctx, true)

	shipped := h.client.Shipments()
	if len(shipped) != 1 {
		t.Fatalf("expected 1 shipment, got %d", len(shipped))
	}
	if shipped[0].LinkedID != "1708012800.1" || shipped[0].Phase != "complete" {
		t.Errorf("unexpected shipment: %+v", shipped[0])
	}
	if h.m.GroupsClosed.Load() != 1 {
		t.Errorf("expected groups_closed=1, got %d", h.m.GroupsClosed.Load())
	}

	// An undisturbed group must not ship again on later sweeps.
	h.advance(time.Minute)
	h.engine.Sweep(h.now)
	h.queue.Flush(ctx, true)
	if got := h.client.Shipments(); len(got) != 1 {
		t.Fatalf("expected no re-ship of unchanged group, got %d shipments", len(got))
	}

	// Once the late-record window passes, the group leaves the index.
	h.advance(10 * time.Minute)
	h.engine.Sweep(h.now)
	if h.index.Open() != 0 {
		t.Errorf("expected shipped group evicted, got %d open groups", h.index.Open())
	}

	// The watermark followed the newest accepted record.
	want := time.Date(2024, 2, 15, 16, 1, 35, 0, time.UTC)
	if !h.store.Watermark().Equal(want) {
		t.Errorf("expected watermark %v, got %v", want, h.store.Watermark())
	}
}

func TestIngestFiltersBacklog(t *testing.T) {
	h := newHarness(t)
	if err := h.store.SetWatermark(bootTime); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.seedWatermark(context.Background()); err != nil {
		t.Fatal(err)
	}

	// At or before the watermark: already shipped in a previous run.
	h.engine.ingest(rawCDR("1708009200.9", "1708009200.9", "2024-02-15 15:00:00"))
	h.engine.ingest(rawCDR("1708012800.0", "1708012800.0", "2024-02-15 16:00:00"))
	if h.m.RecordsFiltered.Load() != 2 {
		t.Errorf("expected 2 records filtered, got %d", h.m.RecordsFiltered.Load())
	}
	if h.index.Open() != 0 {
		t.Errorf("expected no groups from backlog, got %d", h.index.Open())
	}

	// After the watermark: new work.
	h.engine.ingest(rawCDR("1708012801.1", "1708012801.1", "2024-02-15 16:00:01"))
	if h.m.RecordsProcessed.Load() != 1 {
		t.Errorf("expected 1 record processed, got %d", h.m.RecordsProcessed.Load())
	}
}

func TestIngestDiscardsRecordsWithoutIdentity(t *testing.T) {
	h := newHarness(t)
	h.engine.ingest(cdr.RawRecord{Kind: cdr.RawCDR, Fields: map[string]string{
		"src": "6475551234",
		"dst": "6478752300",
	}})
	if h.m.RecordsDiscarded.Load() != 1 {
		t.Errorf("expected 1 record discarded, got %d", h.m.RecordsDiscarded.Load())
	}
}

func TestSeedWatermarkFromFeedBacklog(t *testing.T) {
	h := newHarness(t)
	h.feed.maxTime = bootTime.Add(-time.Hour)

	if err := h.engine.seedWatermark(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.store.Watermark().Equal(bootTime.Add(-time.Hour)) {
		t.Errorf("expected watermark at the feed's newest record, got %v", h.store.Watermark())
	}
}

func TestWatermarkHoldsBehindUnshippedCall(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.seedWatermark(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.engine.ingest(rawCDR("1708013400.5", "1708013400.5", "2024-02-15 16:10:00"))
	h.advance(time.Second)
	h.engine.Sweep(h.now)

	// The group is open and unshipped; the watermark must not reach its
	// records.
	if wm := h.store.Watermark(); !wm.Before(time.Date(2024, 2, 15, 16, 10, 0, 0, time.UTC)) {
		t.Errorf("watermark %v overtook an unshipped call", wm)
	}
}

func TestRestartResumesUnshippedCall(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	h1 := newHarnessWithState(t, statePath)
	if err := h1.engine.seedWatermark(ctx); err != nil {
		t.Fatal(err)
	}
	h1.engine.ingest(rawCDR("1708013400.5", "1708013400.5", "2024-02-15 16:10:00"))
	h1.advance(time.Second)
	h1.engine.Sweep(h1.now)
	// Process dies here: the call never closed and never shipped.

	h2 := newHarnessWithState(t, statePath)
	if err := h2.engine.seedWatermark(ctx); err != nil {
		t.Fatal(err)
	}
	h2.engine.ingest(rawCDR("1708013400.5", "1708013400.5", "2024-02-15 16:10:00"))
	if h2.m.RecordsFiltered.Load() != 0 {
		t.Fatal("re-served record filtered after restart; call would be lost")
	}

	h2.advance(15 * time.Minute)
	h2.engine.Sweep(h2.now)
	h2.queue.Flush(ctx, true)

	shipped := h2.client.Shipments()
	if len(shipped) != 1 || shipped[0].LinkedID != "1708013400.5" {
		t.Fatalf("expected the resumed call shipped once, got %+v", shipped)
	}
	if shipped[0].Phase != "complete" {
		t.Errorf("expected complete phase, got %q", shipped[0].Phase)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.seedWatermark(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.engine.ingest(rawCDR("1708012801.1", "1708012801.1", "2024-02-15 16:00:01"))

	st := h.engine.Status()
	if st.Feed != "stub" || st.Mode != "complete" {
		t.Errorf("unexpected status identity: %+v", st)
	}
	if st.OpenGroups != 1 {
		t.Errorf("expected 1 open group, got %d", st.OpenGroups)
	}
	if st.Metrics.RecordsProcessed != 1 {
		t.Errorf("expected 1 processed in metrics snapshot, got %d", st.Metrics.RecordsProcessed)
	}
}

func TestRunShipsEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.feed.records = []cdr.RawRecord{
		rawCEL("1708012800.1", "1708012800.1", "CHAN_START", "2024-02-15 16:00:30"),
		rawCDR("1708012800.1", "1708012800.1", "2024-02-15 16:00:30"),
		rawCEL("1708012800.1", "1708012800.1", "LINKEDID_END", "2024-02-15 16:01:35"),
	}
	h.engine.opts.SweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	// Let ingest land the records, then move past quiescence so a sweep tick
	// closes and enqueues; BatchSize 1 ships the batch on the next flush.
	deadline := time.After(2 * time.Second)
	for len(h.client.Shipments()) == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for shipment")
		case <-time.After(20 * time.Millisecond):
			h.advance(30 * time.Second)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("engine run: %v", err)
	}

	shipped := h.client.Shipments()
	if shipped[0].LinkedID != "1708012800.1" || shipped[0].Phase != "complete" {
		t.Errorf("unexpected shipment: %+v", shipped[0])
	}
}
