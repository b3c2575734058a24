package ship_test

import (
	"testing"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/ship"
)

var base = time.Date(2024, 2, 15, 16, 32, 25, 0, time.UTC)

func TestCompleteModeShipsOnClosureOnly(t *testing.T) {
	m := ship.NewMachine(ship.ModeComplete, time.Hour)

	open := ship.Snapshot{IsComplete: false, ContentHash: "h1", StartedAt: base, Now: base.Add(time.Minute)}
	if d := m.Decide(nil, open); d.Ship {
		t.Errorf("expected no shipment for an open short call, got phase %q", d.Phase)
	}

	closed := ship.Snapshot{IsComplete: true, ContentHash: "h2", StartedAt: base, Now: base.Add(3 * time.Minute)}
	d := m.Decide(nil, closed)
	if !d.Ship || d.Phase != ship.PhaseComplete {
		t.Errorf("expected complete shipment on closure, got %+v", d)
	}
}

func TestCompleteModeShipsExactlyOnce(t *testing.T) {
	m := ship.NewMachine(ship.ModeComplete, time.Hour)
	prior := &ship.Prior{
		Phase:         ship.PhaseComplete,
		ShippedAt:     base.Add(3 * time.Minute),
		ShipCount:     1,
		CompleteCount: 1,
		ContentHash:   "h2",
	}

	again := ship.Snapshot{IsComplete: true, ContentHash: "h2", StartedAt: base, Now: base.Add(10 * time.Minute)}
	if d := m.Decide(prior, again); d.Ship {
		t.Errorf("expected idempotent no-op on unchanged closed call, got %+v", d)
	}
}

func TestCompleteModeCorrectiveReshipOnce(t *testing.T) {
	m := ship.NewMachine(ship.ModeComplete, time.Hour)
	prior := &ship.Prior{
		Phase:         ship.PhaseComplete,
		ShippedAt:     base.Add(3 * time.Minute),
		ShipCount:     1,
		CompleteCount: 1,
		ContentHash:   "h2",
	}

	// Late evidence changed the content: one corrective complete re-ship.
	changed := ship.Snapshot{IsComplete: true, ContentHash: "h3", StartedAt: base, Now: base.Add(10 * time.Minute)}
	d := m.Decide(prior, changed)
	if !d.Ship || d.Phase != ship.PhaseComplete {
		t.Fatalf("expected corrective complete re-ship, got %+v", d)
	}

	// After the second complete shipment the call is settled for good.
	prior.CompleteCount = 2
	prior.ContentHash = "h3"
	more := ship.Snapshot{IsComplete: true, ContentHash: "h4", StartedAt: base, Now: base.Add(20 * time.Minute)}
	if d := m.Decide(prior, more); d.Ship {
		t.Errorf("expected no further re-ships after corrective, got %+v", d)
	}
}

func TestLongCallHeartbeat(t *testing.T) {
	m := ship.NewMachine(ship.ModeComplete, time.Hour)

	// First heartbeat: the call has been open past the threshold.
	snap := ship.Snapshot{IsComplete: false, ContentHash: "h1", StartedAt: base, Now: base.Add(61 * time.Minute)}
	d := m.Decide(nil, snap)
	if !d.Ship || d.Phase != ship.PhaseUpdate {
		t.Fatalf("expected update heartbeat for long call, got %+v", d)
	}

	// Within the same interval no further heartbeat ships.
	prior := &ship.Prior{Phase: ship.PhaseUpdate, ShippedAt: base.Add(61 * time.Minute), ShipCount: 1, ContentHash: "h1"}
	soon := ship.Snapshot{IsComplete: false, ContentHash: "h1", StartedAt: base, Now: base.Add(90 * time.Minute)}
	if d := m.Decide(prior, soon); d.Ship {
		t.Errorf("expected at most one heartbeat per interval, got %+v", d)
	}

	// The next interval boundary produces exactly one more.
	later := ship.Snapshot{IsComplete: false, ContentHash: "h2", StartedAt: base, Now: base.Add(122 * time.Minute)}
	d = m.Decide(prior, later)
	if !d.Ship || d.Phase != ship.PhaseUpdate {
		t.Errorf("expected second heartbeat after another interval, got %+v", d)
	}
}

func TestProgressiveModeLifecycle(t *testing.T) {
	m := ship.NewMachine(ship.ModeProgressive, time.Hour)

	// Minimum data present: initial ships immediately.
	d := m.Decide(nil, ship.Snapshot{IsComplete: false, ContentHash: "h1", CdrCount: 0, CelCount: 2, StartedAt: base, Now: base})
	if !d.Ship || d.Phase != ship.PhaseInitial {
		t.Fatalf("expected initial shipment, got %+v", d)
	}

	prior := &ship.Prior{Phase: ship.PhaseInitial, ShippedAt: base, ShipCount: 1, ContentHash: "h1", CelCount: 2}

	// New records with changed content: update.
	d = m.Decide(prior, ship.Snapshot{IsComplete: false, ContentHash: "h2", CelCount: 4, StartedAt: base, Now: base.Add(time.Minute)})
	if !d.Ship || d.Phase != ship.PhaseUpdate {
		t.Fatalf("expected update on material change, got %+v", d)
	}

	// New records with identical content hash: suppressed.
	d = m.Decide(prior, ship.Snapshot{IsComplete: false, ContentHash: "h1", CelCount: 4, StartedAt: base, Now: base.Add(time.Minute)})
	if d.Ship {
		t.Errorf("expected no update when content is unchanged, got %+v", d)
	}

	// Closure: complete, regardless of counts.
	d = m.Decide(prior, ship.Snapshot{IsComplete: true, ContentHash: "h3", CelCount: 4, StartedAt: base, Now: base.Add(2 * time.Minute)})
	if !d.Ship || d.Phase != ship.PhaseComplete {
		t.Errorf("expected complete on closure, got %+v", d)
	}
}

func TestPhaseOrdering(t *testing.T) {
	if !ship.PhaseComplete.After(ship.PhaseUpdate) ||
		!ship.PhaseUpdate.After(ship.PhaseInitial) ||
		!ship.PhaseInitial.After(ship.PhasePending) {
		t.Error("expected pending < initial < update < complete")
	}
	if ship.PhaseUpdate.After(ship.PhaseComplete) {
		t.Error("expected update not to rank above complete")
	}
}

func TestSuppress(t *testing.T) {
	prior := &ship.Prior{Phase: ship.PhaseUpdate, ContentHash: "h1"}
	d := ship.Decision{Ship: true, Phase: ship.PhaseUpdate}

	if !ship.Suppress(prior, d, "h1") {
		t.Error("expected same-phase identical-hash shipment to be suppressed")
	}
	if ship.Suppress(prior, d, "h2") {
		t.Error("expected changed content to pass")
	}
	if ship.Suppress(prior, ship.Decision{Ship: true, Phase: ship.PhaseComplete}, "h1") {
		t.Error("expected a later phase to pass even with identical content")
	}
	if ship.Suppress(nil, d, "h1") {
		t.Error("expected nil prior to pass")
	}
}
