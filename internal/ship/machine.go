package ship

import "time"

// Phase is a shipping phase. Phases only advance; the update phase may
// repeat for long-call heartbeats but never regresses from complete.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseInitial  Phase = "initial"
	PhaseUpdate   Phase = "update"
	PhaseComplete Phase = "complete"
)

// rank orders phases for the no-regression invariant.
func (p Phase) rank() int {
	switch p {
	case PhaseInitial:
		return 1
	case PhaseUpdate:
		return 2
	case PhaseComplete:
		return 3
	}
	return 0
}

// After reports whether p is a later phase than other.
func (p Phase) After(other Phase) bool { return p.rank() > other.rank() }

// Mode selects the delivery policy.
type Mode string

const (
	// ModeComplete ships a call once, when it closes (plus long-call
	// heartbeats). The default: least API traffic.
	ModeComplete Mode = "complete"
	// ModeProgressive ships as soon as minimum data exists and on every
	// material change: real-time visibility at the cost of traffic.
	ModeProgressive Mode = "progressive"
)

// Prior is what the dedup store remembers about earlier shipments of a call.
type Prior struct {
	Phase         Phase
	ShippedAt     time.Time
	ShipCount     int
	CompleteCount int
	ContentHash   string
	CdrCount      int
	CelCount      int
}

// Snapshot is the current observation of a call being considered for shipping.
type Snapshot struct {
	IsComplete  bool
	ContentHash string
	CdrCount    int
	CelCount    int
	StartedAt   time.Time
	Now         time.Time
}

// Decision says whether to ship and in which phase.
type Decision struct {
	Ship  bool
	Phase Phase
}

// Machine decides, per aggregate, whether and in what phase to ship.
type Machine struct {
	Mode Mode
	// LongCallThreshold triggers update re-ships for calls still open past
	// each multiple of the threshold. Zero disables heartbeats.
	LongCallThreshold time.Duration
}

// NewMachine builds a state machine; an unrecognized mode falls back to
// complete.
func NewMachine(mode Mode, longCall time.Duration) *Machine {
	if mode != ModeProgressive {
		mode = ModeComplete
	}
	return &Machine{Mode: mode, LongCallThreshold: longCall}
}

// Decide applies the shipping policy. prior is nil when the call has never
// been shipped.
func (m *Machine) Decide(prior *Prior, snap Snapshot) Decision {
	if m.Mode == ModeProgressive {
		return m.decideProgressive(prior, snap)
	}
	return m.decideComplete(prior, snap)
}

func (m *Machine) decideComplete(prior *Prior, snap Snapshot) Decision {
	if prior == nil {
		if snap.IsComplete {
			return Decision{Ship: true, Phase: PhaseComplete}
		}
		if m.heartbeatDue(snap.StartedAt, snap.Now) {
			return Decision{Ship: true, Phase: PhaseUpdate}
		}
		return Decision{}
	}

	if snap.IsComplete {
		if prior.Phase != PhaseComplete {
			return Decision{Ship: true, Phase: PhaseComplete}
		}
		return m.corrective(prior, snap)
	}

	// Still open: re-ship an update once per threshold interval.
	if m.LongCallThreshold > 0 && snap.Now.Sub(prior.ShippedAt) >= m.LongCallThreshold {
		return Decision{Ship: true, Phase: PhaseUpdate}
	}
	return Decision{}
}

func (m *Machine) decideProgressive(prior *Prior, snap Snapshot) Decision {
	if prior == nil {
		return Decision{Ship: true, Phase: PhaseInitial}
	}

	if snap.IsComplete {
		if prior.Phase != PhaseComplete {
			return Decision{Ship: true, Phase: PhaseComplete}
		}
		return m.corrective(prior, snap)
	}

	// Material change: new records arrived since the last shipment.
	if snap.CdrCount > prior.CdrCount || snap.CelCount > prior.CelCount {
		if snap.ContentHash != prior.ContentHash {
			return Decision{Ship: true, Phase: PhaseUpdate}
		}
	}

	if m.heartbeatDueSince(prior.ShippedAt, snap.Now) {
		return Decision{Ship: true, Phase: PhaseUpdate}
	}
	return Decision{}
}

// corrective allows at most one re-ship of an already complete call when
// late-arriving evidence changed its content. The phase never regresses.
func (m *Machine) corrective(prior *Prior, snap Snapshot) Decision {
	if prior.CompleteCount < 2 && snap.ContentHash != prior.ContentHash {
		return Decision{Ship: true, Phase: PhaseComplete}
	}
	return Decision{}
}

func (m *Machine) heartbeatDue(startedAt, now time.Time) bool {
	if m.LongCallThreshold <= 0 || startedAt.IsZero() {
		return false
	}
	return now.Sub(startedAt) >= m.LongCallThreshold
}

func (m *Machine) heartbeatDueSince(lastShipped, now time.Time) bool {
	if m.LongCallThreshold <= 0 || lastShipped.IsZero() {
		return false
	}
	return now.Sub(lastShipped) >= m.LongCallThreshold
}

// Suppress reports whether a positive decision should be skipped anyway
// because the content is byte-identical to the previous shipment in the same
// phase.
func Suppress(prior *Prior, d Decision, contentHash string) bool {
	if prior == nil || !d.Ship {
		return false
	}
	return d.Phase == prior.Phase && contentHash == prior.ContentHash
}
