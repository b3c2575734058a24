package correlate

import (
	"sync"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Index maintains the linked_id → Group mapping. It is the only shared
// mutable state between the ingest loop and the sweep loop; all mutation is
// serialized per call through the index lock.
type Index struct {
	mu     sync.Mutex
	groups map[string]*Group
	clock  Clock

	// Quiescence is how long a group may sit without new records before the
	// sweep closes it.
	Quiescence time.Duration

	// RequireCEL, when false, lets a fully disposed set of CDR legs close the
	// group even though no LINKEDID_END was seen (CDR-only feeds).
	RequireCEL bool
}

// Option configures an Index.
type Option func(*Index)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(ix *Index) { ix.clock = c }
}

// WithQuiescence sets the no-new-records closure interval.
func WithQuiescence(d time.Duration) Option {
	return func(ix *Index) { ix.Quiescence = d }
}

// WithRequireCEL controls whether closure needs CEL evidence.
func WithRequireCEL(require bool) Option {
	return func(ix *Index) { ix.RequireCEL = require }
}

// NewIndex creates a correlation index.
func NewIndex(opts ...Option) *Index {
	ix := &Index{
		groups:     make(map[string]*Group),
		clock:      time.Now,
		Quiescence: 60 * time.Second,
		RequireCEL: true,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Ingest inserts a normalized record into its group, creating the group on
// first sight. Returns the group and whether the record was new to it.
func (ix *Index) Ingest(rec cdr.Record) (*Group, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	key := rec.Key()
	g := ix.groups[key]
	if g == nil {
		g = &Group{LinkedID: key}
		ix.groups[key] = g
	}
	added := g.insert(rec)
	if added {
		g.lastArrival = ix.clock()
		// A late record can re-open nothing: closure is sticky, but the new
		// evidence still lands in the thread for a corrective re-ship.
		if !g.closed {
			ix.evaluateClosure(g)
		}
	}
	return g, added
}

// Get returns the group for a linked_id, or nil.
func (ix *Index) Get(linkedID string) *Group {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.groups[linkedID]
}

// Open returns the number of groups currently tracked.
func (ix *Index) Open() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.groups)
}

// OpenGroups returns every group still tracked, for the periodic sweep.
func (ix *Index) OpenGroups() []*Group {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]*Group, 0, len(ix.groups))
	for _, g := range ix.groups {
		out = append(out, g)
	}
	return out
}

// Sweep closes quiescent groups and returns every group that is now closed.
// Closed groups stay in the index until Evict, so late records still correlate.
func (ix *Index) Sweep() []*Group {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := ix.clock()
	var closed []*Group
	for _, g := range ix.groups {
		if !g.closed {
			ix.evaluateClosure(g)
			if !g.closed && ix.Quiescence > 0 && len(g.records) > 0 &&
				now.Sub(g.lastArrival) >= ix.Quiescence {
				g.closed = true
				g.closeReason = CloseQuiescent
			}
		}
		if g.closed {
			closed = append(closed, g)
		}
	}
	return closed
}

// Evict drops a group whose aggregate has been shipped and whose dedup
// window has elapsed.
func (ix *Index) Evict(linkedID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.groups, linkedID)
}

// evaluateClosure applies the evidence-based closure rules. Callers hold the lock.
func (ix *Index) evaluateClosure(g *Group) {
	switch {
	case g.hasLinkedIDEnd():
		g.closed = true
		g.closeReason = CloseLinkedIDEnd
	case g.allChannelsHungUp():
		g.closed = true
		g.closeReason = CloseAllHungUp
	case !ix.RequireCEL && g.allCDRsDisposed():
		g.closed = true
		g.closeReason = CloseDisposed
	}
}
