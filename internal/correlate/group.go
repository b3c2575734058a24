package correlate

import (
	"time"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
)

// CloseReason says why a group stopped accepting the "open" treatment.
type CloseReason string

const (
	CloseLinkedIDEnd CloseReason = "linkedid_end"
	CloseQuiescent   CloseReason = "quiescent"
	CloseDisposed    CloseReason = "cdr_disposed"
	CloseAllHungUp   CloseReason = "all_hung_up"
)

// Group is all CDR and CEL records sharing a linked_id, held in canonical
// order. Mutable only by appending later-arriving records for the same
// linked_id; a group is never spliced into another group.
type Group struct {
	LinkedID string

	records []cdr.Record

	lastArrival time.Time
	closed      bool
	closeReason CloseReason
}

// recordLess orders records by event time, with CDR sequence as the
// discriminator when times are equal (event time is the canonical tie-break
// when sequence is absent or equal).
func recordLess(a, b cdr.Record) bool {
	at, bt := a.Time(), b.Time()
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return seqOf(a) < seqOf(b)
}

func seqOf(r cdr.Record) int64 {
	if c, ok := r.(*cdr.CdrRecord); ok {
		if c.Sequence != 0 {
			return c.Sequence
		}
		return cdr.SequenceFromUniqueID(c.UniqueID)
	}
	if c, ok := r.(*cdr.CelRecord); ok {
		return cdr.SequenceFromUniqueID(c.UniqueID)
	}
	return 0
}

// insert places rec at its ordered position, so out-of-order delivery still
// yields a correctly ordered thread. Exact duplicates are dropped.
func (g *Group) insert(rec cdr.Record) bool {
	if g.contains(rec) {
		return false
	}
	i := len(g.records)
	for i > 0 && recordLess(rec, g.records[i-1]) {
		i--
	}
	g.records = append(g.records, nil)
	copy(g.records[i+1:], g.records[i:])
	g.records[i] = rec
	return true
}

func (g *Group) contains(rec cdr.Record) bool {
	switch r := rec.(type) {
	case *cdr.CdrRecord:
		for _, existing := range g.records {
			if c, ok := existing.(*cdr.CdrRecord); ok && c.UniqueID == r.UniqueID && c.Sequence == r.Sequence {
				return true
			}
		}
	case *cdr.CelRecord:
		for _, existing := range g.records {
			if c, ok := existing.(*cdr.CelRecord); ok &&
				c.UniqueID == r.UniqueID && c.EventType == r.EventType && c.EventTime.Equal(r.EventTime) {
				return true
			}
		}
	}
	return false
}

// Records returns the ordered record thread.
func (g *Group) Records() []cdr.Record {
	out := make([]cdr.Record, len(g.records))
	copy(out, g.records)
	return out
}

// CDRs returns the CDR legs in canonical order.
func (g *Group) CDRs() []*cdr.CdrRecord {
	var out []*cdr.CdrRecord
	for _, r := range g.records {
		if c, ok := r.(*cdr.CdrRecord); ok {
			out = append(out, c)
		}
	}
	return out
}

// CELs returns the lifecycle events in canonical order.
func (g *Group) CELs() []*cdr.CelRecord {
	var out []*cdr.CelRecord
	for _, r := range g.records {
		if c, ok := r.(*cdr.CelRecord); ok {
			out = append(out, c)
		}
	}
	return out
}

// Closed reports whether the group has been closed, and why.
func (g *Group) Closed() (bool, CloseReason) { return g.closed, g.closeReason }

// LastArrival is the wall-clock instant the most recent record arrived.
func (g *Group) LastArrival() time.Time { return g.lastArrival }

// StartTime is the canonical start of the call: the time of the earliest record.
func (g *Group) StartTime() time.Time {
	if len(g.records) == 0 {
		return time.Time{}
	}
	return g.records[0].Time()
}

// hasLinkedIDEnd reports whether the terminal CEL event has been observed.
func (g *Group) hasLinkedIDEnd() bool {
	for _, c := range g.CELs() {
		if c.EventType == cdr.CelLinkedIDEnd {
			return true
		}
	}
	return false
}

// allChannelsHungUp reports whether every started channel has seen a hangup.
func (g *Group) allChannelsHungUp() bool {
	started := map[string]bool{}
	hangups := 0
	for _, c := range g.CELs() {
		switch c.EventType {
		case cdr.CelChanStart:
			started[c.ChanName] = true
		case cdr.CelHangup:
			hangups++
		}
	}
	return len(started) > 0 && hangups >= len(started)
}

// allCDRsDisposed reports whether at least one CDR exists and every CDR leg
// carries a terminal disposition.
func (g *Group) allCDRsDisposed() bool {
	cdrs := g.CDRs()
	if len(cdrs) == 0 {
		return false
	}
	for _, c := range cdrs {
		if !c.Disposition.Terminal() {
			return false
		}
	}
	return true
}
