package aggregate

import (
	"time"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
	"github.com/sweeney/asterisk-shipper/internal/classify"
	"github.com/sweeney/asterisk-shipper/internal/correlate"
)

// Builder folds a correlated group plus classifier output into a
// CallAggregate. Build is called on every change to a group; direction is
// decided once and only re-evaluated when the earlier evidence was unknown.
type Builder struct {
	direction *classify.DirectionClassifier
	numbers   *classify.NumberExtractor
	tenants   *classify.TenantResolver

	// LongCallThreshold marks calls running longer than this as long calls.
	LongCallThreshold time.Duration
}

// NewBuilder wires the classifier bundle into a builder.
func NewBuilder(dir *classify.DirectionClassifier, num *classify.NumberExtractor, ten *classify.TenantResolver, longCall time.Duration) *Builder {
	return &Builder{
		direction:         dir,
		numbers:           num,
		tenants:           ten,
		LongCallThreshold: longCall,
	}
}

// Ready is the minimum-data predicate gating first emission: at least one CDR
// leg, or for CEL-only feeds a CHAN_START plus one subsequent lifecycle event.
func (b *Builder) Ready(g *correlate.Group) bool {
	if len(g.CDRs()) > 0 {
		return true
	}
	cels := g.CELs()
	sawStart := false
	for _, c := range cels {
		if c.EventType == cdr.CelChanStart {
			sawStart = true
			continue
		}
		if sawStart {
			return true
		}
	}
	return false
}

// Build produces the current aggregate for a group. prev, when non-nil, is
// the previously built aggregate for the same linked_id; its established
// direction is kept unless it was unknown.
func (b *Builder) Build(g *correlate.Group, prev *CallAggregate, now time.Time) *CallAggregate {
	dir := classify.DirectionUnknown
	if prev != nil {
		dir = classify.Direction(prev.Direction)
	}
	if dir == classify.DirectionUnknown || dir == "" {
		dir = b.direction.Classify(g)
	}

	ep := b.numbers.Extract(g, dir)
	tenant := b.tenants.Resolve(g, ep.DstNumber)

	closed, _ := g.Closed()

	agg := &CallAggregate{
		LinkedID:     g.LinkedID,
		Direction:    string(dir),
		SrcNumber:    ep.SrcNumber,
		DstNumber:    ep.DstNumber,
		SrcExtension: ep.SrcExtension,
		DstExtension: ep.DstExtension,
		Tenant:       tenant,
		StartedAt:    g.StartTime().UTC(),
		IsComplete:   closed,
	}

	agg.SrcName = b.callerName(g, dir, ep)
	agg.CallThreads = buildThreads(g)
	agg.CallThreadsCount = len(agg.CallThreads)

	b.fillTimes(g, agg, now)

	if prev != nil && prev.ShippingPhase != "" {
		agg.ShippingPhase = prev.ShippingPhase
	}
	return agg
}

// callerName recovers the caller's display name. Inbound caller names always
// land on the source side; the destination of an inbound call is a DID and
// has no name.
func (b *Builder) callerName(g *correlate.Group, dir classify.Direction, ep classify.Endpoints) string {
	for _, c := range g.CELs() {
		if c.CallerName == "" {
			continue
		}
		num := classify.NormalizeNumber(cdr.CleanNumber(c.CallerNum))
		if ep.SrcNumber != "" && num != ep.SrcNumber && c.CallerNum != ep.SrcExtension {
			continue
		}
		if name := classify.CleanCallerName(c.CallerName); name != "" {
			return name
		}
		if dir == classify.DirectionInbound {
			// The cleanup judged this a number-only CID; keep scanning other
			// events but never fabricate a name.
			continue
		}
	}
	return ""
}

func (b *Builder) fillTimes(g *correlate.Group, agg *CallAggregate, now time.Time) {
	var answered, ended time.Time
	duration := 0
	disposition := ""

	for _, c := range g.CDRs() {
		if !c.AnswerTime.IsZero() && (answered.IsZero() || c.AnswerTime.Before(answered)) {
			answered = c.AnswerTime
		}
		if c.EndTime.After(ended) {
			ended = c.EndTime
		}
		if c.Duration > duration {
			duration = c.Duration
		}
		if c.Disposition == cdr.DispositionAnswered {
			disposition = string(cdr.DispositionAnswered)
		} else if disposition == "" && c.Disposition != "" {
			disposition = string(c.Disposition)
		}
	}
	for _, c := range g.CELs() {
		switch c.EventType {
		case cdr.CelAnswer:
			if answered.IsZero() || c.EventTime.Before(answered) {
				answered = c.EventTime
			}
		case cdr.CelHangup, cdr.CelLinkedIDEnd:
			if c.EventTime.After(ended) {
				ended = c.EventTime
			}
		}
	}

	if !answered.IsZero() {
		t := answered.UTC()
		agg.AnsweredAt = &t
	}
	if agg.IsComplete && !ended.IsZero() {
		t := ended.UTC()
		agg.EndedAt = &t
	}

	if duration == 0 && !agg.StartedAt.IsZero() {
		until := ended
		if until.IsZero() {
			until = now
		}
		if until.After(agg.StartedAt) {
			duration = int(until.Sub(agg.StartedAt) / time.Second)
		}
	}
	agg.DurationSeconds = duration
	agg.Disposition = disposition

	if b.LongCallThreshold > 0 {
		agg.IsLongCall = time.Duration(duration)*time.Second >= b.LongCallThreshold
	}
}

// significantCelEvents are the lifecycle events worth carrying in the
// shipped thread; chatter like CHAN_END or APP_END adds nothing downstream.
var significantCelEvents = map[cdr.CelEventType]bool{
	cdr.CelChanStart:   true,
	cdr.CelAnswer:      true,
	cdr.CelBridgeEnter: true,
	cdr.CelBridgeExit:  true,
	cdr.CelParkStart:   true,
	cdr.CelParkEnd:     true,
	cdr.CelBlindXfer:   true,
	cdr.CelAttXfer:     true,
	cdr.CelHangup:      true,
	cdr.CelLinkedIDEnd: true,
}

// buildThreads converts the ordered group records into thread descriptors.
// The group is already in canonical order, so the thread preserves it.
func buildThreads(g *correlate.Group) []ThreadEvent {
	var threads []ThreadEvent
	for _, rec := range g.Records() {
		switch r := rec.(type) {
		case *cdr.CdrRecord:
			threads = append(threads, ThreadEvent{
				Time:        r.StartTime.UTC(),
				Event:       "CDR",
				Channel:     r.Channel,
				DstChannel:  r.DstChannel,
				Src:         r.Src,
				Dst:         r.Dst,
				Duration:    r.Duration,
				BillSec:     r.BillSec,
				Disposition: string(r.Disposition),
				UniqueID:    r.UniqueID,
			})
		case *cdr.CelRecord:
			if !significantCelEvents[r.EventType] {
				continue
			}
			ev := ThreadEvent{
				Time:     r.EventTime.UTC(),
				Event:    string(r.EventType),
				Channel:  r.ChanName,
				Exten:    r.Exten,
				Context:  r.Context,
				App:      r.AppName,
				AppData:  r.AppData,
				UniqueID: r.UniqueID,
			}
			switch r.EventType {
			case cdr.CelBridgeEnter, cdr.CelBridgeExit:
				ev.Peer = r.Peer
			case cdr.CelBlindXfer, cdr.CelAttXfer:
				ev.Transferee = r.Extra
			}
			threads = append(threads, ev)
		}
	}
	return threads
}
