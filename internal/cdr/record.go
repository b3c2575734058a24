package cdr

import "time"

// Disposition is the terminal outcome of a CDR leg.
type Disposition string

const (
	DispositionAnswered   Disposition = "ANSWERED"
	DispositionNoAnswer   Disposition = "NO ANSWER"
	DispositionBusy       Disposition = "BUSY"
	DispositionFailed     Disposition = "FAILED"
	DispositionCongestion Disposition = "CONGESTION"
)

// Terminal reports whether the disposition marks a finished leg.
func (d Disposition) Terminal() bool {
	switch d {
	case DispositionAnswered, DispositionNoAnswer, DispositionBusy,
		DispositionFailed, DispositionCongestion:
		return true
	}
	return false
}

// CdrRecord is one terminal leg of a call as reported by the PBX.
// Immutable once produced by the source.
type CdrRecord struct {
	UniqueID   string
	LinkedID   string
	Sequence   int64
	StartTime  time.Time
	AnswerTime time.Time
	EndTime    time.Time

	Src      string
	Dst      string
	Context  string
	DContext string

	Channel    string
	DstChannel string

	LastApp  string
	LastData string

	Duration int
	BillSec  int

	Disposition Disposition

	AccountCode string
	UserField   string
	PeerAccount string
}

// CelEventType names a channel lifecycle event.
type CelEventType string

const (
	CelChanStart   CelEventType = "CHAN_START"
	CelChanEnd     CelEventType = "CHAN_END"
	CelAnswer      CelEventType = "ANSWER"
	CelHangup      CelEventType = "HANGUP"
	CelBridgeEnter CelEventType = "BRIDGE_ENTER"
	CelBridgeExit  CelEventType = "BRIDGE_EXIT"
	CelAppStart    CelEventType = "APP_START"
	CelAppEnd      CelEventType = "APP_END"
	CelParkStart   CelEventType = "PARK_START"
	CelParkEnd     CelEventType = "PARK_END"
	CelBlindXfer   CelEventType = "BLINDTRANSFER"
	CelAttXfer     CelEventType = "ATTENDEDTRANSFER"
	CelLinkedIDEnd CelEventType = "LINKEDID_END"
)

// CelRecord is one lifecycle event within a channel's life. Immutable.
type CelRecord struct {
	EventType CelEventType
	EventTime time.Time
	LinkedID  string
	UniqueID  string

	CallerName  string
	CallerNum   string
	CallerANI   string
	CallerRDNIS string
	CallerDNID  string

	Exten    string
	Context  string
	ChanName string
	AppName  string
	AppData  string

	AccountCode string
	Peer        string
	Extra       string
}

// Record is a normalized feed record: either *CdrRecord or *CelRecord.
type Record interface {
	// Key returns the call-grouping key (linked_id, falling back to unique_id).
	Key() string
	// Time returns the canonical event instant used for ordering.
	Time() time.Time
}

func (r *CdrRecord) Key() string {
	if r.LinkedID != "" {
		return r.LinkedID
	}
	return r.UniqueID
}

func (r *CdrRecord) Time() time.Time { return r.StartTime }

func (r *CelRecord) Key() string {
	if r.LinkedID != "" {
		return r.LinkedID
	}
	return r.UniqueID
}

func (r *CelRecord) Time() time.Time { return r.EventTime }
