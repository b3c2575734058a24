package aggregate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ThreadEvent is one normalized event descriptor in a call's thread: a CDR
// leg summary or a significant CEL lifecycle event, in canonical call order.
type ThreadEvent struct {
	Time        time.Time `json:"time"`
	Event       string    `json:"event"`
	Channel     string    `json:"channel,omitempty"`
	DstChannel  string    `json:"dst_channel,omitempty"`
	Src         string    `json:"src,omitempty"`
	Dst         string    `json:"dst,omitempty"`
	Exten       string    `json:"exten,omitempty"`
	Context     string    `json:"context,omitempty"`
	App         string    `json:"app,omitempty"`
	AppData     string    `json:"app_data,omitempty"`
	Peer        string    `json:"peer,omitempty"`
	Transferee  string    `json:"transferee,omitempty"`
	Duration    int       `json:"duration,omitempty"`
	BillSec     int       `json:"bill_sec,omitempty"`
	Disposition string    `json:"disposition,omitempty"`
	UniqueID    string    `json:"unique_id,omitempty"`
}

// CallAggregate is the shippable unit: one logical call folded from all of
// its CDR legs and CEL events. Field names map 1:1 to the delivery payload.
type CallAggregate struct {
	LinkedID  string `json:"linked_id"`
	Direction string `json:"direction"`

	SrcNumber    string `json:"src_number,omitempty"`
	DstNumber    string `json:"dst_number,omitempty"`
	SrcExtension string `json:"src_extension,omitempty"`
	DstExtension string `json:"dst_extension,omitempty"`
	SrcName      string `json:"src_name,omitempty"`

	Tenant string `json:"tenant,omitempty"`

	CallThreads      []ThreadEvent `json:"call_threads"`
	CallThreadsCount int           `json:"call_threads_count"`

	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	DurationSeconds int    `json:"duration_seconds"`
	Disposition     string `json:"disposition,omitempty"`
	IsLongCall      bool   `json:"is_long_call,omitempty"`
	IsComplete      bool   `json:"is_complete"`

	ShippingPhase string `json:"shipping_phase,omitempty"`
}

// ContentHash returns a stable hash of the aggregate's content, excluding
// the shipping phase, used to suppress byte-identical re-ships.
func (a *CallAggregate) ContentHash() string {
	clone := *a
	clone.ShippingPhase = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
