// Package feed supplies raw call records from a PBX event source. Each
// adapter speaks one transport (database polling, CSV tail, AMI stream,
// NATS stream) and emits uniform RawRecords for normalization downstream.
package feed

import (
	"context"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
)

// Feed is a source of raw call records.
type Feed interface {
	// Name identifies the adapter in logs ("db", "csv", "ami", "nats").
	Name() string

	// Run delivers records to out until ctx is cancelled. Streaming
	// adapters block on their transport; polling adapters sleep between
	// fetches. Run owns reconnection and returns only on cancellation or
	// an unrecoverable setup error.
	Run(ctx context.Context, out chan<- cdr.RawRecord) error

	// MaxRecordTime reports the newest record time visible at the source,
	// used to seed the watermark on a fresh start so historical backlog is
	// not re-shipped. Streaming adapters with no readable backlog return
	// the zero time; the caller then seeds from the wall clock.
	MaxRecordTime(ctx context.Context) (time.Time, error)
}
