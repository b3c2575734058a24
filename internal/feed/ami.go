package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/ami"
	"github.com/sweeney/asterisk-shipper/internal/cdr"
)

// AMIConfig configures the manager-interface streaming adapter.
type AMIConfig struct {
	Address        string
	Username       string
	Secret         string
	ReconnectDelay time.Duration
}

// AMIFeed streams Cdr and CEL events from the Asterisk Manager Interface.
// The connection is re-established with a fixed delay whenever it drops.
type AMIFeed struct {
	cfg    AMIConfig
	logger *slog.Logger
}

// NewAMIFeed creates an AMI streaming feed.
func NewAMIFeed(cfg AMIConfig, logger *slog.Logger) *AMIFeed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &AMIFeed{cfg: cfg, logger: logger}
}

func (f *AMIFeed) Name() string { return "ami" }

// MaxRecordTime is unknowable for a live stream; the caller seeds the
// watermark from the wall clock.
func (f *AMIFeed) MaxRecordTime(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}

// Run connects, streams events, and reconnects on failure until cancelled.
func (f *AMIFeed) Run(ctx context.Context, out chan<- cdr.RawRecord) error {
	for {
		if err := f.stream(ctx, out); err != nil && ctx.Err() == nil {
			f.logger.Warn("ami stream lost", "address", f.cfg.Address, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

func (f *AMIFeed) stream(ctx context.Context, out chan<- cdr.RawRecord) error {
	client, err := ami.Dial(ctx, f.cfg.Address, f.cfg.Username, f.cfg.Secret)
	if err != nil {
		return err
	}
	defer client.Close()
	f.logger.Info("ami connected", "address", f.cfg.Address)

	// Unblock the blocking read when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	for {
		evt, ok := client.Next()
		if !ok {
			return ctx.Err()
		}
		rec, ok := rawFromEvent(evt)
		if !ok {
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return nil
		}
	}
}

// rawFromEvent maps a manager event's headers onto the normalizer's column
// names. Events other than Cdr and CEL are dropped here.
func rawFromEvent(evt ami.Event) (cdr.RawRecord, bool) {
	switch evt.Type() {
	case "Cdr":
		return cdr.RawRecord{Kind: cdr.RawCDR, Fields: map[string]string{
			"uniqueid":    evt.Get("UniqueID"),
			"linkedid":    evt.Get("LinkedID"),
			"src":         evt.Get("Source"),
			"dst":         evt.Get("Destination"),
			"dcontext":    evt.Get("DestinationContext"),
			"channel":     evt.Get("Channel"),
			"dstchannel":  evt.Get("DestinationChannel"),
			"lastapp":     evt.Get("LastApplication"),
			"lastdata":    evt.Get("LastData"),
			"calldate":    evt.Get("StartTime"),
			"answer":      evt.Get("AnswerTime"),
			"end":         evt.Get("EndTime"),
			"duration":    evt.Get("Duration"),
			"billsec":     evt.Get("BillableSeconds"),
			"disposition": evt.Get("Disposition"),
			"accountcode": evt.Get("AccountCode"),
			"userfield":   evt.Get("UserField"),
		}}, true
	case "CEL":
		return cdr.RawRecord{Kind: cdr.RawCEL, Fields: map[string]string{
			"eventtype":   evt.Get("EventName"),
			"eventtime":   evt.Get("EventTime"),
			"uniqueid":    evt.Get("UniqueID"),
			"linkedid":    evt.Get("LinkedID"),
			"cid_name":    evt.Get("CallerIDname"),
			"cid_num":     evt.Get("CallerIDnum"),
			"cid_ani":     evt.Get("CallerIDani"),
			"cid_rdnis":   evt.Get("CallerIDrdnis"),
			"cid_dnid":    evt.Get("CallerIDdnid"),
			"exten":       evt.Get("Exten"),
			"context":     evt.Get("Context"),
			"channame":    evt.Get("Channel"),
			"appname":     evt.Get("Application"),
			"appdata":     evt.Get("AppData"),
			"accountcode": evt.Get("AccountCode"),
			"peer":        evt.Get("Peer"),
			"extra":       evt.Get("Extra"),
		}}, true
	default:
		return cdr.RawRecord{}, false
	}
}
