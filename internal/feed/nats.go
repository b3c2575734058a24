package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
)

// NATSConfig configures the NATS streaming adapter. Payloads are flat JSON
// objects keyed by the PBX column names.
type NATSConfig struct {
	URL        string
	Token      string
	CDRSubject string
	CELSubject string
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.CDRSubject == "" {
		c.CDRSubject = "pbx.events.cdr"
	}
	if c.CELSubject == "" {
		c.CELSubject = "pbx.events.cel"
	}
	return c
}

// NATSFeed subscribes to CDR and CEL subjects on a NATS bus.
type NATSFeed struct {
	cfg    NATSConfig
	logger *slog.Logger
	conn   *nats.Conn
}

// NewNATSFeed connects to the bus. Reconnection is delegated to the NATS
// client's own retry machinery.
func NewNATSFeed(cfg NATSConfig, logger *slog.Logger) (*NATSFeed, error) {
	cfg = cfg.withDefaults()
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSFeed{cfg: cfg, logger: logger, conn: nc}, nil
}

func (f *NATSFeed) Name() string { return "nats" }

// MaxRecordTime is unknowable for a live stream; the caller seeds the
// watermark from the wall clock.
func (f *NATSFeed) MaxRecordTime(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}

// Run subscribes to both subjects and forwards decoded records until
// cancelled.
func (f *NATSFeed) Run(ctx context.Context, out chan<- cdr.RawRecord) error {
	handler := func(kind cdr.RawKind) nats.MsgHandler {
		return func(msg *nats.Msg) {
			var fields map[string]string
			if err := json.Unmarshal(msg.Data, &fields); err != nil {
				f.logger.Warn("dropping undecodable message",
					"subject", msg.Subject, "error", err)
				return
			}
			select {
			case out <- cdr.RawRecord{Kind: kind, Fields: fields}:
			case <-ctx.Done():
			}
		}
	}

	cdrSub, err := f.conn.Subscribe(f.cfg.CDRSubject, handler(cdr.RawCDR))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", f.cfg.CDRSubject, err)
	}
	defer cdrSub.Unsubscribe()

	celSub, err := f.conn.Subscribe(f.cfg.CELSubject, handler(cdr.RawCEL))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", f.cfg.CELSubject, err)
	}
	defer celSub.Unsubscribe()

	f.logger.Info("nats subscriptions active",
		"cdr_subject", f.cfg.CDRSubject, "cel_subject", f.cfg.CELSubject)
	<-ctx.Done()
	return nil
}

// Close drains the connection.
func (f *NATSFeed) Close() {
	if f.conn != nil {
		f.conn.Close()
	}
}
