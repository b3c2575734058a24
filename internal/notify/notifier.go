// Package notify publishes call lifecycle notifications over MQTT so that
// wallboards and other local consumers can react to shipped calls without
// polling the remote API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/aggregate"
	"github.com/sweeney/asterisk-shipper/internal/ship"
)

// Publisher is the transport a Notifier publishes through. The MQTT
// implementation is the real one; tests use the in-memory mock.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Notification is the payload published per shipped call.
type Notification struct {
	LinkedID    string     `json:"linked_id"`
	Phase       string     `json:"phase"`
	Tenant      string     `json:"tenant"`
	Direction   string     `json:"direction"`
	SrcNumber   string     `json:"src_number"`
	DstNumber   string     `json:"dst_number"`
	Disposition string     `json:"disposition"`
	Duration    int        `json:"duration_seconds"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Notifier formats and publishes shipment notifications. A nil Notifier is
// valid and publishes nothing, so the broker stays optional.
type Notifier struct {
	pub         Publisher
	topicPrefix string
	logger      *slog.Logger
}

// New creates a Notifier publishing under the given topic prefix
// (typically "pbx/calls").
func New(pub Publisher, topicPrefix string, logger *slog.Logger) *Notifier {
	if topicPrefix == "" {
		topicPrefix = "pbx/calls"
	}
	return &Notifier{pub: pub, topicPrefix: topicPrefix, logger: logger}
}

// CallShipped publishes a notification for one shipped aggregate. Publish
// failures are logged, never propagated; notifications are best-effort and
// must not disturb delivery.
func (n *Notifier) CallShipped(ctx context.Context, agg *aggregate.CallAggregate, phase ship.Phase) {
	if n == nil {
		return
	}
	payload, err := json.Marshal(Notification{
		LinkedID:    agg.LinkedID,
		Phase:       string(phase),
		Tenant:      agg.Tenant,
		Direction:   agg.Direction,
		SrcNumber:   agg.SrcNumber,
		DstNumber:   agg.DstNumber,
		Disposition: agg.Disposition,
		Duration:    agg.DurationSeconds,
		StartedAt:   agg.StartedAt,
		EndedAt:     agg.EndedAt,
	})
	if err != nil {
		n.logger.Error("marshaling notification", "linked_id", agg.LinkedID, "error", err)
		return
	}

	topic := fmt.Sprintf("%s/%s/%s", n.topicPrefix, topicSegment(agg.Tenant), string(phase))
	if err := n.pub.Publish(ctx, topic, payload); err != nil {
		n.logger.Warn("publishing notification failed",
			"topic", topic, "linked_id", agg.LinkedID, "error", err)
	}
}

// Close closes the underlying publisher.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.pub.Close()
}

// topicSegment keeps tenant names safe for use in an MQTT topic.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '/', '+', '#', ' ':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
