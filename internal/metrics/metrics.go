// Package metrics holds the engine's in-process counters. The core emits
// numbers; exposing them beyond the status endpoint is someone else's job.
package metrics

import "sync/atomic"

// Metrics is the shared counter set. All fields are safe for concurrent use.
type Metrics struct {
	RecordsProcessed atomic.Uint64
	RecordsDiscarded atomic.Uint64
	RecordsFiltered  atomic.Uint64

	GroupsClosed atomic.Uint64

	ShippedInitial  atomic.Uint64
	ShippedUpdate   atomic.Uint64
	ShippedComplete atomic.Uint64

	DeliveryRetries  atomic.Uint64
	DeliveryRejected atomic.Uint64
	FailedPermanent  atomic.Uint64

	QueueDepth atomic.Int64

	CacheHits   atomic.Uint64
	CacheMisses atomic.Uint64
}

// Snapshot is a point-in-time copy for the status endpoint.
type Snapshot struct {
	RecordsProcessed uint64  `json:"records_processed"`
	RecordsDiscarded uint64  `json:"records_discarded"`
	RecordsFiltered  uint64  `json:"records_filtered"`
	GroupsClosed     uint64  `json:"groups_closed"`
	ShippedInitial   uint64  `json:"shipped_initial"`
	ShippedUpdate    uint64  `json:"shipped_update"`
	ShippedComplete  uint64  `json:"shipped_complete"`
	DeliveryRetries  uint64  `json:"delivery_retries"`
	DeliveryRejected uint64  `json:"delivery_rejected"`
	FailedPermanent  uint64  `json:"failed_permanent"`
	QueueDepth       int64   `json:"queue_depth"`
	CacheHits        uint64  `json:"cache_hits"`
	CacheMisses      uint64  `json:"cache_misses"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
}

// Snapshot captures current values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		RecordsProcessed: m.RecordsProcessed.Load(),
		RecordsDiscarded: m.RecordsDiscarded.Load(),
		RecordsFiltered:  m.RecordsFiltered.Load(),
		GroupsClosed:     m.GroupsClosed.Load(),
		ShippedInitial:   m.ShippedInitial.Load(),
		ShippedUpdate:    m.ShippedUpdate.Load(),
		ShippedComplete:  m.ShippedComplete.Load(),
		DeliveryRetries:  m.DeliveryRetries.Load(),
		DeliveryRejected: m.DeliveryRejected.Load(),
		FailedPermanent:  m.FailedPermanent.Load(),
		QueueDepth:       m.QueueDepth.Load(),
		CacheHits:        m.CacheHits.Load(),
		CacheMisses:      m.CacheMisses.Load(),
	}
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(total)
	}
	return s
}
