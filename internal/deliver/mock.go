package deliver

import (
	"context"
	"sync"

	"github.com/sweeney/asterisk-shipper/internal/aggregate"
)

// Shipment records one aggregate handed to the mock client.
type Shipment struct {
	LinkedID string
	Phase    string
	Hash     string
}

// MockClient records all submissions for test assertions.
type MockClient struct {
	mu        sync.Mutex
	shipments []Shipment
	err       error       // if set, Submit returns this error (retryable path)
	rejectAll bool        // if set, Submit rejects every record (4xx path)
}

// NewMockClient creates a new MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Submit(_ context.Context, batch []*aggregate.CallAggregate) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Result{}, m.err
	}
	if m.rejectAll {
		rejected := make([]Rejection, len(batch))
		for i, agg := range batch {
			rejected[i] = Rejection{LinkedID: agg.LinkedID, Reason: "rejected by mock"}
		}
		return Result{Rejected: rejected}, nil
	}
	for _, agg := range batch {
		m.shipments = append(m.shipments, Shipment{
			LinkedID: agg.LinkedID,
			Phase:    agg.ShippingPhase,
			Hash:     agg.ContentHash(),
		})
	}
	return Result{Accepted: len(batch)}, nil
}

// Shipments returns a copy of everything submitted so far.
func (m *MockClient) Shipments() []Shipment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Shipment, len(m.shipments))
	copy(out, m.shipments)
	return out
}

// Reset clears recorded shipments.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shipments = nil
}

// SetError causes all subsequent Submit calls to return err (the retryable
// failure path). Pass nil to clear.
func (m *MockClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetRejectAll makes Submit reject every record (the 4xx path).
func (m *MockClient) SetRejectAll(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectAll = reject
}
