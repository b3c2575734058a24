package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/ship"
)

// ShippingRecord is the durable memory of what has been shipped for one call.
type ShippingRecord struct {
	LinkedID        string     `json:"linked_id"`
	LastPhase       ship.Phase `json:"last_shipped_phase"`
	LastShippedAt   time.Time  `json:"last_shipped_at"`
	ContentHash     string     `json:"content_hash"`
	AttemptCount    int        `json:"attempt_count"`
	ShipCount       int        `json:"ship_count"`
	CompleteCount   int        `json:"complete_count"`
	CdrCount        int        `json:"cdr_count"`
	CelCount        int        `json:"cel_count"`
	FirstAttemptAt  time.Time  `json:"first_attempt_at"`
	NextRetryAt     time.Time  `json:"next_retry_at,omitempty"`
	FailedPermanent bool       `json:"failed_permanent,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// fileState is the on-disk layout.
type fileState struct {
	Watermark time.Time                  `json:"watermark"`
	Records   map[string]*ShippingRecord `json:"records"`
}

// Store is the durable dedup and watermark store. State lives in a single
// JSON file written atomically (temp file, fsync, rename) so a crash leaves
// either the old or the new state, never a torn one.
type Store struct {
	mu   sync.Mutex
	path string
	st   fileState
}

// Open loads the store from path, creating an empty one when the file does
// not exist. A missing file is the fresh-start signal: Watermark is zero
// until the engine seeds it from the source.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		st:   fileState{Records: make(map[string]*ShippingRecord)},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &s.st); err != nil {
		// A corrupt state file degrades to fresh start: the engine re-fetches
		// the watermark from the source, accepting possible duplicate
		// shipment over data loss.
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if s.st.Records == nil {
		s.st.Records = make(map[string]*ShippingRecord)
	}
	return s, nil
}

// FreshStart reports whether the store carries no watermark yet.
func (s *Store) FreshStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Watermark.IsZero()
}

// Watermark returns the fresh-start watermark; records at or before it are
// never processed.
func (s *Store) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Watermark
}

// SetWatermark persists a new watermark.
func (s *Store) SetWatermark(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Watermark = t.UTC()
	return s.saveLocked()
}

// AdvanceWatermark moves the watermark forward, never backward.
func (s *Store) AdvanceWatermark(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.After(s.st.Watermark) {
		return nil
	}
	s.st.Watermark = t.UTC()
	return s.saveLocked()
}

// Get returns a copy of the shipping record for linkedID, or nil.
func (s *Store) Get(linkedID string) *ShippingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.st.Records[linkedID]
	if rec == nil {
		return nil
	}
	clone := *rec
	return &clone
}

// Put upserts a shipping record and persists.
func (s *Store) Put(rec *ShippingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.st.Records[rec.LinkedID] = &clone
	return s.saveLocked()
}

// RecordAttempt bumps the attempt counter for a shipment try, creating the
// record on first attempt.
func (s *Store) RecordAttempt(linkedID string, now time.Time) *ShippingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.st.Records[linkedID]
	if rec == nil {
		rec = &ShippingRecord{LinkedID: linkedID, FirstAttemptAt: now.UTC()}
		s.st.Records[linkedID] = rec
	}
	rec.AttemptCount++
	clone := *rec
	return &clone
}

// RecordShipped marks a successful shipment in the given phase.
func (s *Store) RecordShipped(linkedID string, phase ship.Phase, contentHash string, cdrCount, celCount int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.st.Records[linkedID]
	if rec == nil {
		rec = &ShippingRecord{LinkedID: linkedID, FirstAttemptAt: now.UTC()}
		s.st.Records[linkedID] = rec
	}
	if phase.After(rec.LastPhase) || phase == rec.LastPhase {
		rec.LastPhase = phase
	}
	rec.LastShippedAt = now.UTC()
	rec.ContentHash = contentHash
	rec.ShipCount++
	if phase == ship.PhaseComplete {
		rec.CompleteCount++
	}
	rec.CdrCount = cdrCount
	rec.CelCount = celCount
	rec.NextRetryAt = time.Time{}
	rec.LastError = ""
	return s.saveLocked()
}

// RecordFailure notes a failed delivery and its next retry time.
func (s *Store) RecordFailure(linkedID string, errMsg string, nextRetry time.Time, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.st.Records[linkedID]
	if rec == nil {
		return nil
	}
	rec.LastError = errMsg
	rec.NextRetryAt = nextRetry.UTC()
	rec.FailedPermanent = permanent
	return s.saveLocked()
}

// Prior converts a stored record into the state machine's view of history.
// Returns nil for calls never shipped.
func (s *Store) Prior(linkedID string) *ship.Prior {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.st.Records[linkedID]
	if rec == nil || rec.ShipCount == 0 {
		return nil
	}
	return &ship.Prior{
		Phase:         rec.LastPhase,
		ShippedAt:     rec.LastShippedAt,
		ShipCount:     rec.ShipCount,
		CompleteCount: rec.CompleteCount,
		ContentHash:   rec.ContentHash,
		CdrCount:      rec.CdrCount,
		CelCount:      rec.CelCount,
	}
}

// Purge drops completed records older than retention, and returns how many
// were removed.
func (s *Store) Purge(retention time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-retention)
	removed := 0
	for id, rec := range s.st.Records {
		done := rec.LastPhase == ship.PhaseComplete || rec.FailedPermanent
		if done && rec.LastShippedAt.Before(cutoff) && rec.FirstAttemptAt.Before(cutoff) {
			delete(s.st.Records, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveLocked()
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.Records)
}

// Flush persists the current state; called on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes the state atomically. Callers hold the lock.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
