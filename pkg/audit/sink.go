package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Sink is an append-only store of audit records keyed by correlation id.
// Implementations never mutate or delete a record once appended.
type Sink interface {
	// Append validates rec, assigns its sequence and persists it.
	Append(ctx context.Context, rec *Record) error
	// ListByCorrelation returns the records of one correlation in append order,
	// or ErrNoRecords.
	ListByCorrelation(ctx context.Context, correlationID string) ([]Record, error)
	// Correlations lists every correlation id with at least one record, sorted.
	Correlations(ctx context.Context) ([]string, error)
}

// RecordHandler is called after a record has been appended.
type RecordHandler func(rec Record)

// MemorySink is an in-process Sink.
type MemorySink struct {
	mu            sync.RWMutex
	records       []Record
	byID          map[string]int
	byCorrelation map[string][]int
	sequence      int64
	handlers      []RecordHandler
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		byID:          make(map[string]int),
		byCorrelation: make(map[string][]int),
	}
}

// Subscribe registers a handler invoked synchronously after every append.
func (s *MemorySink) Subscribe(h RecordHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *MemorySink) Append(_ context.Context, rec *Record) error {
	if err := Validate(rec); err != nil {
		return err
	}

	s.mu.Lock()
	if _, dup := s.byID[rec.AuditID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.AuditID)
	}
	s.sequence++
	rec.Sequence = s.sequence
	stored := rec.Clone()
	s.records = append(s.records, stored)
	idx := len(s.records) - 1
	s.byID[rec.AuditID] = idx
	s.byCorrelation[rec.CorrelationID] = append(s.byCorrelation[rec.CorrelationID], idx)
	handlers := s.handlers
	s.mu.Unlock()

	for _, h := range handlers {
		h(stored.Clone())
	}
	return nil
}

func (s *MemorySink) ListByCorrelation(_ context.Context, correlationID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.byCorrelation[correlationID]
	if len(idxs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, correlationID)
	}
	out := make([]Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.records[i].Clone())
	}
	return out, nil
}

func (s *MemorySink) Correlations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byCorrelation))
	for id := range s.byCorrelation {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Len returns the number of records held.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
