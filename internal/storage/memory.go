// Package storage contains the in-memory report queue. It mirrors the Postgres
// repository's semantics and backs local runs (QUEUE_BACKEND=memory) and tests.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

// MemoryQueue keeps queue records in a map guarded by an RWMutex. Ids come
// from a counter that is never reset, so they stay unique and increasing.
type MemoryQueue struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*model.QueueRecord
	// retried marks failed ids that already have a queued copy.
	retried  map[int64]struct{}
	workerID string
	now      func() time.Time
}

// NewMemoryQueue constructs an empty MemoryQueue.
func NewMemoryQueue(workerID string) *MemoryQueue {
	return &MemoryQueue{
		records:  make(map[int64]*model.QueueRecord),
		retried:  make(map[int64]struct{}),
		workerID: workerID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Push appends a queued record. The payload is copied so callers may reuse
// their buffer.
func (m *MemoryQueue) Push(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(append([]byte(nil), payload...), nil)
	return nil
}

func (m *MemoryQueue) insert(payload []byte, retryOf *int64) int64 {
	m.nextID++
	now := m.now()
	m.records[m.nextID] = &model.QueueRecord{
		ID:        m.nextID,
		Payload:   payload,
		Status:    model.StatusQueued,
		RetryOf:   retryOf,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return m.nextID
}

// Lease moves the lowest-id queued record to processing. A head that is not
// yet due blocks the queue instead of being skipped.
func (m *MemoryQueue) Lease(_ context.Context, now time.Time) (*model.QueueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var head *model.QueueRecord
	for _, rec := range m.records {
		if rec.Status != model.StatusQueued {
			continue
		}
		if head == nil || rec.ID < head.ID {
			head = rec
		}
	}
	if head == nil {
		return nil, nil
	}
	if head.NextAttemptAt != nil && head.NextAttemptAt.After(now) {
		return nil, nil
	}
	leasedAt := now.UTC()
	head.Status = model.StatusProcessing
	head.Attempts++
	head.LeasedBy = m.workerID
	head.LeasedAt = &leasedAt
	head.UpdatedAt = leasedAt
	return cloneRecord(head), nil
}

// Commit marks a processing record done.
func (m *MemoryQueue) Commit(_ context.Context, id int64) error {
	return m.transition(id, model.StatusDone, nil, nil)
}

// Fail marks a processing record failed.
func (m *MemoryQueue) Fail(_ context.Context, id int64, reason string) error {
	return m.transition(id, model.StatusFailed, &reason, nil)
}

// Release returns a processing record to the queue, due at retryAt.
func (m *MemoryQueue) Release(_ context.Context, id int64, retryAt time.Time, reason string) error {
	at := retryAt.UTC()
	return m.transition(id, model.StatusQueued, &reason, &at)
}

func (m *MemoryQueue) transition(id int64, to model.RecordStatus, reason *string, retryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("queue record %d: %w", id, model.ErrNotFound)
	}
	if rec.Status != model.StatusProcessing {
		return fmt.Errorf("queue record %d is %s, want %s for %s: %w", id, rec.Status, model.StatusProcessing, to, model.ErrInvalidTransition)
	}
	rec.Status = to
	if reason != nil {
		rec.LastError = *reason
	}
	rec.NextAttemptAt = retryAt
	rec.LeasedBy = ""
	rec.LeasedAt = nil
	rec.UpdatedAt = m.now()
	return nil
}

// RecoverStale returns every processing record to the queue.
func (m *MemoryQueue) RecoverStale(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.records {
		if rec.Status == model.StatusProcessing {
			rec.Status = model.StatusQueued
			rec.LeasedBy = ""
			rec.LeasedAt = nil
			rec.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

// Stats counts records per status.
func (m *MemoryQueue) Stats(_ context.Context) (model.QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats model.QueueStats
	for _, rec := range m.records {
		switch rec.Status {
		case model.StatusQueued:
			stats.Queued++
		case model.StatusProcessing:
			stats.Processing++
		case model.StatusDone:
			stats.Done++
		case model.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Get returns a copy of a record.
func (m *MemoryQueue) Get(_ context.Context, id int64) (*model.QueueRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("queue record %d: %w", id, model.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// ListFailed returns up to limit failed records ordered by id.
func (m *MemoryQueue) ListFailed(_ context.Context, limit int) ([]model.QueueRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.QueueRecord
	for _, rec := range m.records {
		if rec.Status == model.StatusFailed {
			out = append(out, *cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Retry queues a copy of a failed record. The original stays failed.
func (m *MemoryQueue) Retry(_ context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return 0, fmt.Errorf("queue record %d: %w", id, model.ErrNotFound)
	}
	if rec.Status != model.StatusFailed {
		return 0, fmt.Errorf("queue record %d is %s, only failed records can be retried: %w", id, rec.Status, model.ErrInvalidTransition)
	}
	if _, done := m.retried[id]; done {
		return 0, fmt.Errorf("queue record %d: %w", id, model.ErrAlreadyRetried)
	}
	m.retried[id] = struct{}{}
	origin := id
	return m.insert(append([]byte(nil), rec.Payload...), &origin), nil
}

// PurgeDone deletes done records last updated before olderThan.
func (m *MemoryQueue) PurgeDone(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if rec.Status == model.StatusDone && rec.UpdatedAt.Before(olderThan) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds; the memory queue has nothing to reach.
func (m *MemoryQueue) Ping(context.Context) error {
	return nil
}

// cloneRecord returns a deep copy so callers cannot mutate queue state.
func cloneRecord(rec *model.QueueRecord) *model.QueueRecord {
	out := *rec
	out.Payload = append([]byte(nil), rec.Payload...)
	if rec.NextAttemptAt != nil {
		t := *rec.NextAttemptAt
		out.NextAttemptAt = &t
	}
	if rec.LeasedAt != nil {
		t := *rec.LeasedAt
		out.LeasedAt = &t
	}
	if rec.RetryOf != nil {
		v := *rec.RetryOf
		out.RetryOf = &v
	}
	return &out
}
