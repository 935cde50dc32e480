// Package storage contains the in-memory status table shared by the collector,
// the worker pool and the status API. Every read and write goes through one
// RWMutex; no lock is held across external I/O.
package storage

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/DropWatch/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("file record not found")
	// ErrInFlight is returned when a key is registered while an earlier arrival
	// with the same key is still being monitored.
	ErrInFlight = errors.New("file record still in flight")
	// ErrStale is returned when an update names a batch that no longer owns the
	// record, e.g. after a clear and a re-arrival.
	ErrStale = errors.New("file record belongs to another batch")
	// ErrTerminal is returned when an update would move a record out of a
	// terminal status.
	ErrTerminal = errors.New("file record is terminal")
)

// StatusTable maps a file key to its lifecycle record.
type StatusTable struct {
	mu      sync.RWMutex
	records map[model.Key]*model.FileRecord
	now     func() time.Time
}

// NewStatusTable constructs an empty StatusTable.
func NewStatusTable() *StatusTable {
	return &StatusTable{
		records: make(map[model.Key]*model.FileRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a pending record for an admitted file. A previous record
// for the same key is replaced only once it has settled.
func (t *StatusTable) Register(id model.FileIdentity, batchID string) (model.FileRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := id.Key()
	if prev, ok := t.records[k]; ok && !prev.Settled() {
		return *prev, ErrInFlight
	}
	now := t.now()
	rec := &model.FileRecord{
		Identity:  id,
		BatchID:   batchID,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.records[k] = rec
	return *rec, nil
}

// MarkWorking moves a record to working as a worker picks it up.
func (t *StatusTable) MarkWorking(k model.Key, batchID string) (model.FileRecord, error) {
	return t.update(k, batchID, func(rec *model.FileRecord) error {
		if rec.Status.Terminal() || rec.Aborted {
			return ErrTerminal
		}
		rec.Status = model.StatusWorking
		rec.Message = "monitoring started"
		return nil
	})
}

// RecordPoll stores one definitive answer from the status source and counts it
// as an attempt.
func (t *StatusTable) RecordPoll(k model.Key, batchID string, status model.FileStatus) (model.FileRecord, error) {
	return t.update(k, batchID, func(rec *model.FileRecord) error {
		if rec.Status.Terminal() {
			return ErrTerminal
		}
		rec.Attempts++
		rec.Status = status
		rec.Message = "status " + string(status)
		return nil
	})
}

// MarkAlerted flags the record as alerted. The bool is true only for the call
// that flipped the flag, so callers raise each failure alert once.
func (t *StatusTable) MarkAlerted(k model.Key, batchID string) (bool, error) {
	first := false
	_, err := t.update(k, batchID, func(rec *model.FileRecord) error {
		if !rec.Alerted {
			rec.Alerted = true
			first = true
		}
		return nil
	})
	return first, err
}

// MarkExhausted records that the poll budget ran out. The status is left as
// last observed.
func (t *StatusTable) MarkExhausted(k model.Key, batchID string) (model.FileRecord, error) {
	return t.update(k, batchID, func(rec *model.FileRecord) error {
		if rec.Status.Terminal() {
			return ErrTerminal
		}
		rec.Exhausted = true
		rec.Message = model.ErrPollExhausted.Error()
		return nil
	})
}

// MarkAborted records that monitoring stopped before a terminal status was
// seen. Terminal records are returned unchanged.
func (t *StatusTable) MarkAborted(k model.Key, batchID, reason string) (model.FileRecord, error) {
	return t.update(k, batchID, func(rec *model.FileRecord) error {
		if rec.Status.Terminal() {
			return nil
		}
		rec.Aborted = true
		rec.Message = "aborted: " + reason
		return nil
	})
}

func (t *StatusTable) update(k model.Key, batchID string, fn func(*model.FileRecord) error) (model.FileRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[k]
	if !ok {
		return model.FileRecord{}, ErrNotFound
	}
	if batchID != "" && rec.BatchID != batchID {
		return *rec, ErrStale
	}
	if err := fn(rec); err != nil {
		return *rec, err
	}
	rec.UpdatedAt = t.now()
	return *rec, nil
}

// Get returns a copy of the record for k.
func (t *StatusTable) Get(k model.Key) (model.FileRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[k]
	if !ok {
		return model.FileRecord{}, ErrNotFound
	}
	return *rec, nil
}

// List returns copies of the records ordered by creation time then name,
// skipping offset and returning at most limit (all when limit <= 0).
func (t *StatusTable) List(offset, limit int) []model.FileRecord {
	t.mu.RLock()
	out := make([]model.FileRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].Identity.Name != out[j].Identity.Name {
			return out[i].Identity.Name < out[j].Identity.Name
		}
		return out[i].Identity.Size < out[j].Identity.Size
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []model.FileRecord{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Len returns the number of records.
func (t *StatusTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Counts tallies records by status.
func (t *StatusTable) Counts() map[model.FileStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.FileStatus]int, 4)
	for _, rec := range t.records {
		out[rec.Status]++
	}
	return out
}

// ClearAll empties the table under a single write lock and returns how many
// records were dropped.
func (t *StatusTable) ClearAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.records)
	t.records = make(map[model.Key]*model.FileRecord)
	return n
}
