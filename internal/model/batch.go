package model

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBatchSealed is returned when a file is appended to a sealed batch.
var ErrBatchSealed = errors.New("batch sealed")

// GatherBatch is the set of files admitted during one gathering cycle. It
// owns identities only; statuses live in the status table.
type GatherBatch struct {
	ID string
	// WindowStart is the open time of an empty batch, moved to the first
	// admission by the collector.
	WindowStart time.Time

	mu       sync.Mutex
	files    []FileIdentity
	index    map[Key]struct{}
	sealed   bool
	sealedAt time.Time
}

// NewBatch opens a batch with a fresh identifier.
func NewBatch(start time.Time) *GatherBatch {
	return &GatherBatch{
		ID:          uuid.NewString(),
		WindowStart: start,
		index:       make(map[Key]struct{}),
	}
}

// Contains reports whether a file with the same key was already appended.
func (b *GatherBatch) Contains(k Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.index[k]
	return ok
}

// Append adds f unless the batch is sealed or already holds its key. The
// returned bool is false for duplicates.
func (b *GatherBatch) Append(f FileIdentity) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false, ErrBatchSealed
	}
	k := f.Key()
	if _, ok := b.index[k]; ok {
		return false, nil
	}
	b.index[k] = struct{}{}
	b.files = append(b.files, f)
	return true, nil
}

// Remove drops a previously appended file. Used when the status table refuses
// a registration after the batch accepted it.
func (b *GatherBatch) Remove(k Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	if _, ok := b.index[k]; !ok {
		return
	}
	delete(b.index, k)
	for i, f := range b.files {
		if f.Key() == k {
			b.files = append(b.files[:i], b.files[i+1:]...)
			break
		}
	}
}

// Seal freezes the batch. It returns false if the batch was already sealed.
func (b *GatherBatch) Seal(at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	b.sealed = true
	b.sealedAt = at
	return true
}

// Sealed reports whether Seal has been called.
func (b *GatherBatch) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// SealedAt returns the sealing time, zero while the batch is open.
func (b *GatherBatch) SealedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealedAt
}

// Files returns the admitted identities in admission order.
func (b *GatherBatch) Files() []FileIdentity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FileIdentity, len(b.files))
	copy(out, b.files)
	return out
}

// Len returns the number of admitted files.
func (b *GatherBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.files)
}
