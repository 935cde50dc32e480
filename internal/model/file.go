// Package model contains the struct definitions shared across packages: the
// identity of an arrived file, its lifecycle record, and the batch it was
// gathered into.
package model

import (
	"fmt"
	"time"
)

// FileStatus describes the monitoring lifecycle of an arrived file.
type FileStatus string

const (
	StatusPending  FileStatus = "pending"
	StatusWorking  FileStatus = "working"
	StatusComplete FileStatus = "complete"
	StatusFail     FileStatus = "fail"
)

// Terminal reports whether no further transition may leave s.
func (s FileStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFail
}

// Valid reports whether s is one of the known statuses.
func (s FileStatus) Valid() bool {
	switch s {
	case StatusPending, StatusWorking, StatusComplete, StatusFail:
		return true
	}
	return false
}

// ParseStatus maps the textual form used by status sources onto a FileStatus.
func ParseStatus(v string) (FileStatus, error) {
	s := FileStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown file status %q", v)
	}
	return s, nil
}

// FileIdentity is one observation of an arrived file. Two observations with
// the same name and size are the same arrival, whatever their mtime.
type FileIdentity struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Key returns the deduplication key of the identity.
func (f FileIdentity) Key() Key {
	return Key{Name: f.Name, Size: f.Size}
}

// Key is the (name, size) composite used to index records and batches.
type Key struct {
	Name string
	Size int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s (%d bytes)", k.Name, k.Size)
}

// FileRecord holds the monitoring state of one admitted file. Records are
// owned by the status table; everything handed out is a copy.
type FileRecord struct {
	Identity  FileIdentity `json:"identity"`
	BatchID   string       `json:"batchId"`
	Status    FileStatus   `json:"status"`
	Attempts  int          `json:"attempts"`
	Alerted   bool         `json:"alerted"`
	Exhausted bool         `json:"exhausted"`
	Aborted   bool         `json:"aborted"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Message   string       `json:"message,omitempty"`
}

// Settled reports whether the record needs no more work: it reached a
// terminal status, ran out of poll attempts, or was explicitly aborted.
func (r FileRecord) Settled() bool {
	return r.Status.Terminal() || r.Exhausted || r.Aborted
}

// Task is a single file handed from the collector to the worker pool.
type Task struct {
	BatchID  string       `json:"batchId"`
	Identity FileIdentity `json:"identity"`
}
