package model

import (
	"errors"
	"fmt"
)

var (
	// ErrFileProcessingFailure marks a file the status source reported as failed.
	// It is an outcome, not a transport problem.
	ErrFileProcessingFailure = errors.New("file processing failed")
	// ErrPollExhausted marks a file that used all of its poll attempts without
	// reaching a terminal status.
	ErrPollExhausted = errors.New("poll attempts exhausted")
)

// ArrivalSourceError wraps a transport failure while listing arrivals.
type ArrivalSourceError struct {
	Source string
	Err    error
}

func (e *ArrivalSourceError) Error() string {
	return fmt.Sprintf("arrival source %s: %v", e.Source, e.Err)
}

func (e *ArrivalSourceError) Unwrap() error { return e.Err }

// StatusSourceError wraps a transport failure while checking one file.
type StatusSourceError struct {
	Source string
	File   string
	Err    error
}

func (e *StatusSourceError) Error() string {
	return fmt.Sprintf("status source %s: %s: %v", e.Source, e.File, e.Err)
}

func (e *StatusSourceError) Unwrap() error { return e.Err }

// ManifestError wraps a failed manifest creation for a sealed batch.
type ManifestError struct {
	BatchID string
	Err     error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest for batch %s: %v", e.BatchID, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }
