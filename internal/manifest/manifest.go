// Package manifest builds the per-batch manifest document and writes it to
// the configured sinks.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/model"
	"github.com/dharsanguruparan/DropWatch/internal/queue"
)

// Manifest lists every file of one sealed batch.
type Manifest struct {
	BatchID     string               `json:"batchId"`
	WindowStart time.Time            `json:"windowStart"`
	SealedAt    time.Time            `json:"sealedAt"`
	FileCount   int                  `json:"fileCount"`
	TotalBytes  int64                `json:"totalBytes"`
	Files       []model.FileIdentity `json:"files"`
}

// Build snapshots a sealed batch.
func Build(batch *model.GatherBatch) (Manifest, error) {
	if !batch.Sealed() {
		return Manifest{}, fmt.Errorf("batch %s is still open", batch.ID)
	}
	return newManifest(batch.ID, batch.WindowStart, batch.SealedAt(), batch.Files()), nil
}

// FromPayload rebuilds a manifest from the queued task payload.
func FromPayload(p queue.ManifestPayload) Manifest {
	return newManifest(p.BatchID, p.WindowStart, p.SealedAt, p.Files)
}

func newManifest(id string, start, sealed time.Time, files []model.FileIdentity) Manifest {
	m := Manifest{BatchID: id, WindowStart: start, SealedAt: sealed, FileCount: len(files), Files: files}
	for _, f := range files {
		m.TotalBytes += f.Size
	}
	return m
}

// Payload converts the manifest into the task payload.
func (m Manifest) Payload() queue.ManifestPayload {
	return queue.ManifestPayload{BatchID: m.BatchID, WindowStart: m.WindowStart, SealedAt: m.SealedAt, Files: m.Files}
}

// Encode renders the manifest document.
func (m Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// ObjectName is the file or object name used for a batch manifest.
func ObjectName(batchID string) string {
	return "batch-" + batchID + ".json"
}

// Sink receives finished manifests.
type Sink interface {
	Name() string
	Write(ctx context.Context, m Manifest) error
}

// Writer fans a manifest out to every sink.
type Writer struct {
	sinks []Sink
	log   *zap.Logger
}

// NewWriter builds a Writer over sinks.
func NewWriter(log *zap.Logger, sinks ...Sink) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{sinks: sinks, log: log.Named("manifest")}
}

// Create builds the manifest for batch and writes it everywhere.
func (w *Writer) Create(ctx context.Context, batch *model.GatherBatch) error {
	m, err := Build(batch)
	if err != nil {
		return err
	}
	return w.Write(ctx, m)
}

// Write hands m to every sink. A failing sink does not stop the others; all
// failures are joined into the returned error.
func (w *Writer) Write(ctx context.Context, m Manifest) error {
	var errs []error
	for _, s := range w.sinks {
		if err := s.Write(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		w.log.Info("manifest written",
			zap.String("sink", s.Name()),
			zap.String("batch_id", m.BatchID),
			zap.Int("files", m.FileCount))
	}
	return errors.Join(errs...)
}

// FileSink writes manifests as JSON files into a directory.
type FileSink struct {
	Dir string
}

func (FileSink) Name() string { return "file" }

func (s FileSink) Write(_ context.Context, m Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.Dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(s.Dir, ObjectName(m.BatchID)))
}

// ObjectPutter is satisfied by *s3storage.Storage.
type ObjectPutter interface {
	PutManifest(ctx context.Context, key string, data []byte) error
}

// ObjectSink uploads manifests to object storage under Prefix.
type ObjectSink struct {
	Store  ObjectPutter
	Prefix string
}

func (ObjectSink) Name() string { return "s3" }

func (s ObjectSink) Write(ctx context.Context, m Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return s.Store.PutManifest(ctx, s.Prefix+ObjectName(m.BatchID), data)
}

// Ledger records manifests in a database. *repository.ManifestRepository
// implements it.
type Ledger interface {
	Insert(ctx context.Context, m Manifest) (bool, error)
}

// LedgerSink records each manifest once in the ledger.
type LedgerSink struct {
	Ledger Ledger
}

func (LedgerSink) Name() string { return "postgres" }

func (s LedgerSink) Write(ctx context.Context, m Manifest) error {
	_, err := s.Ledger.Insert(ctx, m)
	return err
}

// QueueSink defers the manifest to the background worker through asynq.
type QueueSink struct {
	Client queue.Enqueuer
}

func (QueueSink) Name() string { return "queue" }

func (s QueueSink) Write(ctx context.Context, m Manifest) error {
	return queue.EnqueueManifest(ctx, s.Client, m.Payload())
}
