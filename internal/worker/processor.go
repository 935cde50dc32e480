// Package worker holds the asynq handlers run by cmd/worker.
package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/manifest"
	"github.com/dharsanguruparan/DropWatch/internal/queue"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	writer *manifest.Writer
	log    *zap.Logger
}

// NewProcessor constructs a worker processor that writes queued manifests to
// sinks.
func NewProcessor(log *zap.Logger, sinks ...manifest.Sink) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{writer: manifest.NewWriter(log, sinks...), log: log}
}

// Handler registers the manifest job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ManifestTask, p.HandleManifest)
	return mux
}

// HandleManifest writes one queued manifest. A returned error makes asynq
// retry the task; a malformed payload is skipped since a retry cannot fix it.
func (p *Processor) HandleManifest(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeManifest(task)
	if err != nil {
		p.log.Error("drop malformed manifest task", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	m := manifest.FromPayload(payload)
	if err := p.writer.Write(ctx, m); err != nil {
		p.log.Warn("manifest delivery failed", zap.String("batch_id", m.BatchID), zap.Error(err))
		return err
	}
	p.log.Info("manifest delivered", zap.String("batch_id", m.BatchID), zap.Int("files", m.FileCount))
	return nil
}
