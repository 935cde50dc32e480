// Package pipeline wires the collector, the worker pool and the shutdown
// coordinator around one status table and one job queue.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/alert"
	"github.com/dharsanguruparan/DropWatch/internal/api"
	"github.com/dharsanguruparan/DropWatch/internal/config"
	"github.com/dharsanguruparan/DropWatch/internal/gather"
	"github.com/dharsanguruparan/DropWatch/internal/processing"
	"github.com/dharsanguruparan/DropWatch/internal/queue"
	"github.com/dharsanguruparan/DropWatch/internal/shutdown"
	"github.com/dharsanguruparan/DropWatch/internal/storage"
)

// Deps are the external collaborators. Manifest may be nil.
type Deps struct {
	Arrivals gather.ArrivalSource
	Status   processing.StatusSource
	Manifest gather.ManifestWriter
	Alerter  alert.Alerter
}

// Pipeline is one running instance of the service.
type Pipeline struct {
	Table *storage.StatusTable
	Queue *queue.JobQueue

	collector   *gather.Collector
	processor   *processing.Processor
	coordinator *shutdown.Coordinator
	alerter     alert.Alerter
	log         *zap.Logger
}

// New builds a Pipeline from cfg and deps.
func New(cfg *config.Config, deps Deps, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	table := storage.NewStatusTable()
	q := queue.New(cfg.Workers.QueueSize)
	return &Pipeline{
		Table: table,
		Queue: q,
		collector: gather.NewCollector(deps.Arrivals, table, q, deps.Manifest, deps.Alerter, log, gather.Options{
			CheckInterval:   cfg.Gather.CheckInterval,
			QuietTimeout:    cfg.Gather.QuietTimeout,
			MaxBatchWindow:  cfg.Gather.MaxBatchWindow,
			MaxBatchFiles:   cfg.Gather.MaxBatchFiles,
			Lookback:        cfg.Gather.Lookback,
			RejectWhenFull:  cfg.Workers.Backpressure == config.BackpressureReject,
			IncludePatterns: cfg.Arrivals.IncludePatterns,
		}),
		processor: processing.New(table, q, deps.Status, deps.Alerter, log, processing.Options{
			Workers:      cfg.Workers.Count,
			MaxAttempts:  cfg.Workers.MaxAttempts,
			PollInterval: cfg.Workers.PollInterval,
			PopTimeout:   cfg.Workers.PopTimeout,
		}),
		coordinator: shutdown.NewCoordinator(shutdown.Options{
			SignalFile:    cfg.Shutdown.File,
			CheckInterval: cfg.Shutdown.CheckInterval,
			DrainGrace:    cfg.Shutdown.DrainGrace,
			JoinTimeout:   cfg.Shutdown.JoinTimeout,
		}, deps.Alerter, log),
		alerter: deps.Alerter,
		log:     log,
	}
}

// Run starts every component and blocks until the signal file is consumed or
// ctx is cancelled, and the drain has finished. Every admitted file is then
// either settled or explicitly aborted.
func (p *Pipeline) Run(ctx context.Context) error {
	p.processor.Start(p.coordinator.Abort().Context())

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("collector panicked", zap.Any("panic", r), zap.Stack("stack"))
				p.alerter.Raise(alert.Alert{
					Kind:     alert.KindArrivalSource,
					Severity: alert.SeverityFatal,
					Message:  fmt.Sprintf("collector stopped: %v", r),
				})
				p.coordinator.RequestStop("collector panic")
			}
		}()
		if err := p.collector.Run(p.coordinator.Stop().Context()); err != nil {
			p.log.Error("collector stopped", zap.Error(err))
		}
	}()

	go p.coordinator.Watch(ctx)

	err := p.coordinator.Drain(collectorDone, p.Queue.Close, p.processor.Done())
	p.log.Info("pipeline stopped",
		zap.String("reason", p.coordinator.Stop().Reason()),
		zap.Int64("batches_sealed", p.collector.BatchesSealed()),
		zap.Int64("processed", p.processor.Processed()))
	return err
}

// RequestStop asks the pipeline to shut down as if the signal file appeared.
func (p *Pipeline) RequestStop(reason string) {
	p.coordinator.RequestStop(reason)
}

// State returns the coordinator state.
func (p *Pipeline) State() shutdown.State { return p.coordinator.State() }

// Snapshot reports the live state for the status API.
func (p *Pipeline) Snapshot() api.Snapshot {
	id, files, _ := p.collector.Current()
	return api.Snapshot{
		State:             p.coordinator.State().String(),
		CurrentBatch:      id,
		CurrentBatchFiles: files,
		BatchesSealed:     p.collector.BatchesSealed(),
		QueueDepth:        p.Queue.Len(),
		QueueCapacity:     p.Queue.Cap(),
		ActiveWorkers:     p.processor.Active(),
		Processed:         p.processor.Processed(),
	}
}
