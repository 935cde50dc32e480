// Package processing runs the worker pool that drives each queued file to a
// terminal status by polling an external status source.
package processing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/DropWatch/internal/alert"
	"github.com/dharsanguruparan/DropWatch/internal/model"
	"github.com/dharsanguruparan/DropWatch/internal/queue"
	"github.com/dharsanguruparan/DropWatch/internal/storage"
)

// StatusSource reports the processing status of one file.
type StatusSource interface {
	Name() string
	FetchStatus(ctx context.Context, file model.FileIdentity) (model.FileStatus, error)
}

// Options tunes the pool.
type Options struct {
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
	// PopTimeout bounds how long an idle worker waits before re-checking the
	// abort flag.
	PopTimeout time.Duration
}

// Outcome is how monitoring of one task ended.
type Outcome string

const (
	OutcomeComplete  Outcome = "complete"
	OutcomeFailed    Outcome = "failed"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeAborted   Outcome = "aborted"
	OutcomeSkipped   Outcome = "skipped"
)

// Processor consumes tasks and updates their lifecycle.
type Processor struct {
	table   *storage.StatusTable
	queue   *queue.JobQueue
	source  StatusSource
	alerter alert.Alerter
	log     *zap.Logger
	opts    Options

	group     errgroup.Group
	started   atomic.Bool
	done      chan struct{}
	processed atomic.Int64
	active    atomic.Int64
}

// New builds a Processor. Zero options fall back to 2 workers, 15 attempts and
// a two minute poll interval.
func New(table *storage.StatusTable, q *queue.JobQueue, source StatusSource, alerter alert.Alerter, log *zap.Logger, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 15
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Minute
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		table:   table,
		queue:   q,
		source:  source,
		alerter: alerter,
		log:     log.Named("worker"),
		opts:    opts,
		done:    make(chan struct{}),
	}
}

// Start launches the workers. They run until the queue is closed and drained,
// or until abort is cancelled, in which case the remaining tasks are marked
// aborted. Start may be called once.
func (p *Processor) Start(abort context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.opts.Workers; i++ {
		id := i + 1
		p.group.Go(func() error {
			p.worker(abort, id)
			return nil
		})
	}
	go func() {
		_ = p.group.Wait()
		close(p.done)
	}()
}

// Done is closed once every worker has returned.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Processed returns how many tasks reached an outcome.
func (p *Processor) Processed() int64 { return p.processed.Load() }

// Active returns how many tasks are being monitored right now.
func (p *Processor) Active() int64 { return p.active.Load() }

func (p *Processor) worker(abort context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	log.Debug("worker started")
	defer log.Debug("worker stopped")
	for {
		if abort.Err() != nil {
			p.drainAborted(log)
			return
		}
		task, err := p.queue.Pop(p.opts.PopTimeout)
		switch {
		case errors.Is(err, queue.ErrClosed):
			return
		case errors.Is(err, queue.ErrEmpty):
			continue
		case err != nil:
			log.Error("pop task", zap.Error(err))
			continue
		}
		p.handle(abort, task, log)
	}
}

// handle runs Process and turns a panic into an aborted record so the worker
// keeps going.
func (p *Processor) handle(ctx context.Context, task model.Task, log *zap.Logger) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer p.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while monitoring file",
				zap.String("file", task.Identity.Name), zap.Any("panic", r), zap.Stack("stack"))
			p.abortTask(task, fmt.Sprintf("panic: %v", r), log)
		}
	}()
	p.Process(ctx, task)
}

// Process monitors a single task until it completes, fails, runs out of poll
// attempts or ctx is cancelled.
//
// A transport error from the status source does not count as an attempt, but
// it does use up one of the MaxAttempts poll slots, so a file is never polled
// more than MaxAttempts times.
func (p *Processor) Process(ctx context.Context, task model.Task) Outcome {
	k := task.Identity.Key()
	log := p.log.With(
		zap.String("batch_id", task.BatchID),
		zap.String("file", task.Identity.Name),
		zap.Int64("size", task.Identity.Size))

	if _, err := p.table.MarkWorking(k, task.BatchID); err != nil {
		log.Warn("task skipped", zap.Error(err))
		return OutcomeSkipped
	}

	var last model.FileRecord
	for slot := 1; slot <= p.opts.MaxAttempts; slot++ {
		status, err := p.fetch(ctx, task.Identity)
		if err != nil {
			if ctx.Err() != nil {
				p.abortTask(task, "shutdown during status poll", log)
				return OutcomeAborted
			}
			log.Warn("status poll failed", zap.Int("slot", slot), zap.Error(err))
			p.alerter.Raise(alert.Alert{
				Kind:     alert.KindStatusSource,
				Severity: alert.SeverityWarning,
				Message:  err.Error(),
				BatchID:  task.BatchID,
				File:     task.Identity.Name,
			})
		} else {
			rec, err := p.table.RecordPoll(k, task.BatchID, status)
			if err != nil {
				log.Warn("status update rejected", zap.Error(err))
				return OutcomeSkipped
			}
			last = rec
			switch status {
			case model.StatusComplete:
				log.Info("file complete", zap.Int("attempts", rec.Attempts))
				return OutcomeComplete
			case model.StatusFail:
				log.Error("file failed", zap.Int("attempts", rec.Attempts))
				p.alertOnce(task, alert.KindFileFailed, model.ErrFileProcessingFailure, log)
				return OutcomeFailed
			}
			log.Debug("file not terminal yet", zap.String("status", string(status)), zap.Int("attempts", rec.Attempts))
		}

		if slot == p.opts.MaxAttempts {
			break
		}
		if ctx.Err() != nil || !sleep(ctx, p.opts.PollInterval) {
			p.abortTask(task, "shutdown between status polls", log)
			return OutcomeAborted
		}
	}

	if _, err := p.table.MarkExhausted(k, task.BatchID); err != nil {
		log.Warn("mark exhausted", zap.Error(err))
		return OutcomeSkipped
	}
	log.Error("poll attempts exhausted",
		zap.Int("max_attempts", p.opts.MaxAttempts),
		zap.Int("attempts", last.Attempts),
		zap.String("last_status", string(last.Status)))
	p.alertOnce(task, alert.KindPollExhausted, model.ErrPollExhausted, log)
	return OutcomeExhausted
}

func (p *Processor) fetch(ctx context.Context, file model.FileIdentity) (status model.FileStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.StatusSourceError{Source: p.source.Name(), File: file.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	status, err = p.source.FetchStatus(ctx, file)
	if err != nil {
		var sse *model.StatusSourceError
		if !errors.As(err, &sse) {
			err = &model.StatusSourceError{Source: p.source.Name(), File: file.Name, Err: err}
		}
		return "", err
	}
	if !status.Valid() {
		return "", &model.StatusSourceError{Source: p.source.Name(), File: file.Name, Err: fmt.Errorf("unknown status %q", status)}
	}
	return status, nil
}

// alertOnce raises an error alert unless the record was already alerted.
func (p *Processor) alertOnce(task model.Task, kind alert.Kind, cause error, log *zap.Logger) {
	first, err := p.table.MarkAlerted(task.Identity.Key(), task.BatchID)
	if err != nil {
		log.Warn("mark alerted", zap.Error(err))
		return
	}
	if !first {
		return
	}
	p.alerter.Raise(alert.Alert{
		Kind:     kind,
		Severity: alert.SeverityError,
		Message:  fmt.Sprintf("%s: %v", task.Identity.Key(), cause),
		BatchID:  task.BatchID,
		File:     task.Identity.Name,
	})
}

func (p *Processor) abortTask(task model.Task, reason string, log *zap.Logger) {
	rec, err := p.table.MarkAborted(task.Identity.Key(), task.BatchID, reason)
	if err != nil {
		log.Warn("mark aborted", zap.String("file", task.Identity.Name), zap.Error(err))
		return
	}
	log.Warn("file monitoring aborted",
		zap.String("file", task.Identity.Name),
		zap.String("reason", reason),
		zap.String("status", string(rec.Status)),
		zap.Int("attempts", rec.Attempts))
}

// drainAborted empties the queue, marking every task aborted.
func (p *Processor) drainAborted(log *zap.Logger) {
	for {
		task, err := p.queue.Pop(0)
		if err != nil {
			return
		}
		p.abortTask(task, "shutdown before monitoring started", log)
		p.processed.Add(1)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
