package gather

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/alert"
	"github.com/dharsanguruparan/DropWatch/internal/model"
	"github.com/dharsanguruparan/DropWatch/internal/queue"
	"github.com/dharsanguruparan/DropWatch/internal/storage"
)

// ArrivalSource lists files that appeared or changed after since.
type ArrivalSource interface {
	Name() string
	FetchArrivals(ctx context.Context, since time.Time) ([]model.FileIdentity, error)
}

// ManifestWriter is called exactly once for every sealed, non-empty batch.
type ManifestWriter interface {
	Create(ctx context.Context, batch *model.GatherBatch) error
}

// Options tunes the gathering cycle.
type Options struct {
	CheckInterval  time.Duration
	QuietTimeout   time.Duration
	MaxBatchWindow time.Duration
	MaxBatchFiles  int
	Lookback       time.Duration
	// RejectWhenFull switches the queue policy from blocking to rejecting.
	RejectWhenFull  bool
	IncludePatterns []string
}

// Close reasons reported in logs.
const (
	reasonQuiet    = "quiet period elapsed"
	reasonWindow   = "batch window ceiling reached"
	reasonFiles    = "batch file ceiling reached"
	reasonShutdown = "shutdown requested"
)

// Collector runs the gathering cycles on a single goroutine.
type Collector struct {
	source   ArrivalSource
	gate     *Gate
	table    *storage.StatusTable
	queue    *queue.JobQueue
	manifest ManifestWriter
	alerter  alert.Alerter
	log      *zap.Logger
	opts     Options

	mu      sync.Mutex
	current *model.GatherBatch
	sealed  atomic.Int64
	carry   []model.FileIdentity
}

// NewCollector wires a Collector. manifest may be nil.
func NewCollector(source ArrivalSource, table *storage.StatusTable, q *queue.JobQueue, manifest ManifestWriter, alerter alert.Alerter, log *zap.Logger, opts Options) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.QuietTimeout <= 0 {
		opts.QuietTimeout = 5 * time.Minute
	}
	log = log.Named("collector")
	return &Collector{
		source:   source,
		gate:     NewGate(table, log),
		table:    table,
		queue:    q,
		manifest: manifest,
		alerter:  alerter,
		log:      log,
		opts:     opts,
	}
}

// Run gathers batches until ctx is cancelled. The batch open at that moment is
// still sealed, queued and manifested before Run returns.
func (c *Collector) Run(ctx context.Context) error {
	since := time.Now().Add(-c.opts.Lookback)
	c.log.Info("collector started",
		zap.String("source", c.source.Name()),
		zap.Duration("check_interval", c.opts.CheckInterval),
		zap.Duration("quiet_timeout", c.opts.QuietTimeout))
	for {
		batch := model.NewBatch(time.Now())
		c.setCurrent(batch)
		var reason string
		since, reason = c.collect(ctx, batch, since)
		c.closeBatch(ctx, batch, reason)
		if ctx.Err() != nil {
			c.setCurrent(nil)
			c.dropCarry()
			c.log.Info("collector stopped", zap.Int64("batches_sealed", c.sealed.Load()))
			return nil
		}
	}
}

// collect keeps the batch open until a close condition holds.
func (c *Collector) collect(ctx context.Context, batch *model.GatherBatch, since time.Time) (time.Time, string) {
	lastAdmission := batch.WindowStart
	log := c.log.With(zap.String("batch_id", batch.ID))
	log.Debug("batch opened")

	if len(c.carry) > 0 {
		pending := c.carry
		c.carry = nil
		if c.admit(batch, pending, log) > 0 {
			lastAdmission = time.Now()
		}
	}

	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()
	for {
		if reason := c.closeReason(batch, lastAdmission); reason != "" {
			return since, reason
		}
		select {
		case <-ctx.Done():
			return since, reasonShutdown
		case <-ticker.C:
		}
		pollStart := time.Now()
		files, err := c.fetch(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return since, reasonShutdown
			}
			log.Warn("arrival poll failed", zap.Error(err))
			c.alerter.Raise(alert.Alert{
				Kind:     alert.KindArrivalSource,
				Severity: alert.SeverityWarning,
				Message:  err.Error(),
				BatchID:  batch.ID,
			})
			continue
		}
		since = pollStart
		if c.admit(batch, files, log) > 0 {
			lastAdmission = time.Now()
		}
	}
}

// fetch calls the source, turning a panic into an error so one bad poll never
// ends the collector.
func (c *Collector) fetch(ctx context.Context, since time.Time) (files []model.FileIdentity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.ArrivalSourceError{Source: c.source.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	files, err = c.source.FetchArrivals(ctx, since)
	if err != nil {
		var ase *model.ArrivalSourceError
		if !errors.As(err, &ase) {
			err = &model.ArrivalSourceError{Source: c.source.Name(), Err: err}
		}
	}
	return files, err
}

// admit pushes candidates through the gate, holding back whatever exceeds the
// file ceiling for the next batch. It returns the number admitted.
func (c *Collector) admit(batch *model.GatherBatch, files []model.FileIdentity, log *zap.Logger) int {
	wasEmpty := batch.Len() == 0
	admitted := 0
	for i, f := range files {
		if !c.included(f) {
			continue
		}
		if c.opts.MaxBatchFiles > 0 && batch.Len() >= c.opts.MaxBatchFiles {
			c.carry = append(c.carry, files[i:]...)
			break
		}
		if c.gate.Admit(f, batch) {
			admitted++
			log.Debug("file admitted", zap.String("file", f.Name), zap.Int64("size", f.Size))
		}
	}
	if wasEmpty && admitted > 0 {
		// The window runs from the first admission, not from an idle open.
		batch.WindowStart = time.Now()
	}
	if admitted > 0 {
		log.Info("files admitted", zap.Int("admitted", admitted), zap.Int("batch_size", batch.Len()))
	}
	return admitted
}

// dropCarry reports arrivals held back by the file ceiling that no batch will
// take. They were never registered in the status table.
func (c *Collector) dropCarry() {
	if len(c.carry) == 0 {
		return
	}
	names := make([]string, 0, len(c.carry))
	for _, f := range c.carry {
		names = append(names, f.Name)
	}
	c.log.Error("carried-over arrivals dropped at shutdown",
		zap.Int("files", len(c.carry)), zap.Strings("names", names))
	c.alerter.Raise(alert.Alert{
		Kind:     alert.KindShutdown,
		Severity: alert.SeverityError,
		Message:  fmt.Sprintf("%d arrivals held back by the batch file ceiling were not admitted before shutdown", len(c.carry)),
	})
	c.carry = nil
}

func (c *Collector) included(f model.FileIdentity) bool {
	if len(c.opts.IncludePatterns) == 0 {
		return true
	}
	base := path.Base(f.Name)
	for _, p := range c.opts.IncludePatterns {
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}

func (c *Collector) closeReason(batch *model.GatherBatch, lastAdmission time.Time) string {
	n := batch.Len()
	if n == 0 {
		return ""
	}
	if c.opts.MaxBatchFiles > 0 && n >= c.opts.MaxBatchFiles {
		return reasonFiles
	}
	if c.opts.MaxBatchWindow > 0 && time.Since(batch.WindowStart) >= c.opts.MaxBatchWindow {
		return reasonWindow
	}
	if time.Since(lastAdmission) >= c.opts.QuietTimeout {
		return reasonQuiet
	}
	return ""
}

// closeBatch seals the batch, queues every file and creates the manifest. It
// ignores cancellation of ctx so a shutdown never leaves a half-closed batch.
func (c *Collector) closeBatch(ctx context.Context, batch *model.GatherBatch, reason string) {
	if !batch.Seal(time.Now()) {
		return
	}
	files := batch.Files()
	log := c.log.With(zap.String("batch_id", batch.ID))
	if len(files) == 0 {
		log.Debug("empty batch closed", zap.String("reason", reason))
		return
	}
	c.sealed.Add(1)
	sealCtx := context.WithoutCancel(ctx)

	queued := 0
	for _, f := range files {
		if err := c.dispatch(sealCtx, model.Task{BatchID: batch.ID, Identity: f}); err != nil {
			log.Error("file not queued", zap.String("file", f.Name), zap.Error(err))
			if _, markErr := c.table.MarkAborted(f.Key(), batch.ID, err.Error()); markErr != nil {
				log.Warn("mark unqueued file aborted", zap.String("file", f.Name), zap.Error(markErr))
			}
			c.alerter.Raise(alert.Alert{
				Kind:     alert.KindQueueFull,
				Severity: alert.SeverityError,
				Message:  fmt.Sprintf("file not queued: %v", err),
				BatchID:  batch.ID,
				File:     f.Name,
			})
			continue
		}
		queued++
	}
	log.Info("batch sealed",
		zap.String("reason", reason),
		zap.Int("files", len(files)),
		zap.Int("queued", queued),
		zap.Time("window_start", batch.WindowStart))

	if c.manifest == nil {
		return
	}
	if err := c.createManifest(sealCtx, batch); err != nil {
		merr := &model.ManifestError{BatchID: batch.ID, Err: err}
		log.Error("manifest creation failed", zap.Error(merr))
		c.alerter.Raise(alert.Alert{
			Kind:     alert.KindManifest,
			Severity: alert.SeverityError,
			Message:  merr.Error(),
			BatchID:  batch.ID,
		})
	}
}

func (c *Collector) dispatch(ctx context.Context, task model.Task) error {
	if c.opts.RejectWhenFull {
		return c.queue.TryPush(task)
	}
	return c.queue.Push(ctx, task)
}

func (c *Collector) createManifest(ctx context.Context, batch *model.GatherBatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.manifest.Create(ctx, batch)
}

func (c *Collector) setCurrent(b *model.GatherBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = b
}

// Current returns the id and size of the open batch, if any.
func (c *Collector) Current() (id string, files int, ok bool) {
	c.mu.Lock()
	b := c.current
	c.mu.Unlock()
	if b == nil || b.Sealed() {
		return "", 0, false
	}
	return b.ID, b.Len(), true
}

// BatchesSealed returns how many non-empty batches have been sealed.
func (c *Collector) BatchesSealed() int64 {
	return c.sealed.Load()
}
