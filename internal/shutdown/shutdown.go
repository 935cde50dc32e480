// Package shutdown coordinates a graceful stop of the pipeline, triggered by a
// signal file dropped next to the daemon or by an OS signal.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/alert"
)

// ErrJoinTimeout is returned when a component does not stop within the join
// timeout.
var ErrJoinTimeout = errors.New("component did not stop in time")

// State is the coordinator lifecycle.
type State int32

const (
	StateRunning State = iota
	StateShutdownRequested
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShutdownRequested:
		return "shutdown_requested"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Flag is a one-shot, process-wide stop flag. Its Context is cancelled when the
// flag is raised.
type Flag struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.Mutex
	reason string
}

// NewFlag returns a lowered Flag.
func NewFlag() *Flag {
	ctx, cancel := context.WithCancel(context.Background())
	return &Flag{ctx: ctx, cancel: cancel}
}

// Request raises the flag. Only the first call records its reason and returns
// true.
func (f *Flag) Request(reason string) bool {
	first := false
	f.once.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		f.cancel()
		first = true
	})
	return first
}

// Requested reports whether the flag is raised.
func (f *Flag) Requested() bool { return f.ctx.Err() != nil }

// Reason returns the reason given to the first Request.
func (f *Flag) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Done is closed once the flag is raised.
func (f *Flag) Done() <-chan struct{} { return f.ctx.Done() }

// Context is cancelled once the flag is raised.
func (f *Flag) Context() context.Context { return f.ctx }

// Consume claims the signal file at path by renaming it. Exactly one of any
// number of concurrent callers gets true; a missing file is not an error.
func Consume(path string) (bool, error) {
	err := os.Rename(path, path+".consumed")
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("consume signal file: %w", err)
}

// Trigger creates the signal file at path. The file appears atomically so a
// watcher never sees a partial write.
func Trigger(path, reason string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dropwatch-stop-*")
	if err != nil {
		return fmt.Errorf("create signal file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := fmt.Fprintf(tmp, "%s %s\n", time.Now().UTC().Format(time.RFC3339), reason); err != nil {
		tmp.Close()
		return fmt.Errorf("write signal file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close signal file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("place signal file: %w", err)
	}
	return nil
}

// Options tunes the coordinator.
type Options struct {
	SignalFile    string
	CheckInterval time.Duration
	// DrainGrace is how long workers may keep polling after the queue closes
	// before they are told to abort. Zero aborts right away.
	DrainGrace  time.Duration
	JoinTimeout time.Duration
}

// Coordinator owns the stop and abort flags and walks the shutdown sequence.
type Coordinator struct {
	opts    Options
	stop    *Flag
	abort   *Flag
	alerter alert.Alerter
	log     *zap.Logger
	state   atomic.Int32
}

// NewCoordinator builds a Coordinator in the running state.
func NewCoordinator(opts Options, alerter alert.Alerter, log *zap.Logger) *Coordinator {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		opts:    opts,
		stop:    NewFlag(),
		abort:   NewFlag(),
		alerter: alerter,
		log:     log.Named("shutdown"),
	}
}

// Stop is raised when new work must no longer be admitted.
func (c *Coordinator) Stop() *Flag { return c.stop }

// Abort is raised when workers must give up on in-flight files.
func (c *Coordinator) Abort() *Flag { return c.abort }

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	c.log.Info("shutdown state changed", zap.Stringer("state", s))
}

// RequestStop raises the stop flag. It reports false if a stop was already
// requested.
func (c *Coordinator) RequestStop(reason string) bool {
	if !c.stop.Request(reason) {
		return false
	}
	c.state.CompareAndSwap(int32(StateRunning), int32(StateShutdownRequested))
	c.log.Info("shutdown requested", zap.String("reason", reason))
	c.alerter.Raise(alert.Alert{
		Kind:     alert.KindShutdown,
		Severity: alert.SeverityWarning,
		Message:  "shutdown requested: " + reason,
	})
	return true
}

// Watch checks for the signal file every CheckInterval until the file is
// consumed, ctx ends or a stop is requested some other way. It always leaves
// the stop flag raised.
func (c *Coordinator) Watch(ctx context.Context) {
	if c.opts.SignalFile != "" {
		c.log.Info("watching for signal file",
			zap.String("path", c.opts.SignalFile),
			zap.Duration("check_interval", c.opts.CheckInterval))
	}
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()
	for {
		if c.opts.SignalFile != "" {
			consumed, err := Consume(c.opts.SignalFile)
			if err != nil {
				c.log.Warn("check signal file", zap.Error(err))
			}
			if consumed {
				c.RequestStop("signal file " + c.opts.SignalFile)
				return
			}
		}
		select {
		case <-ctx.Done():
			c.RequestStop("process signal")
			return
		case <-c.stop.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain runs the rest of the sequence once stop is raised: wait for the
// collector, close the queue, give workers DrainGrace to finish, abort them,
// and wait for them. Each wait is bounded by JoinTimeout; closeQueue must not
// block on producers still inside Push.
func (c *Coordinator) Drain(collectorDone <-chan struct{}, closeQueue func(), workersDone <-chan struct{}) error {
	<-c.stop.Done()
	c.setState(StateDraining)

	var errs []error
	collectorErr := c.join("collector", collectorDone)
	if collectorErr != nil {
		errs = append(errs, collectorErr)
	}
	closeQueue()

	// A collector that did not stop gets no grace period.
	if c.opts.DrainGrace > 0 && collectorErr == nil {
		timer := time.NewTimer(c.opts.DrainGrace)
		select {
		case <-workersDone:
		case <-timer.C:
			c.log.Warn("drain grace elapsed, aborting in-flight files", zap.Duration("drain_grace", c.opts.DrainGrace))
		}
		timer.Stop()
	}
	c.abort.Request("drain finished")

	if err := c.join("workers", workersDone); err != nil {
		errs = append(errs, err)
	}
	c.setState(StateStopped)
	return errors.Join(errs...)
}

func (c *Coordinator) join(name string, done <-chan struct{}) error {
	if c.opts.JoinTimeout <= 0 {
		<-done
		return nil
	}
	timer := time.NewTimer(c.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case <-done:
		c.log.Info("component stopped", zap.String("component", name))
		return nil
	case <-timer.C:
		err := fmt.Errorf("%w: %s after %s", ErrJoinTimeout, name, c.opts.JoinTimeout)
		c.log.Error("join timed out", zap.String("component", name), zap.Error(err))
		c.alerter.Raise(alert.Alert{
			Kind:     alert.KindJoinTimeout,
			Severity: alert.SeverityFatal,
			Message:  err.Error(),
		})
		return err
	}
}
