// Package alert delivers operator notifications. Raising an alert never blocks
// the caller on delivery and never returns an error into the pipeline.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Kind names the condition that produced an alert.
type Kind string

const (
	KindArrivalSource Kind = "arrival_source"
	KindStatusSource  Kind = "status_source"
	KindFileFailed    Kind = "file_failed"
	KindPollExhausted Kind = "poll_exhausted"
	KindManifest      Kind = "manifest"
	KindQueueFull     Kind = "queue_full"
	KindJoinTimeout   Kind = "join_timeout"
	KindShutdown      Kind = "shutdown"
)

// Alert is a single notification.
type Alert struct {
	Kind     Kind
	Severity Severity
	Message  string
	BatchID  string
	File     string
	At       time.Time
}

func (a Alert) String() string {
	s := fmt.Sprintf("[%s] %s: %s", a.Severity, a.Kind, a.Message)
	if a.File != "" {
		s += " (file " + a.File + ")"
	}
	if a.BatchID != "" {
		s += " (batch " + a.BatchID + ")"
	}
	return s
}

// Alerter is what pipeline components depend on.
type Alerter interface {
	Raise(a Alert)
}

// Sink delivers an alert to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

const (
	defaultBuffer      = 256
	defaultSendTimeout = 10 * time.Second
)

// Dispatcher fans alerts out to its sinks from a single background goroutine.
type Dispatcher struct {
	log     *zap.Logger
	sinks   []Sink
	timeout time.Duration
	ch      chan Alert
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher. A zero buffer or timeout picks the default.
func NewDispatcher(log *zap.Logger, buffer int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	d := &Dispatcher{
		log:     log.Named("alert"),
		sinks:   sinks,
		timeout: timeout,
		ch:      make(chan Alert, buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Raise queues the alert for delivery. When the buffer is full the alert is
// logged and dropped rather than stalling the caller.
func (d *Dispatcher) Raise(a Alert) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("alert raised after close", zap.String("alert", a.String()))
		return
	}
	select {
	case d.ch <- a:
	default:
		d.log.Error("alert buffer full, dropping alert", zap.String("alert", a.String()))
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for a := range d.ch {
		for _, s := range d.sinks {
			d.deliver(s, a)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("alert sink panicked", zap.String("sink", s.Name()), zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Send(ctx, a); err != nil {
		d.log.Warn("alert delivery failed", zap.String("sink", s.Name()), zap.Error(err))
	}
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (l LogSink) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("kind", string(a.Kind)),
		zap.String("batch_id", a.BatchID),
		zap.String("file", a.File),
		zap.Time("at", a.At),
	}
	switch a.Severity {
	case SeverityWarning:
		l.Log.Warn(a.Message, fields...)
	default:
		// Fatal alerts are logged at error level; the process decides whether to exit.
		l.Log.Error(a.Message, fields...)
	}
	return nil
}

// Recorder keeps alerts in memory. It implements both Alerter and Sink.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Raise(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Send(_ context.Context, a Alert) error {
	r.Raise(a)
	return nil
}

// Alerts returns a copy of everything recorded so far.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Count returns how many recorded alerts have the given kind.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Kind == k {
			n++
		}
	}
	return n
}
