package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dharsanguruparan/DropWatch/internal/alert"
	"github.com/dharsanguruparan/DropWatch/internal/model"
	"github.com/dharsanguruparan/DropWatch/internal/queue"
	"github.com/dharsanguruparan/DropWatch/internal/storage"
)

// scriptedStatus answers each file from its own script; the last answer
// repeats once the script runs out.
type scriptedStatus struct {
	mu      sync.Mutex
	scripts map[string][]answer
	calls   map[string]int
}

type answer struct {
	status model.FileStatus
	err    error
}

func newScripted() *scriptedStatus {
	return &scriptedStatus{scripts: map[string][]answer{}, calls: map[string]int{}}
}

func (s *scriptedStatus) set(name string, answers ...answer) { s.scripts[name] = answers }

func (s *scriptedStatus) Name() string { return "scripted" }

func (s *scriptedStatus) FetchStatus(_ context.Context, f model.FileIdentity) (model.FileStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	script := s.scripts[f.Name]
	i := s.calls[f.Name]
	s.calls[f.Name]++
	if len(script) == 0 {
		return model.StatusPending, nil
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i].status, script[i].err
}

func (s *scriptedStatus) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func ok(st model.FileStatus) answer { return answer{status: st} }

type fixture struct {
	table *storage.StatusTable
	queue *queue.JobQueue
	src   *scriptedStatus
	rec   *alert.Recorder
	proc  *Processor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		table: storage.NewStatusTable(),
		queue: queue.New(16),
		src:   newScripted(),
		rec:   &alert.Recorder{},
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.PopTimeout == 0 {
		opts.PopTimeout = 5 * time.Millisecond
	}
	f.proc = New(f.table, f.queue, f.src, f.rec, zaptest.NewLogger(t), opts)
	return f
}

func (f *fixture) register(t *testing.T, name string) model.Task {
	t.Helper()
	id := model.FileIdentity{Name: name, Size: 100, LastModified: time.Now()}
	_, err := f.table.Register(id, "batch-1")
	require.NoError(t, err)
	return model.Task{BatchID: "batch-1", Identity: id}
}

func (f *fixture) record(t *testing.T, task model.Task) model.FileRecord {
	t.Helper()
	rec, err := f.table.Get(task.Identity.Key())
	require.NoError(t, err)
	return rec
}

func TestProcess_PendingPendingComplete(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 15})
	task := f.register(t, "a.csv")
	f.src.set("a.csv", ok(model.StatusPending), ok(model.StatusPending), ok(model.StatusComplete))

	out := f.proc.Process(context.Background(), task)

	assert.Equal(t, OutcomeComplete, out)
	rec := f.record(t, task)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, model.StatusComplete, rec.Status)
	assert.False(t, rec.Alerted)
	assert.Empty(t, f.rec.Alerts())
}

func TestProcess_ExhaustedLeavesLastStatus(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	task := f.register(t, "a.csv")
	f.src.set("a.csv", ok(model.StatusPending))

	out := f.proc.Process(context.Background(), task)

	assert.Equal(t, OutcomeExhausted, out)
	rec := f.record(t, task)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.True(t, rec.Alerted)
	assert.True(t, rec.Exhausted)
	assert.Equal(t, 1, f.rec.Count(alert.KindPollExhausted))
	assert.Len(t, f.rec.Alerts(), 1)
	assert.Equal(t, 3, f.src.Calls("a.csv"))
}

func TestProcess_FailAlertsOnce(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 5})
	task := f.register(t, "a.csv")
	f.src.set("a.csv", ok(model.StatusWorking), ok(model.StatusFail))

	out := f.proc.Process(context.Background(), task)
	assert.Equal(t, OutcomeFailed, out)

	rec := f.record(t, task)
	assert.Equal(t, model.StatusFail, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.True(t, rec.Alerted)
	require.Equal(t, 1, f.rec.Count(alert.KindFileFailed))
	assert.Equal(t, alert.SeverityError, f.rec.Alerts()[0].Severity)

	// A second pass over the same record changes nothing and raises nothing.
	out = f.proc.Process(context.Background(), task)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Equal(t, 1, f.rec.Count(alert.KindFileFailed))
	assert.Equal(t, model.StatusFail, f.record(t, task).Status)
}

func TestProcess_TransportErrorUsesSlotNotAttempt(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	task := f.register(t, "a.csv")
	boom := errors.New("connection refused")
	f.src.set("a.csv", answer{err: boom}, ok(model.StatusPending), answer{err: boom})

	out := f.proc.Process(context.Background(), task)

	assert.Equal(t, OutcomeExhausted, out)
	rec := f.record(t, task)
	assert.Equal(t, 1, rec.Attempts, "only definitive answers count as attempts")
	assert.Equal(t, 3, f.src.Calls("a.csv"), "transport errors still use a poll slot")
	assert.Equal(t, 2, f.rec.Count(alert.KindStatusSource))
	assert.Equal(t, 1, f.rec.Count(alert.KindPollExhausted))

	for _, a := range f.rec.Alerts() {
		if a.Kind == alert.KindStatusSource {
			assert.Equal(t, alert.SeverityWarning, a.Severity)
		}
	}
}

func TestProcess_TransportErrorThenComplete(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	task := f.register(t, "a.csv")
	f.src.set("a.csv", answer{err: errors.New("timeout")}, ok(model.StatusComplete))

	assert.Equal(t, OutcomeComplete, f.proc.Process(context.Background(), task))
	assert.Equal(t, 1, f.record(t, task).Attempts)
}

func TestProcess_UnknownStatusIsTransportError(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2})
	task := f.register(t, "a.csv")
	f.src.set("a.csv", ok(model.FileStatus("weird")), ok(model.StatusComplete))

	assert.Equal(t, OutcomeComplete, f.proc.Process(context.Background(), task))
	assert.Equal(t, 1, f.rec.Count(alert.KindStatusSource))
}

func TestProcess_AbortMidPoll(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 100, PollInterval: time.Hour})
	task := f.register(t, "a.csv")
	f.src.set("a.csv", ok(model.StatusPending))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- f.proc.Process(ctx, task) }()

	require.Eventually(t, func() bool { return f.src.Calls("a.csv") == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case out := <-done:
		assert.Equal(t, OutcomeAborted, out)
	case <-time.After(time.Second):
		t.Fatal("worker did not observe abort during sleep")
	}
	rec := f.record(t, task)
	assert.True(t, rec.Aborted)
	assert.True(t, rec.Settled())
	assert.Equal(t, 1, rec.Attempts)
}

func TestProcess_StaleBatchSkipped(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2})
	task := f.register(t, "a.csv")
	task.BatchID = "other-batch"

	assert.Equal(t, OutcomeSkipped, f.proc.Process(context.Background(), task))
	assert.Zero(t, f.src.Calls("a.csv"))
}

type panicStatus struct{}

func (panicStatus) Name() string { return "panic" }
func (panicStatus) FetchStatus(context.Context, model.FileIdentity) (model.FileStatus, error) {
	panic("nil client")
}

func TestProcess_SourcePanicIsTransportError(t *testing.T) {
	table := storage.NewStatusTable()
	rec := &alert.Recorder{}
	p := New(table, queue.New(1), panicStatus{}, rec, zaptest.NewLogger(t), Options{MaxAttempts: 2, PollInterval: time.Millisecond})
	id := model.FileIdentity{Name: "a.csv", Size: 1}
	_, err := table.Register(id, "b")
	require.NoError(t, err)

	assert.Equal(t, OutcomeExhausted, p.Process(context.Background(), model.Task{BatchID: "b", Identity: id}))
	assert.Equal(t, 2, rec.Count(alert.KindStatusSource))
}

func TestPool_DrainsQueueAfterClose(t *testing.T) {
	f := newFixture(t, Options{Workers: 2, MaxAttempts: 3})
	var tasks []model.Task
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("f%d.csv", i)
		f.src.set(name, ok(model.StatusPending), ok(model.StatusComplete))
		task := f.register(t, name)
		tasks = append(tasks, task)
		require.NoError(t, f.queue.Push(context.Background(), task))
	}
	f.queue.Close()
	f.proc.Start(context.Background())

	select {
	case <-f.proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after queue drained")
	}
	assert.Equal(t, int64(5), f.proc.Processed())
	for _, task := range tasks {
		rec := f.record(t, task)
		assert.Equal(t, model.StatusComplete, rec.Status, task.Identity.Name)
		assert.Equal(t, 2, rec.Attempts)
	}
}

func TestPool_AbortMarksQueuedTasks(t *testing.T) {
	f := newFixture(t, Options{Workers: 1, MaxAttempts: 10, PollInterval: time.Hour})
	var tasks []model.Task
	for i := 0; i < 4; i++ {
		task := f.register(t, fmt.Sprintf("f%d.csv", i))
		tasks = append(tasks, task)
		require.NoError(t, f.queue.Push(context.Background(), task))
	}
	f.queue.Close()

	abort, cancel := context.WithCancel(context.Background())
	f.proc.Start(abort)
	require.Eventually(t, func() bool { return f.proc.Active() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-f.proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after abort")
	}
	for _, task := range tasks {
		assert.True(t, f.record(t, task).Settled(), task.Identity.Name)
	}
	assert.Equal(t, int64(4), f.proc.Processed())
}

func TestPool_StartTwiceIsNoop(t *testing.T) {
	f := newFixture(t, Options{Workers: 1})
	f.queue.Close()
	f.proc.Start(context.Background())
	f.proc.Start(context.Background())
	select {
	case <-f.proc.Done():
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}
