package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dharsanguruparan/DropWatch/internal/alert"
	"github.com/dharsanguruparan/DropWatch/internal/config"
	"github.com/dharsanguruparan/DropWatch/internal/model"
	"github.com/dharsanguruparan/DropWatch/internal/shutdown"
)

// onceSource returns its files on the first poll only.
type onceSource struct {
	mu    sync.Mutex
	files []model.FileIdentity
	done  bool
}

func (s *onceSource) Name() string { return "once" }

func (s *onceSource) FetchArrivals(context.Context, time.Time) ([]model.FileIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, nil
	}
	s.done = true
	return s.files, nil
}

// slowStatus answers pending until a file has been polled twice, then
// complete.
type slowStatus struct {
	mu    sync.Mutex
	polls map[string]int
}

func (s *slowStatus) Name() string { return "slow" }

func (s *slowStatus) FetchStatus(_ context.Context, f model.FileIdentity) (model.FileStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[f.Name]++
	if s.polls[f.Name] >= 2 {
		return model.StatusComplete, nil
	}
	return model.StatusPending, nil
}

type countingManifest struct {
	mu    sync.Mutex
	calls int
}

func (m *countingManifest) Create(context.Context, *model.GatherBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Gather.CheckInterval = 5 * time.Millisecond
	cfg.Gather.QuietTimeout = time.Hour
	cfg.Workers.Count = 2
	cfg.Workers.QueueSize = 8
	cfg.Workers.PollInterval = 10 * time.Millisecond
	cfg.Workers.PopTimeout = 5 * time.Millisecond
	cfg.Shutdown.File = filepath.Join(t.TempDir(), "STOP")
	cfg.Shutdown.CheckInterval = 5 * time.Millisecond
	cfg.Shutdown.DrainGrace = 0
	cfg.Shutdown.JoinTimeout = 5 * time.Second
	return cfg
}

func files(n int) []model.FileIdentity {
	var out []model.FileIdentity
	for i := 0; i < n; i++ {
		out = append(out, model.FileIdentity{Name: fmt.Sprintf("f%d.csv", i), Size: int64(100 + i)})
	}
	return out
}

func TestPipeline_SignalFileDrainsOpenBatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shutdown.DrainGrace = 5 * time.Second
	rec := &alert.Recorder{}
	man := &countingManifest{}
	p := New(cfg, Deps{
		Arrivals: &onceSource{files: files(5)},
		Status:   &slowStatus{polls: map[string]int{}},
		Manifest: man,
		Alerter:  rec,
	}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return p.Table.Len() == 5 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, shutdown.StateRunning, p.State())
	require.NoError(t, shutdown.Trigger(cfg.Shutdown.File, "test"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	assert.Equal(t, shutdown.StateStopped, p.State())
	for _, r := range p.Table.List(0, 0) {
		assert.Equal(t, model.StatusComplete, r.Status, r.Identity.Name)
		assert.Equal(t, 2, r.Attempts)
	}
	assert.Equal(t, 1, man.calls)
	assert.Equal(t, 1, rec.Count(alert.KindShutdown))
	assert.True(t, p.Queue.Closed())
}

// stuckStatus never reaches a terminal state.
type stuckStatus struct{}

func (stuckStatus) Name() string { return "stuck" }
func (stuckStatus) FetchStatus(context.Context, model.FileIdentity) (model.FileStatus, error) {
	return model.StatusWorking, nil
}

func TestPipeline_AbortSettlesEveryQueuedFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.PollInterval = time.Hour
	cfg.Workers.MaxAttempts = 50
	p := New(cfg, Deps{
		Arrivals: &onceSource{files: files(5)},
		Status:   stuckStatus{},
		Alerter:  &alert.Recorder{},
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Table.Len() == 5 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	records := p.Table.List(0, 0)
	require.Len(t, records, 5)
	for _, r := range records {
		assert.True(t, r.Settled(), r.Identity.Name)
		assert.True(t, r.Aborted, r.Identity.Name)
	}
}

func TestPipeline_FullQueueAndStuckWorkerStillStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.Count = 1
	cfg.Workers.QueueSize = 1
	cfg.Workers.PollInterval = time.Hour
	cfg.Workers.MaxAttempts = 50
	cfg.Shutdown.DrainGrace = time.Hour
	cfg.Shutdown.JoinTimeout = 200 * time.Millisecond
	rec := &alert.Recorder{}
	p := New(cfg, Deps{
		Arrivals: &onceSource{files: files(5)},
		Status:   stuckStatus{},
		Alerter:  rec,
	}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return p.Table.Len() == 5 }, 2*time.Second, time.Millisecond)
	p.RequestStop("test")

	select {
	case err := <-done:
		require.ErrorIs(t, err, shutdown.ErrJoinTimeout)
		assert.Contains(t, err.Error(), "collector")
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline hung in %s", p.State())
	}
	assert.Equal(t, shutdown.StateStopped, p.State())
	assert.Equal(t, 1, rec.Count(alert.KindJoinTimeout))

	// Files the collector could not queue are aborted once the queue closes.
	require.Eventually(t, func() bool {
		for _, r := range p.Table.List(0, 0) {
			if !r.Settled() {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
	for _, r := range p.Table.List(0, 0) {
		assert.True(t, r.Aborted, r.Identity.Name)
	}
}

func TestPipeline_Snapshot(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg, Deps{Arrivals: &onceSource{}, Status: stuckStatus{}, Alerter: &alert.Recorder{}}, nil)
	snap := p.Snapshot()
	assert.Equal(t, "running", snap.State)
	assert.Equal(t, 8, snap.QueueCapacity)
	assert.Zero(t, snap.QueueDepth)
}

func TestBuild_RequiresStatusURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Arrivals.Dir = filepath.Join(t.TempDir(), "inbox")
	cfg.Status.URL = ""
	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "status.url")
}

func TestBuild_DirAndHTTP(t *testing.T) {
	cfg := testConfig(t)
	cfg.Arrivals.Dir = filepath.Join(t.TempDir(), "inbox")
	cfg.Status.URL = "http://127.0.0.1:1"
	cfg.Manifest.Sinks = []string{"file"}
	cfg.Manifest.Dir = filepath.Join(t.TempDir(), "manifests")

	svc, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Close()
	assert.NotNil(t, svc.API)
	assert.DirExists(t, cfg.Arrivals.Dir)
}
