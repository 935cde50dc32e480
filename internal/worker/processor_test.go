package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dharsanguruparan/DropWatch/internal/manifest"
	"github.com/dharsanguruparan/DropWatch/internal/model"
	"github.com/dharsanguruparan/DropWatch/internal/queue"
)

type memorySink struct {
	got []manifest.Manifest
	err error
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(_ context.Context, m manifest.Manifest) error {
	s.got = append(s.got, m)
	return s.err
}

func manifestTask(t *testing.T, p queue.ManifestPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return asynq.NewTask(queue.ManifestTask, data)
}

func TestHandleManifest(t *testing.T) {
	sink := &memorySink{}
	p := NewProcessor(zaptest.NewLogger(t), sink)
	task := manifestTask(t, queue.ManifestPayload{
		BatchID: "b1",
		Files:   []model.FileIdentity{{Name: "a.csv", Size: 10}, {Name: "b.csv", Size: 5}},
	})

	require.NoError(t, p.HandleManifest(context.Background(), task))
	require.Len(t, sink.got, 1)
	assert.Equal(t, "b1", sink.got[0].BatchID)
	assert.Equal(t, int64(15), sink.got[0].TotalBytes)
}

func TestHandleManifest_SinkErrorRetries(t *testing.T) {
	boom := errors.New("ledger down")
	p := NewProcessor(zaptest.NewLogger(t), &memorySink{err: boom})
	err := p.HandleManifest(context.Background(), manifestTask(t, queue.ManifestPayload{BatchID: "b1"}))
	require.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleManifest_MalformedSkipsRetry(t *testing.T) {
	p := NewProcessor(zaptest.NewLogger(t), &memorySink{})
	err := p.HandleManifest(context.Background(), asynq.NewTask(queue.ManifestTask, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
