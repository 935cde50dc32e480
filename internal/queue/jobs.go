package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/DropWatch/internal/model"
)

const (
	// ManifestTask is scheduled once for every sealed batch.
	ManifestTask = "batch:manifest"
)

// ManifestPayload is serialized into the task payload so the manifest worker
// can rebuild the batch without access to the collector's memory.
type ManifestPayload struct {
	BatchID     string               `json:"batch_id"`
	WindowStart time.Time            `json:"window_start"`
	SealedAt    time.Time            `json:"sealed_at"`
	Files       []model.FileIdentity `json:"files"`
}

// Enqueuer is the subset of *asynq.Client used here.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EnqueueManifest enqueues the manifest job for a batch. The batch id doubles
// as the asynq task id, so a second enqueue of the same batch is a no-op.
func EnqueueManifest(ctx context.Context, client Enqueuer, payload ManifestPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ManifestTask, data)
	_, err = client.EnqueueContext(ctx, task, asynq.TaskID(payload.BatchID), asynq.MaxRetry(5))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue manifest task: %w", err)
	}
	return nil
}

// DecodeManifest reverses EnqueueManifest's encoding.
func DecodeManifest(task *asynq.Task) (ManifestPayload, error) {
	var payload ManifestPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.BatchID == "" {
		return payload, errors.New("decode payload: missing batch id")
	}
	return payload, nil
}
