// Package gather discovers newly arrived files and groups them into batches.
package gather

import (
	"errors"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/model"
	"github.com/dharsanguruparan/DropWatch/internal/storage"
)

// Gate admits arrivals into a batch, dropping duplicates of a (name, size)
// pair already in the batch.
type Gate struct {
	table *storage.StatusTable
	log   *zap.Logger
}

// NewGate builds a Gate that registers admitted files in table.
func NewGate(table *storage.StatusTable, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{table: table, log: log}
}

// Admit appends candidate to batch and creates its pending record. It returns
// false, with no side effect, for duplicates, sealed batches and files whose
// previous arrival is still being monitored.
func (g *Gate) Admit(candidate model.FileIdentity, batch *model.GatherBatch) bool {
	added, err := batch.Append(candidate)
	if err != nil || !added {
		return false
	}
	if _, err := g.table.Register(candidate, batch.ID); err != nil {
		batch.Remove(candidate.Key())
		if errors.Is(err, storage.ErrInFlight) {
			g.log.Info("arrival skipped, previous copy still monitored",
				zap.String("file", candidate.Name),
				zap.Int64("size", candidate.Size),
				zap.String("batch_id", batch.ID))
		} else {
			g.log.Error("register arrival", zap.String("file", candidate.Name), zap.Error(err))
		}
		return false
	}
	return true
}
