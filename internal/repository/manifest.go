package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/DropWatch/internal/manifest"
)

// ErrNotFound is returned when no manifest row exists for a batch.
var ErrNotFound = errors.New("manifest not found")

// DB is the subset of *pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ManifestRepository wraps all SQL used for the manifest ledger.
type ManifestRepository struct {
	db  DB
	now func() time.Time
}

// NewManifestRepository constructs a repository.
func NewManifestRepository(db DB) *ManifestRepository {
	return &ManifestRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Insert records a manifest. It reports false when the batch was already
// recorded.
func (r *ManifestRepository) Insert(ctx context.Context, m manifest.Manifest) (bool, error) {
	files, err := json.Marshal(m.Files)
	if err != nil {
		return false, fmt.Errorf("marshal files: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO batch_manifests (batch_id, window_start, sealed_at, file_count, total_bytes, files, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (batch_id) DO NOTHING
	`, m.BatchID, m.WindowStart, m.SealedAt, m.FileCount, m.TotalBytes, files, r.now())
	if err != nil {
		return false, fmt.Errorf("insert manifest: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the manifest recorded for batchID.
func (r *ManifestRepository) Get(ctx context.Context, batchID string) (*manifest.Manifest, error) {
	var (
		m     manifest.Manifest
		files []byte
	)
	row := r.db.QueryRow(ctx, `
		SELECT batch_id, window_start, sealed_at, file_count, total_bytes, files
		FROM batch_manifests WHERE batch_id=$1
	`, batchID)
	if err := row.Scan(&m.BatchID, &m.WindowStart, &m.SealedAt, &m.FileCount, &m.TotalBytes, &files); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
		}
		return nil, fmt.Errorf("select manifest: %w", err)
	}
	if err := json.Unmarshal(files, &m.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return &m, nil
}
