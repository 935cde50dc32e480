// Package s3storage wraps MinIO/S3 access: the arrival bucket the collector
// lists, the status markers workers poll, and the bucket manifests land in.
package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/DropWatch/internal/config"
	"github.com/dharsanguruparan/DropWatch/internal/model"
)

const sourceName = "s3"

// objectAPI is the subset of *minio.Client used here.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Storage wraps MinIO/S3 interactions for arrivals, status markers and
// manifests.
type Storage struct {
	client         objectAPI
	arrivalBucket  string
	statusBucket   string
	manifestBucket string
	arrivalPrefix  string
	markerPrefix   string
	region         string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		Secure: cfg.S3.UseSSL,
		Region: cfg.S3.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:         client,
		arrivalBucket:  cfg.S3.ArrivalBucket,
		statusBucket:   cfg.S3.StatusBucket,
		manifestBucket: cfg.S3.ManifestBucket,
		arrivalPrefix:  cfg.Arrivals.Prefix,
		markerPrefix:   cfg.Status.MarkerPrefix,
		region:         cfg.S3.Region,
	}, nil
}

// Name identifies the storage in logs and errors.
func (s *Storage) Name() string { return sourceName }

// EnsureBuckets makes sure every configured bucket exists before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	seen := map[string]bool{}
	for _, bucket := range []string{s.arrivalBucket, s.statusBucket, s.manifestBucket} {
		if bucket == "" || seen[bucket] {
			continue
		}
		seen[bucket] = true
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// FetchArrivals lists objects under the arrival prefix modified after since.
func (s *Storage) FetchArrivals(ctx context.Context, since time.Time) ([]model.FileIdentity, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var out []model.FileIdentity
	objects := s.client.ListObjects(ctx, s.arrivalBucket, minio.ListObjectsOptions{
		Prefix:    s.arrivalPrefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return nil, &model.ArrivalSourceError{Source: sourceName, Err: fmt.Errorf("list %s: %w", s.arrivalBucket, obj.Err)}
		}
		if strings.HasSuffix(obj.Key, "/") || !obj.LastModified.After(since) {
			continue
		}
		out = append(out, model.FileIdentity{
			Name:         strings.TrimPrefix(obj.Key, s.arrivalPrefix),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.Before(out[j].LastModified) })
	return out, nil
}

// FetchStatus reads the status markers written for a file. A marker is an
// object named <marker_prefix><file>/<size>/<status>; a terminal marker wins,
// otherwise the newest one does. No marker means pending.
func (s *Storage) FetchStatus(ctx context.Context, file model.FileIdentity) (model.FileStatus, error) {
	prefix := MarkerPrefix(s.markerPrefix, file)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	objects := s.client.ListObjects(ctx, s.statusBucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	status := model.StatusPending
	var newest time.Time
	for obj := range objects {
		if obj.Err != nil {
			return "", &model.StatusSourceError{Source: sourceName, File: file.Name, Err: obj.Err}
		}
		st, err := model.ParseStatus(path.Base(obj.Key))
		if err != nil {
			continue
		}
		switch {
		case st.Terminal() && !status.Terminal():
			status, newest = st, obj.LastModified
		case st.Terminal() == status.Terminal() && obj.LastModified.After(newest):
			status, newest = st, obj.LastModified
		}
	}
	return status, nil
}

// MarkerPrefix returns the key prefix holding the status markers of file.
func MarkerPrefix(prefix string, file model.FileIdentity) string {
	return fmt.Sprintf("%s%s/%d/", prefix, file.Name, file.Size)
}

// PutManifest uploads a manifest document into the manifest bucket.
func (s *Storage) PutManifest(ctx context.Context, key string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err := s.client.PutObject(ctx, s.manifestBucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("upload manifest object: %w", err)
	}
	return nil
}
