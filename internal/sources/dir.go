// Package sources holds the non-S3 arrival and status sources: a local drop
// directory and an HTTP status service.
package sources

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dharsanguruparan/DropWatch/internal/model"
)

// DirSource discovers arrivals by walking a local directory.
type DirSource struct {
	root string
}

// NewDirSource returns a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

func (d *DirSource) Name() string { return "dir:" + d.root }

// FetchArrivals returns regular files under the root modified after since.
// Names are slash-separated and relative to the root. Hidden files are skipped
// so partially uploaded temp files are not picked up.
func (d *DirSource) FetchArrivals(ctx context.Context, since time.Time) ([]model.FileIdentity, error) {
	var out []model.FileIdentity
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if strings.HasPrefix(entry.Name(), ".") && p != d.root {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().After(since) {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		out = append(out, model.FileIdentity{
			Name:         filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, &model.ArrivalSourceError{Source: d.Name(), Err: fmt.Errorf("walk: %w", err)}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.Before(out[j].LastModified) })
	return out, nil
}
