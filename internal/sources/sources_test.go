package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/DropWatch/internal/model"
)

func writeFile(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestDirSource_FetchArrivals(t *testing.T) {
	root := t.TempDir()
	since := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, filepath.Join(root, "old.csv"), "x", since.Add(-time.Minute))
	writeFile(t, filepath.Join(root, "a.csv"), "hello", since.Add(time.Minute))
	writeFile(t, filepath.Join(root, "sub", "b.csv"), "hi", since.Add(2*time.Minute))
	writeFile(t, filepath.Join(root, ".partial.csv"), "tmp", since.Add(3*time.Minute))
	writeFile(t, filepath.Join(root, ".cache", "c.csv"), "tmp", since.Add(3*time.Minute))

	src := NewDirSource(root)
	files, err := src.FetchArrivals(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.csv", files[0].Name)
	assert.Equal(t, int64(5), files[0].Size)
	assert.Equal(t, "sub/b.csv", files[1].Name)
}

func TestDirSource_MissingRoot(t *testing.T) {
	src := NewDirSource(filepath.Join(t.TempDir(), "nope"))
	_, err := src.FetchArrivals(context.Background(), time.Time{})
	var ase *model.ArrivalSourceError
	require.ErrorAs(t, err, &ase)
}

func TestHTTPStatusSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		switch r.URL.Query().Get("name") {
		case "done.csv":
			assert.Equal(t, "42", r.URL.Query().Get("size"))
			_, _ = w.Write([]byte(`{"status":"COMPLETE"}`))
		case "unknown.csv":
			http.NotFound(w, r)
		case "broken.csv":
			http.Error(w, "db down", http.StatusBadGateway)
		case "garbled.csv":
			_, _ = w.Write([]byte(`{"status":"exploded"}`))
		}
	}))
	defer srv.Close()

	src := NewHTTPStatusSource(srv.URL+"/", time.Second)
	ctx := context.Background()

	st, err := src.FetchStatus(ctx, model.FileIdentity{Name: "done.csv", Size: 42})
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, st)

	st, err = src.FetchStatus(ctx, model.FileIdentity{Name: "unknown.csv", Size: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, st)

	var sse *model.StatusSourceError
	_, err = src.FetchStatus(ctx, model.FileIdentity{Name: "broken.csv", Size: 1})
	require.ErrorAs(t, err, &sse)
	assert.Contains(t, err.Error(), "502")

	_, err = src.FetchStatus(ctx, model.FileIdentity{Name: "garbled.csv", Size: 1})
	require.ErrorAs(t, err, &sse)
}

func TestHTTPStatusSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPStatusSource(url, 200*time.Millisecond).FetchStatus(context.Background(), model.FileIdentity{Name: "a", Size: 1})
	var sse *model.StatusSourceError
	require.ErrorAs(t, err, &sse)
}
