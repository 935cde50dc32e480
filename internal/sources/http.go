package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dharsanguruparan/DropWatch/internal/model"
)

// HTTPStatusSource asks a status service about one file at a time:
//
//	GET {base}/status?name=<name>&size=<size>  ->  {"status": "complete"}
//
// A 404 means the service has not seen the file yet and reads as pending.
type HTTPStatusSource struct {
	base   string
	client *http.Client
}

type statusResponse struct {
	Status string `json:"status"`
}

// NewHTTPStatusSource builds a source with the given per-request timeout.
func NewHTTPStatusSource(base string, timeout time.Duration) *HTTPStatusSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStatusSource{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPStatusSource) Name() string { return "http:" + h.base }

func (h *HTTPStatusSource) FetchStatus(ctx context.Context, file model.FileIdentity) (model.FileStatus, error) {
	fail := func(err error) (model.FileStatus, error) {
		return "", &model.StatusSourceError{Source: h.Name(), File: file.Name, Err: err}
	}
	q := url.Values{}
	q.Set("name", file.Name)
	q.Set("size", strconv.FormatInt(file.Size, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/status?"+q.Encode(), nil)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.StatusPending, nil
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fail(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	var payload statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fail(fmt.Errorf("decode response: %w", err))
	}
	status, err := model.ParseStatus(strings.ToLower(payload.Status))
	if err != nil {
		return fail(err)
	}
	return status, nil
}
