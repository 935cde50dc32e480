// Package api serves the read-only status snapshot and the operator clear
// action over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/model"
	"github.com/dharsanguruparan/DropWatch/internal/signing"
	"github.com/dharsanguruparan/DropWatch/internal/storage"
)

// ClearAction is the action name signed for DELETE /records.
const ClearAction = "clear"

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Snapshot is the pipeline state reported by GET /state.
type Snapshot struct {
	State             string                   `json:"state"`
	CurrentBatch      string                   `json:"currentBatch,omitempty"`
	CurrentBatchFiles int                      `json:"currentBatchFiles"`
	BatchesSealed     int64                    `json:"batchesSealed"`
	QueueDepth        int                      `json:"queueDepth"`
	QueueCapacity     int                      `json:"queueCapacity"`
	ActiveWorkers     int64                    `json:"activeWorkers"`
	Processed         int64                    `json:"processed"`
	Records           int                      `json:"records"`
	Counts            map[model.FileStatus]int `json:"counts"`
}

// RecordPage is the body of GET /records.
type RecordPage struct {
	Records []model.FileRecord `json:"records"`
	Total   int                `json:"total"`
	Offset  int                `json:"offset"`
	Limit   int                `json:"limit"`
}

// Server exposes HTTP endpoints over the status table.
type Server struct {
	addr     string
	table    *storage.StatusTable
	snapshot func() Snapshot
	signer   *signing.Signer
	log      *zap.Logger
	router   *gin.Engine
}

// New constructs a Server. snapshot may be nil, in which case /state reports
// only the table counts.
func New(addr string, table *storage.StatusTable, snapshot func() Snapshot, signer *signing.Signer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		addr:     addr,
		table:    table,
		snapshot: snapshot,
		signer:   signer,
		log:      log.Named("api"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", zap.String("address", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/state", s.handleState)
	r.GET("/records", s.handleList)
	r.GET("/files/*file", s.handleRecord)
	r.DELETE("/records", s.handleClear)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleState(c *gin.Context) {
	var snap Snapshot
	if s.snapshot != nil {
		snap = s.snapshot()
	}
	snap.Records = s.table.Len()
	snap.Counts = s.table.Counts()
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleList(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}
	limit, err := queryInt(c, "limit", defaultLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	c.JSON(http.StatusOK, RecordPage{
		Records: s.table.List(offset, limit),
		Total:   s.table.Len(),
		Offset:  offset,
		Limit:   limit,
	})
}

// handleRecord serves /files/<name>/<size>; name may contain slashes.
func (s *Server) handleRecord(c *gin.Context) {
	raw := strings.Trim(c.Param("file"), "/")
	i := strings.LastIndex(raw, "/")
	if i <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected /files/<name>/<size>"})
		return
	}
	size, err := strconv.ParseInt(raw[i+1:], 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "size must be an integer"})
		return
	}
	rec, err := s.table.Get(model.Key{Name: raw[:i], Size: size})
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleClear(c *gin.Context) {
	if s.signer == nil || !s.signer.Validate(ClearAction, c.Query("expires"), c.Query("signature")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired signature"})
		return
	}
	n := s.table.ClearAll()
	s.log.Warn("status table cleared", zap.Int("records", n), zap.String("remote", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
