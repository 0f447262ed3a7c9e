package statsapi

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/EliasChaung/xuanpolicy/internal/logging"
	"github.com/EliasChaung/xuanpolicy/internal/storage"
	"github.com/EliasChaung/xuanpolicy/pkg/experiment"
)

const defaultEpisodeLimit = 100

// SnapshotSource publishes the live view of a run.
type SnapshotSource interface {
	Snapshot() experiment.Snapshot
}

// Server is a read-only HTTP view over a live run and the episode store.
// Either side may be nil.
type Server struct {
	source  SnapshotSource
	store   storage.Store
	started time.Time
	engine  *gin.Engine
}

func New(source SnapshotSource, store storage.Store) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{source: source, store: store, started: time.Now(), engine: r}
	s.setupRoutes(r)
	return s
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.GET("/runs", s.handleRuns)
	r.GET("/runs/:id/episodes", s.handleEpisodes)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logging.Info("stats api listening", logging.Fields{Component: "statsapi"})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp["rss_bytes"] = mem.RSS
		}
	}
	if s.source != nil {
		snap := s.source.Snapshot()
		resp["run_id"] = snap.RunID
		resp["running"] = snap.Running
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	if s.source == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live run"})
		return
	}
	c.JSON(http.StatusOK, s.source.Snapshot())
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no store configured"})
		return
	}
	runs, err := s.store.Summaries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleEpisodes(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no store configured"})
		return
	}
	limit := defaultEpisodeLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	episodes, err := s.store.Episodes(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "episodes": episodes})
}
