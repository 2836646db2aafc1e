package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"riptide/internal/logger"
	"riptide/internal/results"
)

// Server 对外只读地暴露历史回测结果（runs.db + run 目录产物）。
// 写入只发生在引擎一侧，这里不做任何修改操作。
type Server struct {
	store *results.Store
	addr  string
}

func New(store *results.Store, addr string) *Server {
	if addr == "" {
		addr = ":8712"
	}
	return &Server{store: store, addr: addr}
}

// Run 启动 HTTP 服务，阻塞到 ctx 取消。
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api/backtest")
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:id", s.handleGetRun)
	api.GET("/runs/:id/artifacts", s.handleListArtifacts)
	api.GET("/runs/:id/artifacts/:name", s.handleGetArtifact)

	httpServer := &http.Server{Addr: s.addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[serve] 监听 %s", s.addr)
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit := 50
	runs, err := s.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	rec, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	rec, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在"})
		return
	}
	entries, err := os.ReadDir(rec.RunDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": rec.ID, "artifacts": files})
}

func (s *Server) handleGetArtifact(c *gin.Context) {
	rec, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在"})
		return
	}
	name := filepath.Base(c.Param("name"))
	path := filepath.Join(rec.RunDir, name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact 不存在"})
		return
	}
	c.File(path)
}
