package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/user/sitewatch/internal/config"
	"github.com/user/sitewatch/internal/monitoring"
	"github.com/user/sitewatch/internal/scheduler"
	"github.com/user/sitewatch/internal/secrets"
	"github.com/user/sitewatch/internal/storage"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	config     *config.Config
	router     http.Handler
	httpServer *http.Server
	scheduler  *scheduler.Scheduler
	pgStore    *storage.PostgresStore
	redisStore *storage.RedisStore
	cipher     secrets.Cipher
	metrics    *monitoring.Metrics
	logger     *zap.Logger
}

func NewServer(cfg *config.Config, sched *scheduler.Scheduler, ps *storage.PostgresStore, rs *storage.RedisStore, cipher secrets.Cipher, m *monitoring.Metrics, l *zap.Logger) *Server {
	s := &Server{
		config:     cfg,
		scheduler:  sched,
		pgStore:    ps,
		redisStore: rs,
		cipher:     cipher,
		metrics:    m,
		logger:     l,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.config.ServerPort),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
