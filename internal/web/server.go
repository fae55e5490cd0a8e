package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vitos/option_exit_bot/internal/usecase"
	"go.uber.org/zap"
)

// Server exposes the read-only health surface: loop liveness, feed
// health, breaker state and per-position status. No mutation endpoints;
// trading control stays inside the engine.
type Server struct {
	port       int
	httpServer *http.Server
	feed       *usecase.FeedIngestor
	risk       *usecase.RiskEvaluator
	limits     *usecase.DailyLimits
	positions  *usecase.ActivePositionCache
	log        *zap.Logger
}

func NewServer(
	port int,
	feed *usecase.FeedIngestor,
	risk *usecase.RiskEvaluator,
	limits *usecase.DailyLimits,
	positions *usecase.ActivePositionCache,
	log *zap.Logger,
) *Server {
	return &Server{
		port:      port,
		feed:      feed,
		risk:      risk,
		limits:    limits,
		positions: positions,
		log:       log,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/positions", s.handlePositions)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}
	s.log.Info("status server starting", zap.Int("port", s.port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Error("server shutdown failed", zap.Error(err))
		}
	}
}
