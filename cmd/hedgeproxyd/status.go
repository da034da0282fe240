package main

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"hedgeproxy/internal/statusapi"
	"hedgeproxy/internal/upstream"
)

// statusServer runs the read-only status/admin HTTP endpoint on its
// own bind address, independent of the forwarding listener's accept
// loop, per spec.md §5's "status endpoint may run on a separate
// dedicated worker".
type statusServer struct {
	srv *http.Server
}

func newStatusServer(addr string, list *upstream.List) *statusServer {
	return &statusServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: statusapi.Handler(list),
		},
	}
}

func (s *statusServer) run(logger *zap.Logger) {
	logger.Info("status endpoint listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("status endpoint error", zap.Error(err))
	}
}

func (s *statusServer) shutdown(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}
