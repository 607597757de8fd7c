package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aigoflow/grammar-tracer/internal/handlers"
	"github.com/aigoflow/grammar-tracer/internal/services"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP front of one upstream gateway.
type Server struct {
	httpAddr      string
	gateway       *services.GatewayService
	traceService  *services.TraceService
	healthService *services.HealthService
}

func NewServer(httpAddr string, gateway *services.GatewayService, traceService *services.TraceService, healthService *services.HealthService) *Server {
	return &Server{
		httpAddr:      httpAddr,
		gateway:       gateway,
		traceService:  traceService,
		healthService: healthService,
	}
}

// Handler builds the route table: tracer endpoints first, everything else
// goes to the upstream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	traceHandler := handlers.NewTraceHandler(s.traceService, s.healthService)
	traceHandler.RegisterRoutes(mux)

	proxyHandler := handlers.NewProxyHandler(s.gateway)
	proxyHandler.RegisterRoutes(mux)

	return mux
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	upstream := s.gateway.Upstream()
	srv := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting",
			"addr", s.httpAddr,
			"upstream", upstream.Name,
			"upstream_url", upstream.URL,
			"rejection_log", upstream.RejectionLog,
			"endpoints", []string{"/healthz", "/traces", "/metrics", "/*"})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("HTTP server shutting down", "addr", s.httpAddr, "upstream", upstream.Name)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
