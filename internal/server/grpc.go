package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/observability"
	"ForwardLedger/internal/persistence"
	"ForwardLedger/internal/projection"
	"ForwardLedger/internal/query"
)

// Server serves the HTTP/JSON API from a grpc-gateway ServeMux and the gRPC
// health and reflection services for probes and grpcurl.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	handler      http.Handler
	deps         Deps
	log          zerolog.Logger
}

// Deps holds everything the API reads from or writes through. Query,
// Snapshots and Projection are optional; their routes answer 503 when nil.
type Deps struct {
	Engine     *core.Engine
	Query      *query.QueryService
	Snapshots  *persistence.SnapshotManager
	Projection *projection.ProjectionWorker
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	// SnapshotKeep is how many verified snapshots a manual snapshot keeps.
	SnapshotKeep int
	Log          zerolog.Logger
}

// NewServer builds the gRPC server and the HTTP handler.
func NewServer(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	s := &Server{
		grpcServer:   grpc.NewServer(),
		healthServer: health.NewServer(),
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		log:          deps.Log.With().Str("component", "api").Logger(),
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	mux := runtime.NewServeMux(runtime.WithRoutingErrorHandler(routingErrorHandler))
	if err := s.registerRoutes(mux); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	s.handler = httpMux
	return s, nil
}

// Handler is the HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetServing flips the gRPC health status once recovery is done.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API and blocks until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context, readTimeout, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
