// Package grpc exposes the internal gRPC surface of the service. Today that
// is the standard health service, checked by orchestrators and peers.
package grpc

import (
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dm-service/internal/observability"
)

// ServiceName is the name reported through the health service.
const ServiceName = "dm.v1.DirectMessages"

// Server wraps a grpc.Server with tracing, metrics and health reporting.
type Server struct {
	log    *slog.Logger
	srv    *grpclib.Server
	health *health.Server
}

func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := grpclib.NewServer(
		grpclib.StatsHandler(otelgrpc.NewServerHandler()),
		grpclib.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{log: log, srv: srv, health: hs}
	s.SetServing(true)
	return s
}

// SetServing flips the reported health of the service and the server as a whole.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until the listener fails or the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc.listen", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

// Stop reports NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.SetServing(false)
	s.srv.GracefulStop()
}
