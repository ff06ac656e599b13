// Package grpcapi exposes the gRPC health and reflection services used by
// load balancers and grpcurl.
package grpcapi

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"realtime-transcription-service/internal/observability"
	"realtime-transcription-service/internal/observability/metrics"
)

// ServiceName is reported alongside the overall ("") health status.
const ServiceName = "realtime-transcription"

// HealthCheck is polled to derive the serving status.
type HealthCheck func(ctx context.Context) error

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	addr   string
}

// New creates the gRPC server with metrics and logging interceptors.
func New(addr string, m *metrics.Metrics) *Server {
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	reflection.Register(g)

	s := &Server{grpc: g, health: hs, addr: addr}
	s.SetServing(true)
	return s
}

// SetServing flips the reported health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Watch polls check every interval and updates the health status until ctx
// is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration, check HealthCheck) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cctx, cancel := context.WithTimeout(ctx, interval)
			err := check(cctx)
			cancel()

			if ok := err == nil; ok != serving {
				serving = ok
				s.SetServing(ok)
				log.Warn().Err(err).Bool("serving", ok).Msg("gRPC health status changed")
			}
		}
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC server")
	return s.grpc.Serve(lis)
}

// Shutdown marks the server not serving and stops it gracefully, forcing a
// stop when ctx expires first.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("gRPC graceful stop timed out, forcing stop")
		s.grpc.Stop()
	}
}
