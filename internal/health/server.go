// Package health exposes engine liveness over the standard grpc health
// protocol for load balancers and process supervisors.
package health

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"signal-engine/pkg/logger"
)

// ServiceName is the named service probes may query besides the empty
// default.
const ServiceName = "signalengine.Engine"

// Probe reports whether the engine currently serves trading traffic.
type Probe func() bool

// Server carries only the health service on a dedicated grpc listener.
// Status follows the probe: SERVING while it reports true, NOT_SERVING
// otherwise.
type Server struct {
	log      *logger.Logger
	probe    Probe
	interval time.Duration
	grpc     *grpc.Server
	health   *health.Server
}

// NewServer builds the server. Interval is how often the probe is
// re-evaluated; non-positive falls back to one second.
func NewServer(probe Probe, interval time.Duration, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{
		log:      log.Named("health"),
		probe:    probe,
		interval: interval,
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.refresh()
	return s
}

// Run serves health checks on lis until ctx ends. It is shaped to run
// under the task registry.
func (s *Server) Run(ctx context.Context, lis net.Listener) error {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.refresh()
			}
		}
	}()

	s.log.Info("health service listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Server) refresh() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.probe != nil && s.probe() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
