// Package grpcserver serves the standard gRPC health protocol for the credit
// engine, reporting SERVING while the database answers pings.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the named service reported next to the overall status.
const ServiceName = "storecredits"

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

// ErrInvalidHealthConfig reports a missing dependency.
var ErrInvalidHealthConfig = errors.New("invalid health server config")

// Pinger checks that the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer keeps the gRPC health status in step with the store.
type HealthServer struct {
	health   *health.Server
	pinger   Pinger
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
}

// Option configures a HealthServer.
type Option func(*HealthServer)

// WithProbeInterval overrides the default probe period.
func WithProbeInterval(interval time.Duration) Option {
	return func(server *HealthServer) {
		if interval > 0 {
			server.interval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(server *HealthServer) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// NewHealthServer wires a HealthServer. The initial status is NOT_SERVING
// until the first probe succeeds.
func NewHealthServer(pinger Pinger, options ...Option) (*HealthServer, error) {
	if pinger == nil {
		return nil, fmt.Errorf("%w: pinger is nil", ErrInvalidHealthConfig)
	}
	server := &HealthServer{
		health:   health.NewServer(),
		pinger:   pinger,
		logger:   zap.NewNop(),
		interval: defaultProbeInterval,
		timeout:  defaultProbeTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	server.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return server, nil
}

// Register attaches the health service to grpcServer.
func (server *HealthServer) Register(grpcServer *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(grpcServer, server.health)
}

// Probe pings the store once and publishes the resulting status.
func (server *HealthServer) Probe(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	probeCtx, cancel := context.WithTimeout(ctx, server.timeout)
	defer cancel()
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := server.pinger.Ping(probeCtx); err != nil {
		server.logger.Warn("health probe failed", zap.Error(err))
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	server.setStatus(status)
	return status
}

// Watch probes immediately and then every interval until ctx is done, after
// which every status is switched to NOT_SERVING.
func (server *HealthServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	server.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			server.health.Shutdown()
			return
		case <-ticker.C:
			server.Probe(ctx)
		}
	}
}

func (server *HealthServer) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
}

// Serve runs a gRPC server exposing the health service on listener until ctx
// is done.
func Serve(ctx context.Context, listener net.Listener, healthServer *HealthServer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	grpcServer := grpc.NewServer()
	healthServer.Register(grpcServer)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go healthServer.Watch(watchCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("grpc health listening", zap.String("addr", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
