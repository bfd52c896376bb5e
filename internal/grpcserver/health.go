// Package grpcserver serves the gRPC health protocol, reporting whether the
// classification worker can be launched.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/animal-classifier/internal/logging"
)

// WorkerService is the health service name tracking the worker.
const WorkerService = "classifier.Worker"

// NewServer returns a gRPC server with the health service registered. Both
// the overall ("") and WorkerService statuses start as NOT_SERVING until the
// first probe.
func NewServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(WorkerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// Serve runs server on lis until it is stopped. A clean stop returns nil.
func Serve(server *grpc.Server, lis net.Listener, logger *zap.Logger) error {
	logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return logging.NewOperationError("grpcserver.serve", "", err)
	}
	return nil
}

// MonitorWorker runs probe immediately and then every interval until ctx is
// done, publishing the result as the serving status.
func MonitorWorker(ctx context.Context, hs *health.Server, probe func() error, interval time.Duration, logger *zap.Logger) {
	logger = logger.Named("worker_monitor")
	last := healthpb.HealthCheckResponse_UNKNOWN

	check := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if err := probe(); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			if last != status {
				logger.Warn("worker unavailable", zap.Error(err))
			}
		} else if last != status {
			logger.Info("worker available")
		}
		last = status
		hs.SetServingStatus("", status)
		hs.SetServingStatus(WorkerService, status)
	}

	check()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
