package grpc

import (
	"context"
	"fmt"

	"github.com/example/deliverify/pkg/discovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Resolver interface {
	Discover(ctx context.Context, serviceName string) ([]*discovery.ServiceInstance, error)
}

// HealthChecker queries the gRPC health service of a running instance,
// locating it through etcd when a resolver is available.
type HealthChecker struct {
	resolver Resolver
	logger   *zap.Logger
	dialOpts []grpc.DialOption
}

// NewHealthChecker accepts a nil resolver; Resolve then always returns the
// fallback address.
func NewHealthChecker(resolver Resolver, logger *zap.Logger, opts ...grpc.DialOption) *HealthChecker {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return &HealthChecker{resolver: resolver, logger: logger, dialOpts: dialOpts}
}

func (p *HealthChecker) Resolve(ctx context.Context, serviceName, fallback string) string {
	if p.resolver == nil {
		return fallback
	}
	instances, err := p.resolver.Discover(ctx, serviceName)
	if err != nil || len(instances) == 0 {
		p.logger.Info("Using default address", zap.String("service", serviceName), zap.String("address", fallback), zap.Error(err))
		return fallback
	}
	target := instances[0].Addr()
	p.logger.Info("Discovered service", zap.String("service", serviceName), zap.String("address", target))
	return target
}

func (p *HealthChecker) Check(ctx context.Context, target, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(target, p.dialOpts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", target, err)
	}
	return resp.GetStatus(), nil
}
