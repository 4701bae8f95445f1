// Command healthcheck exits 0 when an order service instance reports
// SERVING over the gRPC health protocol. It is meant for container health checks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/example/deliverify/pkg/config"
	"github.com/example/deliverify/pkg/discovery"
	grpcserver "github.com/example/deliverify/pkg/grpc"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	configPath := flag.String("config", "config/order-config.yaml", "path to the YAML config file")
	addr := flag.String("addr", "", "instance address; resolved through etcd when empty")
	useEtcd := flag.Bool("etcd", false, "look the instance up in etcd")
	timeout := flag.Duration("timeout", 3*time.Second, "health check timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var resolver grpcserver.Resolver
	if *useEtcd && *addr == "" {
		sd, err := discovery.NewServiceDiscovery(&cfg.Etcd, logger)
		if err != nil {
			logger.Warn("Failed to connect to etcd", zap.Error(err))
		} else {
			defer sd.Close()
			resolver = sd
		}
	}

	checker := grpcserver.NewHealthChecker(resolver, logger)
	target := *addr
	if target == "" {
		target = checker.Resolve(ctx, cfg.Server.Name, fmt.Sprintf("localhost:%d", cfg.GRPC.Port))
	}

	status, err := checker.Check(ctx, target, cfg.Server.Name)
	if err != nil {
		logger.Error("Health check failed", zap.String("target", target), zap.Error(err))
		os.Exit(1)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		logger.Error("Service not serving", zap.String("target", target), zap.String("status", status.String()))
		os.Exit(1)
	}
	logger.Info("Service healthy", zap.String("target", target))
}
