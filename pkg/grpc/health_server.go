package grpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/example/deliverify/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const checkTimeout = 5 * time.Second

// Check tests one dependency.
type Check func(ctx context.Context) error

// HealthServer publishes the standard gRPC health service for the order
// process. Its status follows periodic dependency checks: any failing check
// flips every registered service to NOT_SERVING.
type HealthServer struct {
	config *config.Config
	logger *zap.Logger
	health *health.Server
	server *grpc.Server
	checks map[string]Check

	mu      sync.RWMutex
	results map[string]string
	serving bool
}

func NewHealthServer(cfg *config.Config, logger *zap.Logger, checks map[string]Check) *HealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &HealthServer{
		config:  cfg,
		logger:  logger.Named("health"),
		health:  hs,
		server:  srv,
		checks:  checks,
		results: make(map[string]string),
		serving: true,
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *HealthServer) serviceNames() []string {
	return []string{"", s.config.Server.Name}
}

func (s *HealthServer) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	for _, name := range s.serviceNames() {
		s.health.SetServingStatus(name, status)
	}
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *HealthServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info("gRPC health server started", zap.String("address", addr))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s.Serve(lis)
}

func (s *HealthServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop reports NOT_SERVING to open watchers and drains the server.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// Watch runs the checks immediately and then every CheckInterval until ctx
// is cancelled.
func (s *HealthServer) Watch(ctx context.Context) error {
	interval := s.config.GRPC.CheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RunChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunChecks(ctx)
		}
	}
}

// RunChecks runs every dependency check once and updates the published status.
func (s *HealthServer) RunChecks(ctx context.Context) bool {
	results := make(map[string]string, len(s.checks))
	serving := true
	for name, check := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			serving = false
			results[name] = err.Error()
			s.logger.Warn("Dependency check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		results[name] = "ok"
	}

	s.mu.Lock()
	changed := s.serving != serving
	s.results = results
	s.serving = serving
	s.mu.Unlock()

	if changed {
		if serving {
			s.logger.Info("All dependencies healthy")
		} else {
			s.logger.Warn("Reporting NOT_SERVING", zap.Strings("failing", failing(results)))
		}
	}
	if serving {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return serving
}

// Report returns the result of the latest RunChecks.
func (s *HealthServer) Report() (bool, map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return s.serving, out
}

func failing(results map[string]string) []string {
	var names []string
	for name, r := range results {
		if r != "ok" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
