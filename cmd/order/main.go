package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/deliverify/gateway"
	"github.com/example/deliverify/pkg/config"
	"github.com/example/deliverify/pkg/discovery"
	"github.com/example/deliverify/pkg/events"
	grpcserver "github.com/example/deliverify/pkg/grpc"
	applog "github.com/example/deliverify/pkg/logger"
	"github.com/example/deliverify/pkg/metrics"
	"github.com/example/deliverify/pkg/notify"
	"github.com/example/deliverify/pkg/payment"
	"github.com/example/deliverify/pkg/repository"
	"github.com/example/deliverify/pkg/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/order-config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := applog.New(&cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting order service",
		zap.String("name", cfg.Server.Name),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Int("grpc_port", cfg.GRPC.Port))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Order service failed", zap.Error(err))
	}
	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.OpenMySQL(&cfg.MySQL)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	redisRepo := repository.NewRedisRepository(&cfg.Redis)
	defer redisRepo.Close()
	if err := redisRepo.Ping(ctx); err != nil {
		logger.Warn("Redis connection failed, status reads fall back to MySQL", zap.Error(err))
	} else {
		logger.Info("Redis connected successfully")
	}

	checks := map[string]grpcserver.Check{
		"mysql": sqlDB.PingContext,
		"redis": redisRepo.Ping,
	}

	// Audit logging is best-effort; the service runs without it.
	var audit service.AuditLogger
	mongoRepo, err := repository.NewMongoRepository(&cfg.MongoDB)
	if err != nil {
		logger.Warn("MongoDB unavailable, audit log disabled", zap.Error(err))
	} else {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoRepo.Close(closeCtx)
		}()
		audit = mongoRepo
		checks["mongodb"] = mongoRepo.Ping
	}

	publisher, err := events.New(cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	payments, err := payment.NewMollieGateway(&cfg.Payment, logger)
	if err != nil {
		return err
	}

	hub := notify.NewHub(logger)
	dispatcher, err := notify.NewDispatcher(hub, logger)
	if err != nil {
		return err
	}
	defer dispatcher.Stop()
	metrics.RegisterConnectionGauge(hub.Connected)

	deps := service.Deps{
		Orders:   repository.NewOrderRepository(db),
		Catalog:  repository.NewCatalogRepository(db),
		Gateway:  payments,
		Notifier: dispatcher,
		Audit:    audit,
		Events:   publisher,
		Cache:    redisRepo,
		Logger:   logger,
	}
	orders := service.NewOrderService(deps, service.Options{
		ServiceName: cfg.Server.Name,
		ClientURL:   cfg.Client.URL,
		BridgeURL:   cfg.Client.BridgeURL,
		WebhookURL:  cfg.Payment.WebhookURL,
	})
	reconciler := service.NewReconciler(deps, cfg.Server.Name)

	health := grpcserver.NewHealthServer(cfg, logger, checks)
	gw := gateway.NewGateway(cfg, logger, gateway.Services{
		Orders:     orders,
		Reconciler: reconciler,
		Hub:        hub,
		Health:     health,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(gctx) })
	g.Go(func() error { return health.Start(gctx) })
	g.Go(func() error { return health.Watch(gctx) })

	// Discovery is optional: without etcd the service still serves on its
	// configured ports.
	instance := &discovery.ServiceInstance{
		Name:     cfg.Server.Name,
		Host:     cfg.Server.Host,
		Port:     cfg.GRPC.Port,
		HTTPPort: cfg.HTTP.Port,
	}
	sd, err := discovery.NewServiceDiscovery(&cfg.Etcd, logger)
	if err != nil {
		logger.Warn("Failed to connect to etcd, continuing without service discovery", zap.Error(err))
	} else {
		defer sd.Close()
		if err := sd.Register(gctx, instance); err != nil {
			logger.Warn("Failed to register service", zap.Error(err))
		} else {
			defer func() {
				if err := sd.Deregister(context.Background(), instance); err != nil {
					logger.Error("Failed to deregister service", zap.Error(err))
				}
			}()
		}
	}

	return g.Wait()
}
