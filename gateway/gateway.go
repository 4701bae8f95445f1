// Package gateway is the HTTP and websocket surface of the order service.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/example/deliverify/pkg/apperr"
	"github.com/example/deliverify/pkg/config"
	"github.com/example/deliverify/pkg/metrics"
	"github.com/example/deliverify/pkg/notify"
	"github.com/example/deliverify/pkg/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/example/deliverify/docs"
)

// HealthReporter exposes the latest dependency check results.
type HealthReporter interface {
	Report() (serving bool, checks map[string]string)
}

type Services struct {
	Orders     *service.OrderService
	Reconciler *service.Reconciler
	Hub        *notify.Hub
	// Health is optional; without it /health always answers ok.
	Health HealthReporter
}

type Gateway struct {
	config     *config.Config
	orders     *service.OrderService
	reconciler *service.Reconciler
	hub        *notify.Hub
	health     HealthReporter
	logger     *zap.Logger
	router     *gin.Engine
	upgrader   websocket.Upgrader
}

func NewGateway(cfg *config.Config, logger *zap.Logger, svc Services) *Gateway {
	if cfg.Server.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	logger = logger.Named("gateway")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))
	router.Use(metricsMiddleware())

	g := &Gateway{
		config:     cfg,
		orders:     svc.Orders,
		reconciler: svc.Reconciler,
		hub:        svc.Hub,
		health:     svc.Health,
		logger:     logger,
		router:     router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser and mobile clients connect from other origins; the
			// token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.SetupRoutes()
	return g
}

func (g *Gateway) SetupRoutes() {
	g.router.GET("/health", g.healthCheck)
	g.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	g.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	g.router.GET("/ws", g.serveWS)

	// Provider and redirect callbacks carry no user token.
	g.router.POST("/webhooks/payment", g.paymentWebhook)
	g.router.POST("/orders/confirm", g.confirmPayment)

	orders := g.router.Group("/orders", g.authMiddleware())
	{
		orders.POST("/purchase", g.purchase)
		orders.GET("/history", g.history)
		orders.POST("/confirm-delivery", g.confirmDelivery)
		orders.GET("/pending", g.pendingOrders)
		orders.GET("/:id", g.getOrder)
		orders.GET("/:id/status", g.orderStatus)
		orders.GET("/:id/audit", g.auditTrail)
		orders.POST("/:id/accept", g.acceptOrder)
		orders.POST("/:id/status", g.updateDeliveryStatus)
		orders.POST("/:id/cancel", g.cancelOrder)
	}
}

func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Server wraps the router with the configured address and timeouts.
// WriteTimeout does not apply to hijacked websocket connections.
func (g *Gateway) Server() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", g.config.Server.Host, g.config.HTTP.Port),
		Handler:      g.router,
		ReadTimeout:  g.config.HTTP.ReadTimeout,
		WriteTimeout: g.config.HTTP.WriteTimeout,
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (g *Gateway) Start(ctx context.Context) error {
	srv := g.Server()
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	g.logger.Info("HTTP server stopped")
	return nil
}

func (g *Gateway) healthCheck(c *gin.Context) {
	if g.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	serving, checks := g.health.Report()
	if !serving {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

// respondError renders a classified error. Outside production the wrapped
// cause is included for debugging.
func (g *Gateway) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	body := gin.H{"message": apperr.Message(err)}
	if !g.config.Server.Production() {
		body["error"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		g.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func (g *Gateway) abort(c *gin.Context, err error) {
	g.respondError(c, err)
	c.Abort()
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		if c.Request.URL.Query().Has("token") {
			q := c.Request.URL.Query()
			q.Set("token", "redacted")
			query = q.Encode()
		}

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, fmt.Sprint(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
