// Package service holds the order workflows: placement, delivery, and
// payment reconciliation. Transports call into it with an authenticated
// principal and render the classified errors it returns.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/deliverify/pkg/apperr"
	"github.com/example/deliverify/pkg/events"
	"github.com/example/deliverify/pkg/metrics"
	"github.com/example/deliverify/pkg/models"
	"github.com/example/deliverify/pkg/notify"
	"github.com/example/deliverify/pkg/payment"
	"github.com/example/deliverify/pkg/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

var (
	ErrInvalidOrderData      = errors.New("invalid order data")
	ErrPaymentCreationFailed = errors.New("payment creation failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOTP            = errors.New("invalid otp")
)

type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
	ListByUser(ctx context.Context, userID string, page, pageSize int) ([]*models.Order, int64, error)
	ListByStatus(ctx context.Context, statuses ...models.OrderStatus) ([]*models.Order, error)
	Transition(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, extra map[string]interface{}) (*models.Order, error)
}

type Catalog interface {
	GetItem(ctx context.Context, id string) (*models.Item, error)
}

type AuditLogger interface {
	CreateAuditLog(ctx context.Context, log *repository.AuditLog) error
	GetAuditLogs(ctx context.Context, entityID string, limit int64) ([]*repository.AuditLog, error)
}

type StatusCache interface {
	CacheOrder(ctx context.Context, order *repository.OrderCache) error
	GetOrderCache(ctx context.Context, orderID string) (*repository.OrderCache, error)
	InvalidateOrder(ctx context.Context, orderID string) error
}

// Deps are the collaborators shared by OrderService and Reconciler. Audit,
// Events and Cache are optional.
type Deps struct {
	Orders   OrderStore
	Catalog  Catalog
	Gateway  payment.Gateway
	Notifier notify.Notifier
	Audit    AuditLogger
	Events   events.Publisher
	Cache    StatusCache
	Logger   *zap.Logger
}

// sideEffects runs the best-effort work that follows a committed change.
// Failures are logged and never reach the caller.
type sideEffects struct {
	service  string
	notifier notify.Notifier
	audit    AuditLogger
	events   events.Publisher
	cache    StatusCache
	logger   *zap.Logger
}

func newSideEffects(service string, d Deps, logger *zap.Logger) sideEffects {
	pub := d.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return sideEffects{
		service:  service,
		notifier: d.Notifier,
		audit:    d.Audit,
		events:   pub,
		cache:    d.Cache,
		logger:   logger,
	}
}

func (s sideEffects) recordAudit(ctx context.Context, userID, action string, order *models.Order, data bson.M) {
	if s.audit == nil {
		return
	}
	if data == nil {
		data = bson.M{}
	}
	data["status"] = string(order.Status)
	err := s.audit.CreateAuditLog(ctx, &repository.AuditLog{
		Service:  s.service,
		UserID:   userID,
		Action:   action,
		EntityID: order.ID,
		Data:     data,
	})
	if err != nil {
		s.logger.Warn("Failed to write audit log",
			zap.String("action", action),
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

func (s sideEffects) publish(ctx context.Context, t events.Type, order *models.Order) {
	if err := s.events.Publish(ctx, events.FromOrder(t, order)); err != nil {
		s.logger.Warn("Failed to publish order event",
			zap.String("type", string(t)),
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

func (s sideEffects) cacheStatus(ctx context.Context, order *models.Order) {
	if s.cache == nil {
		return
	}
	if err := s.cache.CacheOrder(ctx, repository.OrderCacheFrom(order)); err != nil {
		s.logger.Warn("Failed to cache order status", zap.String("order_id", order.ID), zap.Error(err))
		// The previous entry is stale now; drop it so reads go to the store.
		if err := s.cache.InvalidateOrder(ctx, order.ID); err != nil {
			s.logger.Warn("Failed to invalidate order status", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
}

func (s sideEffects) notifyUser(userID string, event notify.Event, payload interface{}) {
	if s.notifier != nil {
		s.notifier.NotifyUser(userID, event, payload)
	}
}

func (s sideEffects) notifyPool(order *models.Order) {
	if s.notifier != nil {
		s.notifier.NotifyDeliveryPool(order.Redacted())
	}
}

// committed runs everything that follows a successful transition.
func (s sideEffects) committed(ctx context.Context, actorID, action string, t events.Type, order *models.Order, data bson.M) {
	metrics.Transitions.WithLabelValues(string(order.Status)).Inc()
	s.cacheStatus(ctx, order)
	s.recordAudit(ctx, actorID, action, order, data)
	s.publish(ctx, t, order)
}

// StatusUpdate is the payload of status notifications.
type StatusUpdate struct {
	OrderID        string             `json:"orderId"`
	Status         models.OrderStatus `json:"status"`
	DeliveryWorker string             `json:"deliveryWorker,omitempty"`
	Message        string             `json:"message,omitempty"`
}

func statusUpdate(order *models.Order, message string) StatusUpdate {
	u := StatusUpdate{OrderID: order.ID, Status: order.Status, Message: message}
	if order.DeliveryWorkerID != nil {
		u.DeliveryWorker = *order.DeliveryWorkerID
	}
	return u
}

func orderNotFound(id string) error {
	return apperr.Wrap(codes.NotFound, "Order not found", fmt.Errorf("order %s: %w", id, ErrOrderNotFound))
}

// transition commits order from its current status to to. A guard that
// fails because another request moved the order first is a Conflict; a
// move the lifecycle forbids is a FailedPrecondition.
func transition(ctx context.Context, store OrderStore, order *models.Order, to models.OrderStatus, extra map[string]interface{}) (*models.Order, error) {
	if !models.CanTransition(order.Status, to) {
		return nil, apperr.Illegal(fmt.Sprintf("Order is %s and cannot become %s", order.Status, to))
	}

	updated, err := store.Transition(ctx, order.ID, []models.OrderStatus{order.Status}, to, extra)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, orderNotFound(order.ID)
	case errors.Is(err, repository.ErrStaleTransition):
		metrics.StaleTransitions.Inc()
		if updated.Status.Terminal() {
			return updated, apperr.Wrap(codes.FailedPrecondition, fmt.Sprintf("Order is already %s", updated.Status), err)
		}
		return updated, apperr.Conflict("Order was modified concurrently, refresh and retry", err)
	default:
		return nil, apperr.Internal("Failed to update order", err)
	}
}

func canView(p *models.Principal, order *models.Order) bool {
	if p == nil {
		return false
	}
	return order.UserID == p.ID || order.AssignedTo(p.ID) || p.HasRole(models.RoleAdmin)
}

// visibleTo strips the delivery code for anyone but the owner.
func visibleTo(p *models.Principal, order *models.Order) *models.Order {
	if p != nil && order.UserID == p.ID {
		return order
	}
	return order.Redacted()
}

func requireRole(p *models.Principal, message string, roles ...string) error {
	if p == nil || p.ID == "" {
		return apperr.Unauthenticated("Unauthorized")
	}
	if !p.HasRole(roles...) {
		return apperr.Forbidden(message)
	}
	return nil
}
