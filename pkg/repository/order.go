package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/deliverify/pkg/models"
	"gorm.io/gorm"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts a new order. The caller must already hold a payment id:
// orders are never stored without their payment correlation.
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		return errors.New("order id is required")
	}
	if order.PaymentID == "" {
		return errors.New("order payment id is required")
	}
	if order.Version == 0 {
		order.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("create order %s: %w", order.ID, err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *OrderRepository) GetByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	return r.first(ctx, "payment_id = ?", paymentID)
}

func (r *OrderRepository) first(ctx context.Context, query string, arg string) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where(query, arg).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &order, nil
}

// ListByUser pages through a customer's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, page, pageSize int) ([]*models.Order, int64, error) {
	orders := []*models.Order{}
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID).Session(&gorm.Session{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize
	if err := query.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&orders).Error; err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	return orders, total, nil
}

// ListByStatus returns orders whose status is any of statuses, oldest first
// so the longest-waiting order is offered first.
func (r *OrderRepository) ListByStatus(ctx context.Context, statuses ...models.OrderStatus) ([]*models.Order, error) {
	orders := []*models.Order{}
	if len(statuses) == 0 {
		return orders, nil
	}
	if err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("list orders by status: %w", err)
	}
	return orders, nil
}

// Transition moves an order to status to, but only if its stored status is
// one of from. The check and the write are a single UPDATE, so concurrent
// callers racing on the same order see exactly one winner; losers get
// ErrStaleTransition. extra carries column updates committed atomically with
// the status change.
func (r *OrderRepository) Transition(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, extra map[string]interface{}) (*models.Order, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition to %s: no expected status", to)
	}

	updates := map[string]interface{}{
		"status":     to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("transition order %s to %s: %w", id, to, res.Error)
	}

	if res.RowsAffected == 0 {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, fmt.Errorf("order %s is %s: %w", id, current.Status, ErrStaleTransition)
	}

	return r.GetByID(ctx, id)
}
