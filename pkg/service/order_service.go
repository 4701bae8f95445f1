package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/example/deliverify/pkg/apperr"
	"github.com/example/deliverify/pkg/events"
	"github.com/example/deliverify/pkg/metrics"
	"github.com/example/deliverify/pkg/models"
	"github.com/example/deliverify/pkg/money"
	"github.com/example/deliverify/pkg/notify"
	"github.com/example/deliverify/pkg/payment"
	"github.com/example/deliverify/pkg/repository"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Options struct {
	// ServiceName tags audit entries.
	ServiceName string
	ClientURL   string
	BridgeURL   string
	WebhookURL  string
}

type OrderService struct {
	orders  OrderStore
	catalog Catalog
	gateway payment.Gateway
	cache   StatusCache
	audit   AuditLogger
	effects sideEffects
	opts    Options
	logger  *zap.Logger
}

func NewOrderService(d Deps, opts Options) *OrderService {
	logger := d.Logger.Named("orders")
	if opts.ServiceName == "" {
		opts.ServiceName = "order-service"
	}
	return &OrderService{
		orders:  d.Orders,
		catalog: d.Catalog,
		gateway: d.Gateway,
		cache:   d.Cache,
		audit:   d.Audit,
		effects: newSideEffects(opts.ServiceName, d, logger),
		opts:    opts,
		logger:  logger,
	}
}

type CartItem struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

type PurchaseRequest struct {
	Items        []CartItem `json:"items"`
	Address      string     `json:"address"`
	Notes        string     `json:"notes"`
	RestaurantID string     `json:"restaurantId"`
	// ReturnURL is where a mobile client wants the provider to send the
	// customer back to. It wins over the configured success pages.
	ReturnURL string `json:"returnUrl"`
}

type PurchaseResult struct {
	Order       *models.Order `json:"order"`
	PaymentLink string        `json:"paymentLink"`
}

// MaxLineQuantity caps the quantity of a single cart line.
const MaxLineQuantity = 1000

func invalidOrderData(message string) error {
	return apperr.Wrap(codes.InvalidArgument, message, ErrInvalidOrderData)
}

// priceCart resolves every line against the catalog. Client prices are never
// read; the total is Σ current price × quantity.
func (s *OrderService) priceCart(ctx context.Context, cart []CartItem) ([]models.OrderItem, money.Cents, error) {
	if len(cart) == 0 {
		return nil, 0, invalidOrderData("Invalid order data: No items provided")
	}

	lines := make([]models.OrderItem, 0, len(cart))
	var total money.Cents
	for i, ci := range cart {
		if ci.ItemID == "" || ci.Quantity <= 0 {
			return nil, 0, invalidOrderData(fmt.Sprintf("Invalid item data: item %d needs an itemId and a positive quantity", i+1))
		}
		if ci.Quantity > MaxLineQuantity {
			return nil, 0, invalidOrderData(fmt.Sprintf("Invalid item data: quantity for item %s exceeds %d", ci.ItemID, MaxLineQuantity))
		}

		item, err := s.catalog.GetItem(ctx, ci.ItemID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, 0, invalidOrderData(fmt.Sprintf("Invalid item data: Item %s not found", ci.ItemID))
			}
			return nil, 0, apperr.Internal("Failed to load catalog item", err)
		}
		if !item.Available {
			return nil, 0, invalidOrderData(fmt.Sprintf("Invalid item data: Item %s is unavailable", ci.ItemID))
		}

		lineTotal, err := item.Price.Mul(ci.Quantity)
		if err == nil {
			total, err = total.Add(lineTotal)
		}
		if err != nil {
			return nil, 0, invalidOrderData(fmt.Sprintf("Invalid item data: total for item %s is out of range", ci.ItemID))
		}

		lines = append(lines, models.OrderItem{
			ItemID:    item.ID,
			Name:      item.Name,
			Quantity:  ci.Quantity,
			UnitPrice: item.Price,
		})
	}

	if !total.IsPositive() {
		return nil, 0, invalidOrderData("Invalid order data: order total must be positive")
	}
	return lines, total, nil
}

func (s *OrderService) redirectURL(orderID, returnURL string) (string, error) {
	if returnURL != "" {
		u, err := url.Parse(returnURL)
		if err != nil || !u.IsAbs() {
			return "", invalidOrderData("Invalid order data: returnUrl must be an absolute URL")
		}
		q := u.Query()
		q.Set("status", "success")
		q.Set("orderId", orderID)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	if s.opts.BridgeURL != "" {
		return strings.TrimRight(s.opts.BridgeURL, "/") + "/?orderId=" + url.QueryEscape(orderID), nil
	}
	return strings.TrimRight(s.opts.ClientURL, "/") + "/payment-success?orderId=" + url.QueryEscape(orderID), nil
}

// Purchase prices the cart, opens a provider payment and only then persists
// the order, so every stored order carries its payment id.
func (s *OrderService) Purchase(ctx context.Context, customerID string, req PurchaseRequest) (*PurchaseResult, error) {
	if customerID == "" {
		return nil, apperr.Unauthenticated("Unauthorized")
	}

	lines, total, err := s.priceCart(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	orderID := uuid.NewString()
	redirect, err := s.redirectURL(orderID, req.ReturnURL)
	if err != nil {
		return nil, err
	}

	otp, err := generateOTP()
	if err != nil {
		return nil, apperr.Internal("Failed to create order", err)
	}

	pay, err := s.gateway.CreatePayment(ctx, total, fmt.Sprintf("Order #%s", orderID), payment.CreateOptions{
		RedirectURL:    redirect,
		WebhookURL:     s.opts.WebhookURL,
		Metadata:       map[string]string{"orderId": orderID, "userId": customerID},
		IdempotencyKey: orderID,
	})
	if err == nil && (pay == nil || pay.ID == "") {
		err = errors.New("provider returned no payment id")
	}
	if err != nil {
		metrics.PaymentCreationFailures.Inc()
		s.logger.Error("Payment creation failed",
			zap.String("order_id", orderID),
			zap.String("user_id", customerID),
			zap.Error(err))
		return nil, apperr.Wrap(codes.Unavailable, "Payment creation failed", fmt.Errorf("%w: %w", ErrPaymentCreationFailed, err))
	}

	order := &models.Order{
		ID:              orderID,
		UserID:          customerID,
		Items:           lines,
		Address:         req.Address,
		Notes:           req.Notes,
		TotalAmount:     total,
		OTPConfirm:      otp,
		Status:          models.StatusPending,
		PaymentProvider: s.gateway.Name(),
		PaymentID:       pay.ID,
		PaymentStatus:   models.PaymentOpen,
		PaymentLink:     pay.CheckoutURL,
	}
	if req.RestaurantID != "" {
		restaurant := req.RestaurantID
		order.RestaurantID = &restaurant
	}

	if err := s.orders.Create(ctx, order); err != nil {
		// The provider now holds a payment with no order. The webhook will
		// find no match and log it for manual reconciliation.
		s.logger.Error("Failed to persist order after payment creation",
			zap.String("order_id", orderID),
			zap.String("payment_id", pay.ID),
			zap.Error(err))
		return nil, apperr.Internal("Failed to create order", err)
	}

	metrics.OrdersPlaced.Inc()
	s.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("user_id", customerID),
		zap.String("payment_id", pay.ID),
		zap.String("total", total.String()))

	s.effects.cacheStatus(ctx, order)
	s.effects.recordAudit(ctx, customerID, repository.ActionOrderCreation, order, bson.M{
		"totalAmount": total.String(),
		"paymentId":   pay.ID,
	})
	s.effects.publish(ctx, events.OrderCreated, order)
	s.effects.notifyPool(order)

	return &PurchaseResult{Order: order, PaymentLink: order.PaymentLink}, nil
}

// ConfirmDelivery completes an order once the courier presents the code the
// customer holds.
func (s *OrderService) ConfirmDelivery(ctx context.Context, p *models.Principal, orderID, otp string) (*models.Order, error) {
	if err := requireRole(p, "Forbidden: Only Delivery Persons", models.RoleDelivery, models.RoleAdmin); err != nil {
		return nil, err
	}

	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// Assignment is checked first so an unassigned worker learns nothing
	// about the code.
	if !p.HasRole(models.RoleAdmin) && !order.AssignedTo(p.ID) {
		return nil, apperr.Forbidden("Forbidden: order is assigned to another delivery person")
	}
	if !otpMatches(otp, order.OTPConfirm) {
		return nil, apperr.Wrap(codes.InvalidArgument, "Invalid OTP", ErrInvalidOTP)
	}

	delivered, err := transition(ctx, s.orders, order, models.StatusDelivered, nil)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Delivery confirmed", zap.String("order_id", orderID), zap.String("worker_id", p.ID))
	s.effects.committed(ctx, p.ID, repository.ActionConfirmDelivery, events.OrderDelivered, delivered, bson.M{
		"worker": p.ID,
	})
	s.effects.notifyUser(delivered.UserID, notify.EventDeliveryStatusUpdate, statusUpdate(delivered, "Your order has been delivered"))

	return delivered.Redacted(), nil
}

// GetPendingOrders lists orders awaiting pickup: status Pending or Paid.
func (s *OrderService) GetPendingOrders(ctx context.Context, p *models.Principal) ([]*models.Order, error) {
	if err := requireRole(p, "Forbidden: Only Delivery Persons", models.RoleDelivery, models.RoleAdmin); err != nil {
		return nil, err
	}

	orders, err := s.orders.ListByStatus(ctx, models.StatusPending, models.StatusPaid)
	if err != nil {
		return nil, apperr.Internal("Failed to list pending orders", err)
	}
	for i, o := range orders {
		orders[i] = o.Redacted()
	}
	return orders, nil
}

type HistoryPage struct {
	Orders []*models.Order `json:"orders"`
	Total  int64           `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

// GetHistory pages through the caller's own orders, newest first. No orders
// is an empty page, not an error.
func (s *OrderService) GetHistory(ctx context.Context, p *models.Principal, page, limit int) (*HistoryPage, error) {
	if p == nil || p.ID == "" {
		return nil, apperr.Unauthenticated("Unauthorized")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	orders, total, err := s.orders.ListByUser(ctx, p.ID, page, limit)
	if err != nil {
		return nil, apperr.Internal("Failed to load order history", err)
	}
	return &HistoryPage{Orders: orders, Total: total, Page: page, Limit: limit}, nil
}

func (s *OrderService) GetOrder(ctx context.Context, p *models.Principal, orderID string) (*models.Order, error) {
	if p == nil || p.ID == "" {
		return nil, apperr.Unauthenticated("Unauthorized")
	}
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canView(p, order) {
		return nil, apperr.Forbidden("Forbidden: not your order")
	}
	return visibleTo(p, order), nil
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// GetAuditTrail returns an order's audit entries, newest first. Admin only.
func (s *OrderService) GetAuditTrail(ctx context.Context, p *models.Principal, orderID string, limit int) ([]*repository.AuditLog, error) {
	if err := requireRole(p, "Forbidden: Admins only", models.RoleAdmin); err != nil {
		return nil, err
	}
	if _, err := s.load(ctx, orderID); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return nil, apperr.New(codes.Unavailable, "Audit log unavailable")
	}

	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	logs, err := s.audit.GetAuditLogs(ctx, orderID, int64(limit))
	if err != nil {
		return nil, apperr.Wrap(codes.Unavailable, "Failed to read audit log", err)
	}
	if logs == nil {
		logs = []*repository.AuditLog{}
	}
	return logs, nil
}

type StatusView struct {
	OrderID       string               `json:"orderId"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"paymentStatus"`
}

// GetOrderStatus answers status polls from the cache and falls back to the
// store on a miss.
func (s *OrderService) GetOrderStatus(ctx context.Context, p *models.Principal, orderID string) (*StatusView, error) {
	if p == nil || p.ID == "" {
		return nil, apperr.Unauthenticated("Unauthorized")
	}

	if s.cache != nil {
		cached, err := s.cache.GetOrderCache(ctx, orderID)
		switch {
		case err == nil:
			if cached.UserID != p.ID && cached.DeliveryWorkerID != p.ID && !p.HasRole(models.RoleAdmin) {
				return nil, apperr.Forbidden("Forbidden: not your order")
			}
			return &StatusView{OrderID: cached.ID, Status: cached.Status, PaymentStatus: cached.PaymentStatus}, nil
		case !errors.Is(err, repository.ErrCacheMiss):
			s.logger.Warn("Order status cache read failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canView(p, order) {
		return nil, apperr.Forbidden("Forbidden: not your order")
	}
	s.effects.cacheStatus(ctx, order)
	return &StatusView{OrderID: order.ID, Status: order.Status, PaymentStatus: order.PaymentStatus}, nil
}

// AcceptOrder assigns a paid order to the calling courier. Concurrent claims
// on one order have exactly one winner; the rest get a Conflict.
func (s *OrderService) AcceptOrder(ctx context.Context, p *models.Principal, orderID string) (*models.Order, error) {
	if err := requireRole(p, "Forbidden: Only Delivery Persons", models.RoleDelivery); err != nil {
		return nil, err
	}

	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.DeliveryWorkerID != nil {
		return nil, apperr.Conflict("Order has already been accepted", nil)
	}
	if order.Status == models.StatusPending {
		return nil, apperr.Illegal("Order cannot be accepted before payment clears")
	}

	accepted, err := transition(ctx, s.orders, order, models.StatusAccepted, map[string]interface{}{
		"delivery_worker_id": p.ID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order accepted", zap.String("order_id", orderID), zap.String("worker_id", p.ID))
	s.effects.committed(ctx, p.ID, repository.ActionDeliveryAssigned, events.OrderAccepted, accepted, bson.M{
		"worker": p.ID,
	})
	s.effects.notifyUser(accepted.UserID, notify.EventOrderAccepted, statusUpdate(accepted, "Your order has been accepted by a delivery person"))

	return accepted.Redacted(), nil
}

// UpdateDeliveryStatus records courier progress. Delivered is not accepted
// here; it requires the customer's code.
func (s *OrderService) UpdateDeliveryStatus(ctx context.Context, p *models.Principal, orderID string, status models.OrderStatus) (*models.Order, error) {
	if err := requireRole(p, "Forbidden: Only Delivery Persons", models.RoleDelivery, models.RoleAdmin); err != nil {
		return nil, err
	}

	switch status {
	case models.StatusPickedUp, models.StatusReported:
	case models.StatusDelivered:
		return nil, apperr.Validation("Delivered requires the customer's OTP, use confirm-delivery")
	default:
		return nil, apperr.Validation(fmt.Sprintf("Invalid delivery status %q", status))
	}

	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !p.HasRole(models.RoleAdmin) && !order.AssignedTo(p.ID) {
		return nil, apperr.Forbidden("Forbidden: order is assigned to another delivery person")
	}

	updated, err := transition(ctx, s.orders, order, status, nil)
	if err != nil {
		return nil, err
	}

	s.effects.committed(ctx, p.ID, repository.ActionDeliveryStatus, events.OrderStatusChanged, updated, bson.M{
		"worker": p.ID,
		"from":   string(order.Status),
	})
	s.effects.notifyUser(updated.UserID, notify.EventDeliveryStatusUpdate, statusUpdate(updated, ""))

	return updated.Redacted(), nil
}

// CancelOrder lets the owner cancel before a courier accepts, and an admin
// cancel anything not yet terminal.
func (s *OrderService) CancelOrder(ctx context.Context, p *models.Principal, orderID string) (*models.Order, error) {
	if p == nil || p.ID == "" {
		return nil, apperr.Unauthenticated("Unauthorized")
	}

	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	admin := p.HasRole(models.RoleAdmin)
	if !admin && order.UserID != p.ID {
		return nil, apperr.Forbidden("Forbidden: not your order")
	}
	if !admin && order.Status != models.StatusPending && order.Status != models.StatusPaid {
		return nil, apperr.Illegal(fmt.Sprintf("Order is %s and can no longer be cancelled", order.Status))
	}

	cancelled, err := transition(ctx, s.orders, order, models.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order cancelled", zap.String("order_id", orderID), zap.String("user_id", p.ID))
	s.effects.committed(ctx, p.ID, repository.ActionOrderCancellation, events.OrderCancelled, cancelled, bson.M{
		"orderId": orderID,
	})
	update := statusUpdate(cancelled, "Order cancelled")
	s.effects.notifyUser(cancelled.UserID, notify.EventDeliveryStatusUpdate, update)
	if cancelled.DeliveryWorkerID != nil {
		s.effects.notifyUser(*cancelled.DeliveryWorkerID, notify.EventDeliveryStatusUpdate, update)
	}

	return visibleTo(p, cancelled), nil
}

func (s *OrderService) load(ctx context.Context, orderID string) (*models.Order, error) {
	if orderID == "" {
		return nil, apperr.Validation("orderId is required")
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, orderNotFound(orderID)
		}
		return nil, apperr.Internal("Failed to load order", err)
	}
	return order, nil
}
