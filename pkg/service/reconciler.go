package service

import (
	"context"
	"errors"
	"time"

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

const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// Reconciliation outcomes, used as the metrics label.
const (
	outcomePaid            = "paid"
	outcomeFailed          = "failed"
	outcomeUnchanged       = "unchanged"
	outcomeAlreadySettled  = "already_settled"
	outcomeCapturedClosed  = "captured_on_closed_order"
	outcomeOrderNotFound   = "order_not_found"
	outcomePaymentNotFound = "payment_not_found"
	outcomeError           = "error"
)

// Reconciler settles orders against the provider's authoritative payment
// status. Callback payloads are only used to learn which payment to fetch.
type Reconciler struct {
	orders  OrderStore
	gateway payment.Gateway
	effects sideEffects
	logger  *zap.Logger
	now     func() time.Time
}

func NewReconciler(d Deps, serviceName string) *Reconciler {
	logger := d.Logger.Named("reconciler")
	if serviceName == "" {
		serviceName = "order-service"
	}
	return &Reconciler{
		orders:  d.Orders,
		gateway: d.Gateway,
		effects: newSideEffects(serviceName, d, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// HandlePaymentWebhook returns an error only when the provider should retry:
// a transient provider or store failure. Everything else is logged and
// acknowledged.
func (r *Reconciler) HandlePaymentWebhook(ctx context.Context, paymentID string) error {
	if paymentID == "" {
		return apperr.Validation("Missing payment id")
	}
	log := r.logger.With(zap.String("payment_id", paymentID))

	p, err := r.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		switch {
		case payment.IsTransient(err):
			metrics.Reconciliations.WithLabelValues(SourceWebhook, outcomeError).Inc()
			log.Warn("Payment lookup failed, asking provider to retry", zap.Error(err))
			return apperr.Upstream("Payment provider unavailable", err)
		case errors.Is(err, payment.ErrPaymentNotFound):
			metrics.Reconciliations.WithLabelValues(SourceWebhook, outcomePaymentNotFound).Inc()
			log.Warn("Webhook for unknown payment", zap.Error(err))
		default:
			metrics.Reconciliations.WithLabelValues(SourceWebhook, outcomeError).Inc()
			log.Error("Payment lookup failed", zap.Error(err))
		}
		return nil
	}

	order, err := r.orders.GetByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.Reconciliations.WithLabelValues(SourceWebhook, outcomeOrderNotFound).Inc()
			log.Error("No order for payment, manual reconciliation required",
				zap.String("payment_status", string(p.Status)))
			return nil
		}
		metrics.Reconciliations.WithLabelValues(SourceWebhook, outcomeError).Inc()
		log.Error("Order lookup failed", zap.Error(err))
		return apperr.Internal("Failed to load order", err)
	}

	_, outcome, err := r.apply(ctx, order, p, false)
	metrics.Reconciliations.WithLabelValues(SourceWebhook, outcome).Inc()
	if err != nil {
		log.Error("Reconciliation failed", zap.String("order_id", order.ID), zap.Error(err))
		if apperr.Code(err) == codes.Internal {
			return err
		}
	}
	return nil
}

type ConfirmResult struct {
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"paymentStatus"`
	OrderID       string               `json:"orderId"`
}

// ConfirmPayment is the client's poll after being redirected back from the
// provider. It only ever moves an order forward to Paid; failures are left
// to the webhook.
func (r *Reconciler) ConfirmPayment(ctx context.Context, orderID, paymentID string) (*ConfirmResult, error) {
	var (
		order *models.Order
		err   error
	)
	switch {
	case paymentID != "":
		order, err = r.orders.GetByPaymentID(ctx, paymentID)
	case orderID != "":
		order, err = r.orders.GetByID(ctx, orderID)
	default:
		return nil, apperr.Validation("Missing orderId or paymentId")
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ref := paymentID
			if ref == "" {
				ref = orderID
			}
			return nil, orderNotFound(ref)
		}
		return nil, apperr.Internal("Failed to load order", err)
	}

	if order.Status == models.StatusPending {
		p, err := r.gateway.GetPayment(ctx, order.PaymentID)
		if err != nil {
			metrics.Reconciliations.WithLabelValues(SourcePoll, outcomeError).Inc()
			if errors.Is(err, payment.ErrPaymentNotFound) {
				return nil, apperr.Wrap(codes.NotFound, "Payment not found", err)
			}
			return nil, apperr.Upstream("Payment provider unavailable", err)
		}

		updated, outcome, err := r.apply(ctx, order, p, true)
		metrics.Reconciliations.WithLabelValues(SourcePoll, outcome).Inc()
		if err != nil {
			return nil, err
		}
		order = updated
	}

	return &ConfirmResult{Status: order.Status, PaymentStatus: order.PaymentStatus, OrderID: order.ID}, nil
}

// apply moves a Pending order according to p. Orders already past Pending
// are left alone, which makes repeated deliveries no-ops. A lost
// compare-and-swap means a concurrent reconciliation won; its result is
// returned as ours.
func (r *Reconciler) apply(ctx context.Context, order *models.Order, p *payment.Payment, paidOnly bool) (*models.Order, string, error) {
	if order.Status != models.StatusPending {
		return order, r.settledOutcome(order, p), nil
	}

	switch {
	case p.IsPaid:
		paidAt := r.now().UTC()
		if p.PaidAt != nil {
			paidAt = p.PaidAt.UTC()
		}
		updated, err := r.orders.Transition(ctx, order.ID, []models.OrderStatus{models.StatusPending}, models.StatusPaid,
			map[string]interface{}{
				"payment_status": models.PaymentPaid,
				"paid_at":        paidAt,
			})
		if err != nil {
			return r.lost(order, updated, p, err)
		}

		r.logger.Info("Payment settled",
			zap.String("order_id", updated.ID),
			zap.String("payment_id", updated.PaymentID))
		r.effects.committed(ctx, updated.UserID, repository.ActionPaymentProcessed, events.OrderPaid, updated, bson.M{
			"paymentId": updated.PaymentID,
		})
		r.effects.notifyUser(updated.UserID, notify.EventPaymentSuccess, statusUpdate(updated, "Payment received"))
		r.effects.notifyPool(updated)
		return updated, outcomePaid, nil

	case !paidOnly && failedPayment(p.Status):
		ps := models.PaymentFailed
		if p.Status != payment.StatusFailed {
			ps = models.PaymentCanceled
		}
		updated, err := r.orders.Transition(ctx, order.ID, []models.OrderStatus{models.StatusPending}, models.StatusFailedPayment,
			map[string]interface{}{"payment_status": ps})
		if err != nil {
			return r.lost(order, updated, p, err)
		}

		r.logger.Info("Payment failed",
			zap.String("order_id", updated.ID),
			zap.String("payment_id", updated.PaymentID),
			zap.String("provider_status", string(p.Status)))
		r.effects.committed(ctx, updated.UserID, repository.ActionPaymentFailed, events.OrderPaymentFailed, updated, bson.M{
			"paymentId":      updated.PaymentID,
			"providerStatus": string(p.Status),
		})
		r.effects.notifyUser(updated.UserID, notify.EventPaymentFailed, statusUpdate(updated, "Payment failed"))
		return updated, outcomeFailed, nil
	}

	if p.Status.Settled() {
		r.logger.Info("Settled payment left to the webhook",
			zap.String("order_id", order.ID),
			zap.String("payment_id", p.ID),
			zap.String("provider_status", string(p.Status)))
	} else {
		r.logger.Debug("Payment still open",
			zap.String("order_id", order.ID),
			zap.String("payment_id", p.ID),
			zap.String("provider_status", string(p.Status)))
	}
	return order, outcomeUnchanged, nil
}

// settledOutcome classifies a payment report for an order that already left
// Pending. Money captured against a cancelled or failed order is flagged for
// manual reconciliation.
func (r *Reconciler) settledOutcome(order *models.Order, p *payment.Payment) string {
	if p.IsPaid && (order.Status == models.StatusCancelled || order.Status == models.StatusFailedPayment) {
		r.logger.Error("Payment captured for closed order, manual reconciliation required",
			zap.String("order_id", order.ID),
			zap.String("payment_id", p.ID),
			zap.String("order_status", string(order.Status)))
		return outcomeCapturedClosed
	}
	return outcomeAlreadySettled
}

func (r *Reconciler) lost(order, current *models.Order, p *payment.Payment, err error) (*models.Order, string, error) {
	if errors.Is(err, repository.ErrStaleTransition) && current != nil {
		metrics.StaleTransitions.Inc()
		return current, r.settledOutcome(current, p), nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, outcomeOrderNotFound, orderNotFound(order.ID)
	}
	return nil, outcomeError, apperr.Internal("Failed to update order", err)
}

func failedPayment(s payment.Status) bool {
	switch s {
	case payment.StatusFailed, payment.StatusCanceled, payment.StatusExpired:
		return true
	}
	return false
}
