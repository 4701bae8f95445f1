package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/example/deliverify/pkg/apperr"
	"github.com/example/deliverify/pkg/models"
	"github.com/example/deliverify/pkg/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

type confirmDeliveryRequest struct {
	OrderID    string `json:"orderId"`
	OTPConfirm string `json:"otpConfirm"`
}

type confirmPaymentRequest struct {
	OrderID   string `json:"orderId" form:"orderId"`
	PaymentID string `json:"paymentId" form:"paymentId"`
}

type deliveryStatusRequest struct {
	Status models.OrderStatus `json:"status"`
}

// purchase godoc
// @Summary Place an order
// @Description Prices the cart from the catalog, opens a payment and returns the checkout link.
// @Tags orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body service.PurchaseRequest true "Cart"
// @Success 201 {object} service.PurchaseResult
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /orders/purchase [post]
func (g *Gateway) purchase(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.respondError(c, apperr.Wrap(codes.InvalidArgument, "Invalid order data", err))
		return
	}

	res, err := g.orders.Purchase(c.Request.Context(), principal(c).ID, req)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// history godoc
// @Summary Caller's order history
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page, from 1"
// @Param limit query int false "Page size"
// @Success 200 {object} service.HistoryPage
// @Router /orders/history [get]
func (g *Gateway) history(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultPageSize)))

	res, err := g.orders.GetHistory(c.Request.Context(), principal(c), page, limit)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// confirmDelivery godoc
// @Summary Confirm hand-over with the customer's code
// @Tags delivery
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body confirmDeliveryRequest true "Order and code"
// @Success 200 {object} models.Order
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /orders/confirm-delivery [post]
func (g *Gateway) confirmDelivery(c *gin.Context) {
	var req confirmDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OrderID == "" {
		g.respondError(c, apperr.Validation("orderId and otpConfirm are required"))
		return
	}

	order, err := g.orders.ConfirmDelivery(c.Request.Context(), principal(c), req.OrderID, req.OTPConfirm)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Order delivered", "order": order})
}

// pendingOrders godoc
// @Summary Orders awaiting a courier
// @Tags delivery
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Order
// @Failure 403 {object} map[string]string
// @Router /orders/pending [get]
func (g *Gateway) pendingOrders(c *gin.Context) {
	orders, err := g.orders.GetPendingOrders(c.Request.Context(), principal(c))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// confirmPayment godoc
// @Summary Poll payment status after the checkout redirect
// @Tags payments
// @Accept json
// @Produce json
// @Param request body confirmPaymentRequest true "orderId or paymentId"
// @Success 200 {object} service.ConfirmResult
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /orders/confirm [post]
func (g *Gateway) confirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBind(&req); err != nil {
		g.respondError(c, apperr.Validation("Invalid request body"))
		return
	}

	res, err := g.reconciler.ConfirmPayment(c.Request.Context(), req.OrderID, req.PaymentID)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// paymentWebhook godoc
// @Summary Payment provider callback
// @Description Accepts form id=tr_x or JSON {"id":"tr_x"}. Answers 503 when the provider should retry.
// @Tags payments
// @Accept x-www-form-urlencoded
// @Param id formData string true "Provider payment id"
// @Success 200
// @Failure 503
// @Router /webhooks/payment [post]
func (g *Gateway) paymentWebhook(c *gin.Context) {
	var body struct {
		ID string `json:"id" form:"id"`
	}
	if err := c.ShouldBind(&body); err != nil || body.ID == "" {
		g.logger.Warn("Webhook without payment id", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	if err := g.reconciler.HandlePaymentWebhook(c.Request.Context(), body.ID); err != nil {
		g.logger.Warn("Webhook not acknowledged", zap.String("payment_id", body.ID), zap.Error(err))
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Status(http.StatusOK)
}

// getOrder godoc
// @Summary Get one order
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} models.Order
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /orders/{id} [get]
func (g *Gateway) getOrder(c *gin.Context) {
	order, err := g.orders.GetOrder(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// auditTrail godoc
// @Summary Audit trail of one order
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Param limit query int false "Maximum entries"
// @Success 200 {array} repository.AuditLog
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /orders/{id}/audit [get]
func (g *Gateway) auditTrail(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	logs, err := g.orders.GetAuditTrail(c.Request.Context(), principal(c), c.Param("id"), limit)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// orderStatus godoc
// @Summary Lightweight order status
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} service.StatusView
// @Router /orders/{id}/status [get]
func (g *Gateway) orderStatus(c *gin.Context) {
	view, err := g.orders.GetOrderStatus(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// acceptOrder godoc
// @Summary Claim a paid order
// @Tags delivery
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} models.Order
// @Failure 409 {object} map[string]string
// @Router /orders/{id}/accept [post]
func (g *Gateway) acceptOrder(c *gin.Context) {
	order, err := g.orders.AcceptOrder(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// updateDeliveryStatus godoc
// @Summary Report pickup or a delivery problem
// @Tags delivery
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Param request body deliveryStatusRequest true "Picked_up or Reported"
// @Success 200 {object} models.Order
// @Router /orders/{id}/status [post]
func (g *Gateway) updateDeliveryStatus(c *gin.Context) {
	var req deliveryStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(string(req.Status)) == "" {
		g.respondError(c, apperr.Validation("status is required"))
		return
	}

	order, err := g.orders.UpdateDeliveryStatus(c.Request.Context(), principal(c), c.Param("id"), req.Status)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// cancelOrder godoc
// @Summary Cancel an order
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} models.Order
// @Failure 409 {object} map[string]string
// @Router /orders/{id}/cancel [post]
func (g *Gateway) cancelOrder(c *gin.Context) {
	order, err := g.orders.CancelOrder(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
