package service

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/example/deliverify/pkg/apperr"
	"github.com/example/deliverify/pkg/models"
	"github.com/example/deliverify/pkg/money"
	"github.com/example/deliverify/pkg/notify"
	"github.com/example/deliverify/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestPurchase_TotalFromCatalog(t *testing.T) {
	e := newEnv(t)

	res, err := e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{
		Items:        []CartItem{{ItemID: "A", Quantity: 2}},
		Address:      "Main St 1",
		RestaurantID: "r1",
	})
	require.NoError(t, err)

	order := res.Order
	assert.Equal(t, money.MustParse("20.00"), order.TotalAmount)
	assert.Equal(t, models.StatusPending, order.Status)
	assert.Equal(t, models.PaymentOpen, order.PaymentStatus)
	assert.Equal(t, "mollie", order.PaymentProvider)
	assert.NotEmpty(t, order.PaymentID)
	assert.Equal(t, order.PaymentLink, res.PaymentLink)
	require.NotNil(t, order.RestaurantID)
	assert.Equal(t, "r1", *order.RestaurantID)
	require.Len(t, order.Items, 1)
	assert.Equal(t, money.MustParse("10.00"), order.Items[0].UnitPrice)

	create := e.gateway.lastCreate()
	assert.Equal(t, money.MustParse("20.00"), create.Amount)
	assert.Equal(t, order.ID, create.Opts.Metadata["orderId"])
	assert.Equal(t, customer.ID, create.Opts.Metadata["userId"])
	assert.Equal(t, order.ID, create.Opts.IdempotencyKey)
	assert.Equal(t, "https://api.example/webhooks/payment", create.Opts.WebhookURL)
	assert.Equal(t, "https://shop.example/payment-success?orderId="+order.ID, create.Opts.RedirectURL)

	stored, err := e.orders.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentID, stored.PaymentID)
	assert.Len(t, stored.OTPConfirm, 6)

	assert.Equal(t, 1, e.notifier.poolCount())
	assert.Contains(t, e.audit.actions(), repository.ActionOrderCreation)
}

func TestPurchase_MultipleLines(t *testing.T) {
	e := newEnv(t)

	res, err := e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{
		Items: []CartItem{{ItemID: "A", Quantity: 1}, {ItemID: "B", Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("20.50"), res.Order.TotalAmount)
}

func TestPurchase_QuantityCap(t *testing.T) {
	e := newEnv(t)

	res, err := e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{
		Items: []CartItem{{ItemID: "A", Quantity: MaxLineQuantity}},
	})
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10000.00"), res.Order.TotalAmount)
	assert.Equal(t, money.MustParse("10000.00"), e.gateway.lastCreate().Amount)

	_, err = e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{
		Items: []CartItem{{ItemID: "A", Quantity: 1 + 1<<61}},
	})
	assert.Contains(t, apperr.Message(err), "item A")
	assert.Len(t, e.gateway.created, 1, "no payment for an oversized line")
}

func TestPurchase_ReturnURLWins(t *testing.T) {
	e := newEnv(t)

	res, err := e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{
		Items:     []CartItem{{ItemID: "A", Quantity: 1}},
		ReturnURL: "myapp://checkout/done",
	})
	require.NoError(t, err)

	u, err := url.Parse(e.gateway.lastCreate().Opts.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "myapp", u.Scheme)
	assert.Equal(t, "success", u.Query().Get("status"))
	assert.Equal(t, res.Order.ID, u.Query().Get("orderId"))
}

func TestPurchase_BridgeURL(t *testing.T) {
	e := newEnv(t)
	e.service = NewOrderService(e.deps(), Options{ClientURL: "https://shop.example", BridgeURL: "https://bridge.example/"})

	res, err := e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{
		Items: []CartItem{{ItemID: "A", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://bridge.example/?orderId="+res.Order.ID, e.gateway.lastCreate().Opts.RedirectURL)
	assert.Empty(t, e.gateway.lastCreate().Opts.WebhookURL)
}

func TestPurchase_InvalidCart(t *testing.T) {
	cases := map[string][]CartItem{
		"empty":             nil,
		"zero quantity":     {{ItemID: "A", Quantity: 0}},
		"negative":          {{ItemID: "A", Quantity: -1}},
		"missing id":        {{Quantity: 1}},
		"unknown item":      {{ItemID: "A", Quantity: 1}, {ItemID: "nope", Quantity: 1}},
		"unavailable item":  {{ItemID: "C", Quantity: 1}},
		"zero total":        {{ItemID: "FREE", Quantity: 2}},
		"above line cap":    {{ItemID: "A", Quantity: MaxLineQuantity + 1}},
		"wrapping quantity": {{ItemID: "A", Quantity: 1 + 1<<61}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{Items: items})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidOrderData)
			assert.Equal(t, codes.InvalidArgument, apperr.Code(err))
			assert.Empty(t, e.gateway.created, "no payment for an invalid cart")
		})
	}
}

func TestPurchase_NamesOffendingItem(t *testing.T) {
	e := newEnv(t)
	_, err := e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{
		Items: []CartItem{{ItemID: "A", Quantity: 1}, {ItemID: "ghost", Quantity: 1}},
	})
	assert.Contains(t, apperr.Message(err), "ghost")
}

func TestPurchase_PaymentFailureStoresNothing(t *testing.T) {
	for name, setup := range map[string]func(g *fakeGateway){
		"provider error": func(g *fakeGateway) { g.createErr = errors.New("401 unauthorized") },
		"missing id":     func(g *fakeGateway) { g.noID = true },
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			setup(e.gateway)

			_, err := e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{
				Items: []CartItem{{ItemID: "A", Quantity: 1}},
			})
			assert.ErrorIs(t, err, ErrPaymentCreationFailed)
			assert.Equal(t, codes.Unavailable, apperr.Code(err))

			var count int64
			require.NoError(t, e.db.Model(&models.Order{}).Count(&count).Error)
			assert.Zero(t, count)
			assert.Zero(t, e.notifier.poolCount())
		})
	}
}

func TestPurchase_StoreFailure(t *testing.T) {
	e := newEnv(t)
	deps := e.deps()
	deps.Orders = failingStore{OrderStore: e.orders}
	svc := NewOrderService(deps, Options{ClientURL: "https://shop.example"})

	_, err := svc.Purchase(context.Background(), customer.ID, PurchaseRequest{
		Items: []CartItem{{ItemID: "A", Quantity: 1}},
	})
	assert.Equal(t, codes.Internal, apperr.Code(err))
	assert.Len(t, e.gateway.created, 1)
	assert.Zero(t, e.notifier.poolCount())
}

func TestPurchase_AuditFailureIgnored(t *testing.T) {
	e := newEnv(t)
	e.audit.err = errors.New("mongo down")

	order := e.placeOrder(t)
	assert.NotEmpty(t, order.ID)
}

func TestPurchase_RequiresCustomer(t *testing.T) {
	e := newEnv(t)
	_, err := e.service.Purchase(context.Background(), "", PurchaseRequest{Items: []CartItem{{ItemID: "A", Quantity: 1}}})
	assert.Equal(t, codes.Unauthenticated, apperr.Code(err))
}

func TestConfirmDelivery_OTPOneShot(t *testing.T) {
	e := newEnv(t)
	order := e.pickedUpOrder(t)
	e.notifier.reset()

	_, err := e.service.ConfirmDelivery(context.Background(), worker, order.ID, "000000")
	assert.ErrorIs(t, err, ErrInvalidOTP)
	assert.Equal(t, codes.InvalidArgument, apperr.Code(err))

	delivered, err := e.service.ConfirmDelivery(context.Background(), worker, order.ID, order.OTPConfirm)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, delivered.Status)
	assert.Empty(t, delivered.OTPConfirm)
	assert.Contains(t, e.notifier.eventsFor(customer.ID), notify.EventDeliveryStatusUpdate)
	assert.Contains(t, e.audit.actions(), repository.ActionConfirmDelivery)

	_, err = e.service.ConfirmDelivery(context.Background(), worker, order.ID, order.OTPConfirm)
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, apperr.Code(err))
}

func TestConfirmDelivery_AuditFailureDoesNotRollBack(t *testing.T) {
	e := newEnv(t)
	order := e.pickedUpOrder(t)
	e.audit.err = errors.New("mongo down")

	_, err := e.service.ConfirmDelivery(context.Background(), worker, order.ID, order.OTPConfirm)
	require.NoError(t, err)

	stored, err := e.orders.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, stored.Status)
}

func TestConfirmDelivery_Authorization(t *testing.T) {
	e := newEnv(t)
	order := e.pickedUpOrder(t)

	_, err := e.service.ConfirmDelivery(context.Background(), customer, order.ID, order.OTPConfirm)
	assert.Equal(t, codes.PermissionDenied, apperr.Code(err))

	_, err = e.service.ConfirmDelivery(context.Background(), worker2, order.ID, order.OTPConfirm)
	assert.Equal(t, codes.PermissionDenied, apperr.Code(err))

	// An unassigned worker gets the same answer whether or not the code is right.
	_, err = e.service.ConfirmDelivery(context.Background(), worker2, order.ID, "x"+order.OTPConfirm)
	assert.Equal(t, codes.PermissionDenied, apperr.Code(err))
	assert.NotErrorIs(t, err, ErrInvalidOTP)

	_, err = e.service.ConfirmDelivery(context.Background(), nil, order.ID, order.OTPConfirm)
	assert.Equal(t, codes.Unauthenticated, apperr.Code(err))

	_, err = e.service.ConfirmDelivery(context.Background(), admin, order.ID, order.OTPConfirm)
	assert.NoError(t, err)
}

func TestConfirmDelivery_NotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.service.ConfirmDelivery(context.Background(), worker, "missing", "123456")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, codes.NotFound, apperr.Code(err))
}

func TestConfirmDelivery_RequiresPickup(t *testing.T) {
	e := newEnv(t)
	order := e.acceptedOrder(t)

	_, err := e.service.ConfirmDelivery(context.Background(), worker, order.ID, order.OTPConfirm)
	assert.Equal(t, codes.FailedPrecondition, apperr.Code(err))
}

func TestGetPendingOrders_SetMembership(t *testing.T) {
	e := newEnv(t)
	pending := e.placeOrder(t)
	paid := e.paidOrder(t)
	e.acceptedOrder(t)

	orders, err := e.service.GetPendingOrders(context.Background(), worker)
	require.NoError(t, err)

	ids := map[string]models.OrderStatus{}
	for _, o := range orders {
		ids[o.ID] = o.Status
		assert.Empty(t, o.OTPConfirm)
	}
	// Both Pending and Paid are awaiting pickup, not Pending alone.
	assert.Equal(t, map[string]models.OrderStatus{
		pending.ID: models.StatusPending,
		paid.ID:    models.StatusPaid,
	}, ids)

	_, err = e.service.GetPendingOrders(context.Background(), admin)
	assert.NoError(t, err)
}

func TestGetPendingOrders_CustomerForbidden(t *testing.T) {
	e := newEnv(t)
	e.placeOrder(t)

	orders, err := e.service.GetPendingOrders(context.Background(), customer)
	assert.Nil(t, orders)
	assert.Equal(t, codes.PermissionDenied, apperr.Code(err))
}

func TestGetHistory(t *testing.T) {
	e := newEnv(t)

	page, err := e.service.GetHistory(context.Background(), customer, 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, page.Orders)
	assert.Empty(t, page.Orders)
	assert.Equal(t, DefaultPageSize, page.Limit)

	e.placeOrder(t)
	e.placeOrder(t)

	page, err = e.service.GetHistory(context.Background(), customer, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, MaxPageSize, page.Limit)
	assert.Len(t, page.Orders, 2)

	page, err = e.service.GetHistory(context.Background(), worker, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Orders)
}

func TestGetOrder_Visibility(t *testing.T) {
	e := newEnv(t)
	order := e.acceptedOrder(t)

	own, err := e.service.GetOrder(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OTPConfirm, own.OTPConfirm)

	assigned, err := e.service.GetOrder(context.Background(), worker, order.ID)
	require.NoError(t, err)
	assert.Empty(t, assigned.OTPConfirm)

	_, err = e.service.GetOrder(context.Background(), worker2, order.ID)
	assert.Equal(t, codes.PermissionDenied, apperr.Code(err))
}

func TestAcceptOrder_ConcurrentClaim(t *testing.T) {
	e := newEnv(t)
	order := e.paidOrder(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []*models.Principal{worker, worker2} {
		wg.Add(1)
		go func(i int, p *models.Principal) {
			defer wg.Done()
			_, errs[i] = e.service.AcceptOrder(context.Background(), p, order.ID)
		}(i, p)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Code(err) == codes.Aborted:
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	stored, err := e.orders.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)
	require.NotNil(t, stored.DeliveryWorkerID)
}

func TestAcceptOrder_Rules(t *testing.T) {
	e := newEnv(t)
	pending := e.placeOrder(t)

	_, err := e.service.AcceptOrder(context.Background(), worker, pending.ID)
	assert.Equal(t, codes.FailedPrecondition, apperr.Code(err))

	paid := e.paidOrder(t)
	_, err = e.service.AcceptOrder(context.Background(), customer, paid.ID)
	assert.Equal(t, codes.PermissionDenied, apperr.Code(err))

	e.notifier.reset()
	accepted, err := e.service.AcceptOrder(context.Background(), worker, paid.ID)
	require.NoError(t, err)
	assert.True(t, accepted.AssignedTo(worker.ID))
	assert.Equal(t, []notify.Event{notify.EventOrderAccepted}, e.notifier.eventsFor(customer.ID))
}

func TestUpdateDeliveryStatus(t *testing.T) {
	e := newEnv(t)
	order := e.acceptedOrder(t)

	_, err := e.service.UpdateDeliveryStatus(context.Background(), worker, order.ID, models.StatusDelivered)
	assert.Equal(t, codes.InvalidArgument, apperr.Code(err))

	_, err = e.service.UpdateDeliveryStatus(context.Background(), worker, order.ID, models.StatusPaid)
	assert.Equal(t, codes.InvalidArgument, apperr.Code(err))

	_, err = e.service.UpdateDeliveryStatus(context.Background(), worker2, order.ID, models.StatusPickedUp)
	assert.Equal(t, codes.PermissionDenied, apperr.Code(err))

	e.notifier.reset()
	updated, err := e.service.UpdateDeliveryStatus(context.Background(), worker, order.ID, models.StatusPickedUp)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPickedUp, updated.Status)
	assert.Equal(t, []notify.Event{notify.EventDeliveryStatusUpdate}, e.notifier.eventsFor(customer.ID))

	reported, err := e.service.UpdateDeliveryStatus(context.Background(), worker, order.ID, models.StatusReported)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReported, reported.Status)

	_, err = e.service.UpdateDeliveryStatus(context.Background(), worker, order.ID, models.StatusPickedUp)
	assert.Equal(t, codes.FailedPrecondition, apperr.Code(err))
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t)
	order := e.placeOrder(t)

	_, err := e.service.CancelOrder(context.Background(), worker, order.ID)
	assert.Equal(t, codes.PermissionDenied, apperr.Code(err))

	cancelled, err := e.service.CancelOrder(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Contains(t, e.audit.actions(), repository.ActionOrderCancellation)

	_, err = e.service.CancelOrder(context.Background(), customer, order.ID)
	assert.Equal(t, codes.FailedPrecondition, apperr.Code(err))
}

func TestCancelOrder_AfterAcceptance(t *testing.T) {
	e := newEnv(t)
	order := e.acceptedOrder(t)

	_, err := e.service.CancelOrder(context.Background(), customer, order.ID)
	assert.Equal(t, codes.FailedPrecondition, apperr.Code(err))

	e.notifier.reset()
	_, err = e.service.CancelOrder(context.Background(), admin, order.ID)
	require.NoError(t, err)
	assert.Contains(t, e.notifier.eventsFor(worker.ID), notify.EventDeliveryStatusUpdate)
}

func TestTerminalOrdersNeverMove(t *testing.T) {
	e := newEnv(t)
	order := e.pickedUpOrder(t)
	_, err := e.service.ConfirmDelivery(context.Background(), worker, order.ID, order.OTPConfirm)
	require.NoError(t, err)

	_, err = e.service.CancelOrder(context.Background(), admin, order.ID)
	assert.Equal(t, codes.FailedPrecondition, apperr.Code(err))
	_, err = e.service.UpdateDeliveryStatus(context.Background(), worker, order.ID, models.StatusReported)
	assert.Equal(t, codes.FailedPrecondition, apperr.Code(err))

	stored, err := e.orders.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, stored.Status)
}

func TestGetAuditTrail(t *testing.T) {
	e := newEnv(t)
	order := e.paidOrder(t)
	e.placeOrder(t)

	logs, err := e.service.GetAuditTrail(context.Background(), admin, order.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, repository.ActionPaymentProcessed, logs[0].Action)
	assert.Equal(t, repository.ActionOrderCreation, logs[1].Action)
	for _, l := range logs {
		assert.Equal(t, order.ID, l.EntityID)
	}

	logs, err = e.service.GetAuditTrail(context.Background(), admin, order.ID, 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	_, err = e.service.GetAuditTrail(context.Background(), customer, order.ID, 0)
	assert.Equal(t, codes.PermissionDenied, apperr.Code(err))

	_, err = e.service.GetAuditTrail(context.Background(), admin, "missing", 0)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetAuditTrail_WithoutAuditStore(t *testing.T) {
	e := newEnv(t)
	order := e.placeOrder(t)

	deps := e.deps()
	deps.Audit = nil
	svc := NewOrderService(deps, Options{})

	_, err := svc.GetAuditTrail(context.Background(), admin, order.ID, 0)
	assert.Equal(t, codes.Unavailable, apperr.Code(err))
}
