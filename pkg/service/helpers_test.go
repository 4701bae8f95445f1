package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/example/deliverify/pkg/models"
	"github.com/example/deliverify/pkg/money"
	"github.com/example/deliverify/pkg/notify"
	"github.com/example/deliverify/pkg/payment"
	"github.com/example/deliverify/pkg/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeGateway struct {
	mu       sync.Mutex
	created  []fakeCreate
	payments map[string]*payment.Payment
	seq      int
	// createErr and getErr, when set, fail every call.
	createErr error
	getErr    error
	noID      bool
}

type fakeCreate struct {
	Amount      money.Cents
	Description string
	Opts        payment.CreateOptions
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: make(map[string]*payment.Payment)}
}

func (g *fakeGateway) Name() string { return "mollie" }

func (g *fakeGateway) CreatePayment(_ context.Context, amount money.Cents, description string, opts payment.CreateOptions) (*payment.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, fakeCreate{Amount: amount, Description: description, Opts: opts})
	if g.createErr != nil {
		return nil, fmt.Errorf("%w: %w", payment.ErrPaymentCreation, g.createErr)
	}
	if g.noID {
		return &payment.Payment{Status: payment.StatusOpen}, nil
	}
	g.seq++
	p := &payment.Payment{
		ID:          fmt.Sprintf("tr_%d", g.seq),
		Status:      payment.StatusOpen,
		CheckoutURL: fmt.Sprintf("https://pay.example/tr_%d", g.seq),
	}
	g.payments[p.ID] = p
	return p, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, id string) (*payment.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return nil, g.getErr
	}
	p, ok := g.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) setStatus(id string, status payment.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.payments[id]
	p.Status = status
	p.IsPaid = status == payment.StatusPaid
}

func (g *fakeGateway) lastCreate() fakeCreate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created[len(g.created)-1]
}

type sent struct {
	UserID  string
	Event   notify.Event
	Payload interface{}
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []sent
	pool  []*models.Order
}

func (n *recordingNotifier) NotifyUser(userID string, event notify.Event, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, sent{UserID: userID, Event: event, Payload: payload})
}

func (n *recordingNotifier) NotifyDeliveryPool(order *models.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pool = append(n.pool, order)
}

func (n *recordingNotifier) eventsFor(userID string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, s := range n.users {
		if s.UserID == userID {
			out = append(out, s.Event)
		}
	}
	return out
}

func (n *recordingNotifier) poolCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pool)
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = nil
	n.pool = nil
}

type fakeAudit struct {
	mu   sync.Mutex
	logs []*repository.AuditLog
	err  error
}

func (a *fakeAudit) CreateAuditLog(_ context.Context, log *repository.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

func (a *fakeAudit) GetAuditLogs(_ context.Context, entityID string, limit int64) ([]*repository.AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	var out []*repository.AuditLog
	for i := len(a.logs) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if a.logs[i].EntityID == entityID {
			out = append(out, a.logs[i])
		}
	}
	return out, nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type failingStore struct {
	OrderStore
}

func (failingStore) Create(context.Context, *models.Order) error {
	return errors.New("disk full")
}

type env struct {
	db         *gorm.DB
	orders     *repository.OrderRepository
	gateway    *fakeGateway
	notifier   *recordingNotifier
	audit      *fakeAudit
	service    *OrderService
	reconciler *Reconciler
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, repository.Migrate(db))
	return db
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := openTestDB(t)

	items := []models.Item{
		{ID: "A", Name: "Burger", Price: money.MustParse("10.00"), RestaurantID: "r1", Available: true},
		{ID: "B", Name: "Fries", Price: money.MustParse("3.50"), RestaurantID: "r1", Available: true},
		{ID: "C", Name: "Soup", Price: money.MustParse("4.00"), RestaurantID: "r1", Available: true},
		{ID: "FREE", Name: "Napkin", Price: 0, RestaurantID: "r1", Available: true},
	}
	require.NoError(t, db.Create(&items).Error)
	// gorm skips zero values on create, so mark C unavailable explicitly.
	require.NoError(t, db.Model(&models.Item{}).Where("id = ?", "C").Update("available", false).Error)

	e := &env{
		db:       db,
		orders:   repository.NewOrderRepository(db),
		gateway:  newFakeGateway(),
		notifier: &recordingNotifier{},
		audit:    &fakeAudit{},
	}
	deps := e.deps()
	e.service = NewOrderService(deps, Options{
		ClientURL:  "https://shop.example",
		WebhookURL: "https://api.example/webhooks/payment",
	})
	e.reconciler = NewReconciler(deps, "")
	return e
}

func (e *env) deps() Deps {
	return Deps{
		Orders:   e.orders,
		Catalog:  repository.NewCatalogRepository(e.db),
		Gateway:  e.gateway,
		Notifier: e.notifier,
		Audit:    e.audit,
		Logger:   zap.NewNop(),
	}
}

var (
	customer = &models.Principal{ID: "c1", Roles: []string{"customer"}}
	worker   = &models.Principal{ID: "w1", Roles: []string{"Delivery"}}
	worker2  = &models.Principal{ID: "w2", Roles: []string{"delivery"}}
	admin    = &models.Principal{ID: "a1", Roles: []string{"admin"}}
)

// placeOrder purchases one burger for customer.
func (e *env) placeOrder(t *testing.T) *models.Order {
	t.Helper()
	res, err := e.service.Purchase(context.Background(), customer.ID, PurchaseRequest{
		Items: []CartItem{{ItemID: "A", Quantity: 1}},
	})
	require.NoError(t, err)
	return res.Order
}

// paidOrder places an order and settles it through the webhook.
func (e *env) paidOrder(t *testing.T) *models.Order {
	t.Helper()
	order := e.placeOrder(t)
	e.gateway.setStatus(order.PaymentID, payment.StatusPaid)
	require.NoError(t, e.reconciler.HandlePaymentWebhook(context.Background(), order.PaymentID))
	paid, err := e.orders.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPaid, paid.Status)
	return paid
}

func (e *env) acceptedOrder(t *testing.T) *models.Order {
	t.Helper()
	order := e.paidOrder(t)
	_, err := e.service.AcceptOrder(context.Background(), worker, order.ID)
	require.NoError(t, err)
	accepted, err := e.orders.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	return accepted
}

func (e *env) pickedUpOrder(t *testing.T) *models.Order {
	t.Helper()
	order := e.acceptedOrder(t)
	_, err := e.service.UpdateDeliveryStatus(context.Background(), worker, order.ID, models.StatusPickedUp)
	require.NoError(t, err)
	picked, err := e.orders.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	return picked
}
