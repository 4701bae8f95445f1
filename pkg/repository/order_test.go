package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/deliverify/pkg/models"
	"github.com/example/deliverify/pkg/money"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return db
}

func newOrder(userID string, status models.OrderStatus) *models.Order {
	id := uuid.NewString()
	return &models.Order{
		ID:     id,
		UserID: userID,
		Items: []models.OrderItem{
			{ItemID: "A", Name: "Burger", Quantity: 2, UnitPrice: money.MustParse("10.00")},
		},
		TotalAmount:     money.MustParse("20.00"),
		OTPConfirm:      "123456",
		Status:          status,
		PaymentProvider: "mollie",
		PaymentID:       "tr_" + id[:8],
		PaymentStatus:   models.PaymentOpen,
	}
}

func TestOrderRepository_CreateAndGet(t *testing.T) {
	repo := NewOrderRepository(openTestDB(t))
	ctx := context.Background()

	order := newOrder("u1", models.StatusPending)
	require.NoError(t, repo.Create(ctx, order))

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.UserID, got.UserID)
	assert.Equal(t, money.MustParse("20.00"), got.TotalAmount)
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.Items, 1)
	assert.Equal(t, money.MustParse("10.00"), got.Items[0].UnitPrice)

	byPayment, err := repo.GetByPaymentID(ctx, order.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, byPayment.ID)
}

func TestOrderRepository_CreateRequiresPaymentID(t *testing.T) {
	repo := NewOrderRepository(openTestDB(t))

	order := newOrder("u1", models.StatusPending)
	order.PaymentID = ""
	assert.Error(t, repo.Create(context.Background(), order))

	_, err := repo.GetByID(context.Background(), order.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderRepository_PaymentIDUnique(t *testing.T) {
	repo := NewOrderRepository(openTestDB(t))
	ctx := context.Background()

	first := newOrder("u1", models.StatusPending)
	require.NoError(t, repo.Create(ctx, first))

	dup := newOrder("u1", models.StatusPending)
	dup.PaymentID = first.PaymentID
	assert.Error(t, repo.Create(ctx, dup))
}

func TestOrderRepository_NotFound(t *testing.T) {
	repo := NewOrderRepository(openTestDB(t))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetByPaymentID(context.Background(), "tr_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderRepository_ListByUser(t *testing.T) {
	db := openTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		o := newOrder("u1", models.StatusPending)
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, o))
		ids = append(ids, o.ID)
	}
	require.NoError(t, repo.Create(ctx, newOrder("u2", models.StatusPending)))

	orders, total, err := repo.ListByUser(ctx, "u1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, orders, 2)
	assert.Equal(t, ids[2], orders[0].ID)
	assert.Equal(t, ids[1], orders[1].ID)

	orders, _, err = repo.ListByUser(ctx, "u1", 2, 2)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, ids[0], orders[0].ID)

	orders, total, err = repo.ListByUser(ctx, "nobody", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, orders)
	assert.Empty(t, orders)
}

func TestOrderRepository_ListByStatusIsSetMembership(t *testing.T) {
	repo := NewOrderRepository(openTestDB(t))
	ctx := context.Background()

	pending := newOrder("u1", models.StatusPending)
	paid := newOrder("u1", models.StatusPaid)
	accepted := newOrder("u1", models.StatusAccepted)
	for _, o := range []*models.Order{pending, paid, accepted} {
		require.NoError(t, repo.Create(ctx, o))
	}

	orders, err := repo.ListByStatus(ctx, models.StatusPending, models.StatusPaid)
	require.NoError(t, err)

	var got []string
	for _, o := range orders {
		got = append(got, o.ID)
	}
	assert.ElementsMatch(t, []string{pending.ID, paid.ID}, got)
}

func TestOrderRepository_Transition(t *testing.T) {
	repo := NewOrderRepository(openTestDB(t))
	ctx := context.Background()

	order := newOrder("u1", models.StatusPending)
	require.NoError(t, repo.Create(ctx, order))

	paidAt := time.Now().UTC().Truncate(time.Second)
	updated, err := repo.Transition(ctx, order.ID,
		[]models.OrderStatus{models.StatusPending}, models.StatusPaid,
		map[string]interface{}{"payment_status": models.PaymentPaid, "paid_at": paidAt})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, updated.Status)
	assert.Equal(t, models.PaymentPaid, updated.PaymentStatus)
	assert.Equal(t, int64(2), updated.Version)
	require.NotNil(t, updated.PaidAt)

	current, err := repo.Transition(ctx, order.ID,
		[]models.OrderStatus{models.StatusPending}, models.StatusPaid, nil)
	assert.ErrorIs(t, err, ErrStaleTransition)
	require.NotNil(t, current)
	assert.Equal(t, models.StatusPaid, current.Status)
	assert.Equal(t, int64(2), current.Version)
}

func TestOrderRepository_TransitionMissingOrder(t *testing.T) {
	repo := NewOrderRepository(openTestDB(t))

	_, err := repo.Transition(context.Background(), "missing",
		[]models.OrderStatus{models.StatusPending}, models.StatusPaid, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderRepository_ConcurrentClaimHasOneWinner(t *testing.T) {
	repo := NewOrderRepository(openTestDB(t))
	ctx := context.Background()

	order := newOrder("u1", models.StatusPaid)
	require.NoError(t, repo.Create(ctx, order))

	workers := []string{"w1", "w2", "w3", "w4"}
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, worker string) {
			defer wg.Done()
			_, errs[i] = repo.Transition(ctx, order.ID,
				[]models.OrderStatus{models.StatusPaid}, models.StatusAccepted,
				map[string]interface{}{"delivery_worker_id": worker})
		}(i, w)
	}
	wg.Wait()

	var won, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrStaleTransition):
			stale++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, len(workers)-1, stale)

	final, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, final.Status)
	require.NotNil(t, final.DeliveryWorkerID)
	assert.Contains(t, workers, *final.DeliveryWorkerID)
}

func TestCatalogRepository_GetItem(t *testing.T) {
	db := openTestDB(t)
	repo := NewCatalogRepository(db)

	require.NoError(t, db.Create(&models.Item{
		ID: "A", Name: "Burger", Price: money.MustParse("10.00"), RestaurantID: "r1", Available: true,
	}).Error)

	item, err := repo.GetItem(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "Burger", item.Name)
	assert.Equal(t, money.MustParse("10.00"), item.Price)

	_, err = repo.GetItem(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
