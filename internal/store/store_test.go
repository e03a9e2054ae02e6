package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-orders/internal/apperror"
	"ms-orders/internal/models"
	"ms-orders/internal/store"
	"ms-orders/internal/store/storetest"
)

func TestGetOrderNotFound(t *testing.T) {
	gw, _ := storetest.NewDB(t)

	order, err := gw.Queries().GetOrder(context.Background(), "missing")
	assert.Nil(t, order)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestTransitionOrderIsConditional(t *testing.T) {
	gw, db := storetest.NewDB(t)
	ctx := context.Background()
	user := storetest.User(t, db, false)
	order := storetest.Order(t, db, user.ID, models.StatusCart)

	now := storetest.Epoch.Add(time.Minute)
	n, err := gw.Queries().TransitionOrder(ctx, store.OrderTransition{
		ID: order.ID, From: models.StatusCart, To: models.StatusCheckout,
		ExpectedVersion: order.Version, CheckoutAt: now, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Same expected version again loses.
	n, err = gw.Queries().TransitionOrder(ctx, store.OrderTransition{
		ID: order.ID, From: models.StatusCart, To: models.StatusCheckout,
		ExpectedVersion: order.Version, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got := storetest.ReloadOrder(t, db, order.ID)
	assert.Equal(t, models.StatusCheckout, got.Status)
	assert.Equal(t, order.Version+1, got.Version)
	assert.True(t, now.Equal(got.CheckoutAt))
}

func TestStockCountersMoveRelatively(t *testing.T) {
	gw, db := storetest.NewDB(t)
	ctx := context.Background()
	q := gw.Queries()
	p := storetest.Product(t, db, "Widget", "9.99", 5)

	n, err := q.ReserveStock(ctx, p.ID, 3, storetest.Epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.ReserveStock(ctx, p.ID, 3, storetest.Epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "only 2 left")

	n, err = q.CommitStock(ctx, p.ID, 2, storetest.Epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.CommitStock(ctx, p.ID, 2, storetest.Epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "committed may not exceed reserved")

	n, err = q.ReleaseStock(ctx, p.ID, 4, storetest.Epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "cannot release more than reserved")

	got := storetest.ReloadProduct(t, db, p.ID)
	assert.Equal(t, 2, got.StockAvailable)
	assert.Equal(t, 3, got.StockReserved)
	assert.Equal(t, 2, got.StockCommitted)
	assert.True(t, got.StockBalanced())
}

func TestActiveReservationIndexRejectsDuplicates(t *testing.T) {
	gw, db := storetest.NewDB(t)
	ctx := context.Background()
	user := storetest.User(t, db, false)
	p := storetest.Product(t, db, "Widget", "1.00", 10)
	order := storetest.Order(t, db, user.ID, models.StatusCart)

	row := func(status models.ReservationStatus) models.StockReservation {
		return models.StockReservation{
			ID: uuid.NewString(), OrderID: order.ID, ProductID: p.ID, Quantity: 1,
			Status: status, ExpiresAt: storetest.Epoch, CreatedAt: storetest.Epoch,
		}
	}

	require.NoError(t, gw.Queries().InsertReservations(ctx, []models.StockReservation{row(models.ReservationReleased)}))
	require.NoError(t, gw.Queries().InsertReservations(ctx, []models.StockReservation{row(models.ReservationActive)}))

	err := gw.Queries().InsertReservations(ctx, []models.StockReservation{row(models.ReservationActive)})
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.ConcurrentModification))
}

func TestRunInTxRollsBack(t *testing.T) {
	gw, db := storetest.NewDB(t)
	ctx := context.Background()
	p := storetest.Product(t, db, "Widget", "1.00", 10)

	boom := errors.New("boom")
	err := gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		if _, err := q.ReserveStock(ctx, p.ID, 4, storetest.Epoch); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got := storetest.ReloadProduct(t, db, p.ID)
	assert.Equal(t, 10, got.StockAvailable)
	assert.Equal(t, 0, got.StockReserved)
}

func TestFindExpiredReservationOrderIDs(t *testing.T) {
	gw, db := storetest.NewDB(t)
	user := storetest.User(t, db, false)
	a := storetest.Product(t, db, "A", "1.00", 10)
	b := storetest.Product(t, db, "B", "1.00", 10)

	expiredOrder := storetest.Order(t, db, user.ID, models.StatusCheckout)
	liveOrder := storetest.Order(t, db, user.ID, models.StatusCheckout)
	releasedOrder := storetest.Order(t, db, user.ID, models.StatusCancelled)

	past := storetest.Epoch.Add(-time.Minute)
	future := storetest.Epoch.Add(time.Hour)
	storetest.Reservation(t, db, expiredOrder.ID, a.ID, 1, models.ReservationActive, past)
	storetest.Reservation(t, db, expiredOrder.ID, b.ID, 1, models.ReservationActive, past)
	storetest.Reservation(t, db, liveOrder.ID, a.ID, 1, models.ReservationActive, future)
	storetest.Reservation(t, db, releasedOrder.ID, a.ID, 1, models.ReservationReleased, past)

	ids, err := gw.Queries().FindExpiredReservationOrderIDs(context.Background(), storetest.Epoch, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{expiredOrder.ID}, ids)
}

func TestFindAbandonedCartsFiltersConsent(t *testing.T) {
	gw, db := storetest.NewDB(t)
	consenting := storetest.User(t, db, true)
	declined := storetest.User(t, db, false)

	wanted := storetest.Order(t, db, consenting.ID, models.StatusCart)
	storetest.Order(t, db, declined.ID, models.StatusCart)
	storetest.Order(t, db, consenting.ID, models.StatusCheckout)

	carts, err := gw.Queries().FindAbandonedCarts(context.Background(),
		storetest.Epoch.Add(-time.Hour), storetest.Epoch.Add(time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.Equal(t, wanted.ID, carts[0].Order.ID)
	assert.Equal(t, consenting.Email, carts[0].User.Email)
}

func TestIncrementPromotionUsage(t *testing.T) {
	gw, db := storetest.NewDB(t)
	ctx := context.Background()
	user := storetest.User(t, db, false)

	require.NoError(t, gw.Queries().IncrementPromotionUsage(ctx, user.ID, "promo-1"))
	require.NoError(t, gw.Queries().IncrementPromotionUsage(ctx, user.ID, "promo-1"))

	usage, err := gw.Queries().GetPromotionUsage(ctx, user.ID, "promo-1")
	require.NoError(t, err)
	assert.Equal(t, 2, usage.Count)
}

func TestRecoveryClickStampedOnce(t *testing.T) {
	gw, db := storetest.NewDB(t)
	ctx := context.Background()
	user := storetest.User(t, db, true)
	order := storetest.Order(t, db, user.ID, models.StatusCart)

	require.NoError(t, gw.Queries().InsertRecoveryLog(ctx, &models.CartRecoveryLog{
		ID: uuid.NewString(), OrderID: order.ID, UserID: user.ID, Token: "tok",
		ExpiresAt: storetest.Epoch.Add(time.Hour), EmailSentAt: storetest.Epoch,
	}))

	n, err := gw.Queries().MarkRecoveryClicked(ctx, "tok", storetest.Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = gw.Queries().MarkRecoveryClicked(ctx, "tok", storetest.Epoch.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	entry, err := gw.Queries().GetRecoveryLogByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, storetest.Epoch.Add(time.Minute).Equal(entry.ClickedAt))
}

func TestSetPaymentIDRequiresCheckout(t *testing.T) {
	gw, db := storetest.NewDB(t)
	ctx := context.Background()
	user := storetest.User(t, db, false)
	now := storetest.Epoch.Add(time.Minute)

	cancelled := storetest.Order(t, db, user.ID, models.StatusCancelled)
	n, err := gw.Queries().SetPaymentID(ctx, cancelled.ID, "txn_late", cancelled.Version, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	got := storetest.ReloadOrder(t, db, cancelled.ID)
	assert.Empty(t, got.PaymentID)
	assert.Equal(t, cancelled.Version, got.Version)

	open := storetest.Order(t, db, user.ID, models.StatusCheckout)
	n, err = gw.Queries().SetPaymentID(ctx, open.ID, "txn_1", open.Version, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "txn_1", storetest.ReloadOrder(t, db, open.ID).PaymentID)
}

func TestMarkRecoveryEmailSentOnlyClaimsCarts(t *testing.T) {
	gw, db := storetest.NewDB(t)
	ctx := context.Background()
	user := storetest.User(t, db, true)
	now := storetest.Epoch.Add(24 * time.Hour)

	for _, status := range []models.OrderStatus{models.StatusCheckout, models.StatusCancelled} {
		o := storetest.Order(t, db, user.ID, status)
		n, err := gw.Queries().MarkRecoveryEmailSent(ctx, o.ID, "tok-"+string(status), now.Add(time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, status)

		got := storetest.ReloadOrder(t, db, o.ID)
		assert.False(t, got.RecoveryEmailSent, status)
		assert.Empty(t, got.RecoveryToken, status)
	}

	cart := storetest.Order(t, db, user.ID, models.StatusCart)
	n, err := gw.Queries().MarkRecoveryEmailSent(ctx, cart.ID, "tok-cart", now.Add(time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, storetest.ReloadOrder(t, db, cart.ID).RecoveryEmailSent)
}
