package reservation_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-orders/internal/apperror"
	"ms-orders/internal/config"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/reservation"
	"ms-orders/internal/store"
	"ms-orders/internal/store/storetest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked map[string]time.Time
}

func (f *fakeTracker) Track(_ context.Context, orderID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[orderID] = expiresAt
	return nil
}

func (f *fakeTracker) Forget(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracked, orderID)
	return nil
}

func setupEngine(t *testing.T) (*reservation.Engine, *store.DB, *bun.DB, *testClock) {
	gw, db := storetest.NewDB(t)
	clock := &testClock{now: storetest.Epoch}
	engine := reservation.NewEngine(gw, logger.NewTestLogger(io.Discard), reservation.WithClock(clock.Now))
	return engine, gw, db, clock
}

func TestReserveThenRelease(t *testing.T) {
	engine, _, db, clock := setupEngine(t)
	ctx := context.Background()
	p := storetest.Product(t, db, "Widget", "5.00", 10)

	res, err := engine.Reserve(ctx, "order-1", []reservation.Item{{ProductID: p.ID, Quantity: 2}}, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Idempotent)
	require.Len(t, res.Reservations, 1)
	assert.Equal(t, models.ReservationActive, res.Reservations[0].Status)
	assert.True(t, clock.Now().Add(5*time.Minute).Equal(res.ExpiresAt))

	got := storetest.ReloadProduct(t, db, p.ID)
	assert.Equal(t, 8, got.StockAvailable)
	assert.Equal(t, 2, got.StockReserved)

	rel, err := engine.Release(ctx, "order-1", "TEST")
	require.NoError(t, err)
	assert.Equal(t, 1, rel.ReleasedCount)
	assert.False(t, rel.Idempotent)

	got = storetest.ReloadProduct(t, db, p.ID)
	assert.Equal(t, 10, got.StockAvailable)
	assert.Equal(t, 0, got.StockReserved)
	assert.True(t, got.StockBalanced())

	rows := storetest.Reservations(t, db, "order-1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.ReservationReleased, rows[0].Status)
	assert.Equal(t, "TEST", rows[0].ReleaseReason)
	assert.False(t, rows[0].ReleasedAt.IsZero())

	rel, err = engine.Release(ctx, "order-1", "TEST")
	require.NoError(t, err)
	assert.Equal(t, 0, rel.ReleasedCount)
	assert.True(t, rel.Idempotent)
}

func TestReserveValidation(t *testing.T) {
	engine, _, _, _ := setupEngine(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		items []reservation.Item
		kind  apperror.Kind
	}{
		{"no items", nil, apperror.InvalidItems},
		{"blank product", []reservation.Item{{ProductID: "  ", Quantity: 1}}, apperror.InvalidItems},
		{"zero quantity", []reservation.Item{{ProductID: "p", Quantity: 0}}, apperror.InvalidQuantity},
		{"negative quantity", []reservation.Item{{ProductID: "p", Quantity: -3}}, apperror.InvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Reserve(ctx, "order-1", tt.items, time.Minute)
			assert.True(t, apperror.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestReserveIsIdempotent(t *testing.T) {
	engine, _, db, _ := setupEngine(t)
	ctx := context.Background()
	p := storetest.Product(t, db, "Widget", "5.00", 10)
	items := []reservation.Item{{ProductID: p.ID, Quantity: 3}}

	first, err := engine.Reserve(ctx, "order-1", items, time.Minute)
	require.NoError(t, err)
	second, err := engine.Reserve(ctx, "order-1", items, time.Hour)
	require.NoError(t, err)

	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Reservations[0].ID, second.Reservations[0].ID)
	assert.True(t, first.ExpiresAt.Equal(second.ExpiresAt))

	got := storetest.ReloadProduct(t, db, p.ID)
	assert.Equal(t, 7, got.StockAvailable)
	assert.Equal(t, 3, got.StockReserved)
}

func TestReserveIsAllOrNothing(t *testing.T) {
	engine, _, db, _ := setupEngine(t)
	ctx := context.Background()
	plenty := storetest.Product(t, db, "Plenty", "1.00", 10)
	scarce := storetest.Product(t, db, "Scarce", "1.00", 1)

	_, err := engine.Reserve(ctx, "order-1", []reservation.Item{
		{ProductID: plenty.ID, Quantity: 2},
		{ProductID: scarce.ID, Quantity: 5},
		{ProductID: "ghost", Quantity: 1},
	}, time.Minute)
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.InsufficientStock))

	shortages, ok := apperror.DetailsOf(err).([]apperror.StockShortage)
	require.True(t, ok)
	require.Len(t, shortages, 2)
	assert.Equal(t, apperror.StockShortage{ProductID: scarce.ID, Reason: apperror.InsufficientStock, Requested: 5, Available: 1}, shortages[0])
	assert.Equal(t, apperror.ProductNotFound, shortages[1].Reason)

	assert.Empty(t, storetest.Reservations(t, db, "order-1"))
	assert.Equal(t, 10, storetest.ReloadProduct(t, db, plenty.ID).StockAvailable)
	assert.Equal(t, 1, storetest.ReloadProduct(t, db, scarce.ID).StockAvailable)
}

func TestReserveCoalescesDuplicateProducts(t *testing.T) {
	engine, _, db, _ := setupEngine(t)
	p := storetest.Product(t, db, "Widget", "1.00", 10)

	res, err := engine.Reserve(context.Background(), "order-1", []reservation.Item{
		{ProductID: p.ID, Quantity: 2},
		{ProductID: p.ID, Quantity: 3},
	}, time.Minute)
	require.NoError(t, err)
	require.Len(t, res.Reservations, 1)
	assert.Equal(t, 5, res.Reservations[0].Quantity)
	assert.Equal(t, 5, storetest.ReloadProduct(t, db, p.ID).StockReserved)
}

func TestReserveDefaultsDuration(t *testing.T) {
	engine, _, db, clock := setupEngine(t)
	p := storetest.Product(t, db, "Widget", "1.00", 10)

	res, err := engine.Reserve(context.Background(), "order-1", []reservation.Item{{ProductID: p.ID, Quantity: 1}}, 0)
	require.NoError(t, err)
	assert.True(t, clock.Now().Add(reservation.DefaultDuration).Equal(res.ExpiresAt))
}

func TestIsExpiredAndExtend(t *testing.T) {
	engine, _, db, clock := setupEngine(t)
	ctx := context.Background()
	p := storetest.Product(t, db, "Widget", "1.00", 10)

	expired, err := engine.IsExpired(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, expired, "no reservations")

	_, err = engine.Extend(ctx, "order-1", time.Minute)
	assert.True(t, apperror.IsKind(err, apperror.NoActiveReservation))

	res, err := engine.Reserve(ctx, "order-1", []reservation.Item{{ProductID: p.ID, Quantity: 1}}, time.Minute)
	require.NoError(t, err)

	_, err = engine.Extend(ctx, "order-1", 0)
	assert.True(t, apperror.IsKind(err, apperror.InvalidDuration))

	ext, err := engine.Extend(ctx, "order-1", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, res.ExpiresAt.Equal(ext.OldExpiresAt))
	assert.True(t, res.ExpiresAt.Add(10*time.Minute).Equal(ext.NewExpiresAt))
	assert.Equal(t, 1, ext.Extended)

	clock.Advance(5 * time.Minute)
	expired, err = engine.IsExpired(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, expired)

	clock.Advance(10 * time.Minute)
	expired, err = engine.IsExpired(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestConfirmTxCommitsStock(t *testing.T) {
	engine, gw, db, _ := setupEngine(t)
	ctx := context.Background()
	p := storetest.Product(t, db, "Widget", "1.00", 10)

	_, err := engine.Reserve(ctx, "order-1", []reservation.Item{{ProductID: p.ID, Quantity: 4}}, time.Minute)
	require.NoError(t, err)

	err = gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		n, err := engine.ConfirmTx(ctx, q, "order-1")
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)

	rows := storetest.Reservations(t, db, "order-1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.ReservationConfirmed, rows[0].Status)

	got := storetest.ReloadProduct(t, db, p.ID)
	assert.Equal(t, 6, got.StockAvailable)
	assert.Equal(t, 4, got.StockReserved)
	assert.Equal(t, 4, got.StockCommitted)
	assert.True(t, got.StockBalanced())

	// Confirmed rows are not released.
	rel, err := engine.Release(ctx, "order-1", "TEST")
	require.NoError(t, err)
	assert.True(t, rel.Idempotent)
}

func TestGetActiveReservationsJoinsProducts(t *testing.T) {
	engine, _, db, _ := setupEngine(t)
	ctx := context.Background()
	p := storetest.Product(t, db, "Widget", "12.50", 10)

	details, err := engine.GetActiveReservations(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, details)

	_, err = engine.Reserve(ctx, "order-1", []reservation.Item{{ProductID: p.ID, Quantity: 1}}, time.Minute)
	require.NoError(t, err)

	details, err = engine.GetActiveReservations(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "Widget", details[0].ProductName)
	assert.Equal(t, "12.50", details[0].ProductPrice.StringFixed(2))
}

func TestHandleExpiryReleasesOnlyExpiredHolds(t *testing.T) {
	gw, db := storetest.NewDB(t)
	clock := &testClock{now: storetest.Epoch}
	tracker := &fakeTracker{tracked: map[string]time.Time{}}
	engine := reservation.NewEngine(gw, logger.NewTestLogger(io.Discard),
		reservation.WithClock(clock.Now), reservation.WithTracker(tracker))
	ctx := context.Background()
	p := storetest.Product(t, db, "Widget", "1.00", 10)

	res, err := engine.Reserve(ctx, "order-1", []reservation.Item{{ProductID: p.ID, Quantity: 2}}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.ExpiresAt.Equal(tracker.tracked["order-1"]))

	engine.HandleExpiry(ctx, "order-1")
	assert.Equal(t, 2, storetest.ReloadProduct(t, db, p.ID).StockReserved, "not yet expired")

	clock.Advance(150 * time.Millisecond)
	engine.HandleExpiry(ctx, "order-1")

	got := storetest.ReloadProduct(t, db, p.ID)
	assert.Equal(t, 10, got.StockAvailable)
	assert.Equal(t, 0, got.StockReserved)
	assert.Equal(t, reservation.ReasonExpired, storetest.Reservations(t, db, "order-1")[0].ReleaseReason)
	assert.NotContains(t, tracker.tracked, "order-1")
}

func TestDurationFor(t *testing.T) {
	gw, _ := storetest.NewDB(t)
	engine := reservation.NewEngine(gw, logger.NewTestLogger(io.Discard))

	assert.Equal(t, 15*time.Minute, engine.DurationFor("CREDIT_CARD"))
	assert.Equal(t, time.Hour, engine.DurationFor("bank_transfer"))
	assert.Equal(t, 5*time.Minute, engine.DurationFor("WALLET"))
	assert.Equal(t, 10*time.Minute, engine.DurationFor("CASH"))

	engine = reservation.NewEngine(gw, logger.NewTestLogger(io.Discard), reservation.WithDurations(config.ReservationConfig{
		DefaultDuration: 20 * time.Minute,
		MethodDurations: map[string]time.Duration{"WALLET": 2 * time.Minute},
	}))
	assert.Equal(t, 2*time.Minute, engine.DurationFor("WALLET"))
	assert.Equal(t, 20*time.Minute, engine.DurationFor("CASH"))
}
