// Package storetest opens in-memory SQLite databases with the full schema
// for package tests.
package storetest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-orders/internal/models"
	"ms-orders/internal/store"
)

// Epoch is the default "now" used by seed helpers.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewDB returns a gateway over a private in-memory database. A single
// connection keeps every statement on the same database, so code under test
// must only use the Queries handed to it inside RunInTx.
func NewDB(t *testing.T) (*store.DB, *bun.DB) {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = bunDB.Close() })

	require.NoError(t, store.CreateSchema(context.Background(), bunDB))

	gw := store.New(bunDB)
	// SQLite serialises writers on its own.
	gw.TxOptions = nil
	return gw, bunDB
}

func Product(t *testing.T, db *bun.DB, name string, price string, stock int) *models.Product {
	t.Helper()
	p := &models.Product{
		ID:             uuid.NewString(),
		Name:           name,
		Price:          decimal.RequireFromString(price),
		StockTotal:     stock,
		StockAvailable: stock,
		CreatedAt:      Epoch,
		UpdatedAt:      Epoch,
	}
	_, err := db.NewInsert().Model(p).Exec(context.Background())
	require.NoError(t, err)
	return p
}

func User(t *testing.T, db *bun.DB, consent bool) *models.User {
	t.Helper()
	id := uuid.NewString()
	u := &models.User{
		ID:               id,
		Email:            id + "@example.com",
		Name:             "Test User",
		MarketingConsent: consent,
		CreatedAt:        Epoch,
	}
	_, err := db.NewInsert().Model(u).Exec(context.Background())
	require.NoError(t, err)
	return u
}

// Item builds a cart line priced from the product.
func Item(p *models.Product, qty int) models.OrderItem {
	return models.OrderItem{
		ProductID:    p.ID,
		Name:         p.Name,
		UnitPrice:    p.Price,
		Quantity:     qty,
		LineSubtotal: p.Price.Mul(decimal.NewFromInt(int64(qty))),
	}
}

// Order inserts an order in the given status. CHECKOUT orders get a checkout
// timestamp and a total summed from the items.
func Order(t *testing.T, db *bun.DB, userID string, status models.OrderStatus, items ...models.OrderItem) *models.Order {
	t.Helper()
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineSubtotal)
	}
	o := &models.Order{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        status,
		Version:       1,
		ItemsSnapshot: items,
		TotalSnapshot: total,
		CreatedAt:     Epoch,
		UpdatedAt:     Epoch,
	}
	if status != models.StatusCart {
		o.CheckoutAt = Epoch
	}
	_, err := db.NewInsert().Model(o).Exec(context.Background())
	require.NoError(t, err)
	return o
}

// Reservation inserts a reservation row directly, bypassing the stock
// counters. Callers that need balanced stock adjust the product themselves.
func Reservation(t *testing.T, db *bun.DB, orderID, productID string, qty int, status models.ReservationStatus, expiresAt time.Time) *models.StockReservation {
	t.Helper()
	r := &models.StockReservation{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  qty,
		Status:    status,
		ExpiresAt: expiresAt,
		CreatedAt: Epoch,
	}
	_, err := db.NewInsert().Model(r).Exec(context.Background())
	require.NoError(t, err)
	return r
}

func ReloadProduct(t *testing.T, db *bun.DB, id string) *models.Product {
	t.Helper()
	var p models.Product
	require.NoError(t, db.NewSelect().Model(&p).Where("id = ?", id).Scan(context.Background()))
	return &p
}

func ReloadOrder(t *testing.T, db *bun.DB, id string) *models.Order {
	t.Helper()
	var o models.Order
	require.NoError(t, db.NewSelect().Model(&o).Where("id = ?", id).Scan(context.Background()))
	return &o
}

func Reservations(t *testing.T, db *bun.DB, orderID string) []models.StockReservation {
	t.Helper()
	var rows []models.StockReservation
	require.NoError(t, db.NewSelect().Model(&rows).Where("order_id = ?", orderID).OrderExpr("product_id ASC").Scan(context.Background()))
	return rows
}

func Audit(t *testing.T, db *bun.DB, orderID string) []models.OrderStateAudit {
	t.Helper()
	var rows []models.OrderStateAudit
	require.NoError(t, db.NewSelect().Model(&rows).Where("order_id = ?", orderID).OrderExpr("created_at ASC").Scan(context.Background()))
	return rows
}
