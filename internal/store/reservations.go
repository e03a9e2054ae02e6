package store

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"ms-orders/internal/models"
)

type ReservationQueries interface {
	ListReservations(ctx context.Context, orderID string, statuses ...models.ReservationStatus) ([]models.StockReservation, error)
	InsertReservations(ctx context.Context, rows []models.StockReservation) error
	ReleaseReservation(ctx context.Context, id, reason string, now time.Time) (int64, error)
	ConfirmReservations(ctx context.Context, orderID string, now time.Time) (int64, error)
	SetReservationsExpiry(ctx context.Context, orderID string, expiresAt time.Time) (int64, error)
	FindExpiredReservationOrderIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// ListReservations returns the order's reservations, optionally filtered by
// status, in creation order.
func (q *queries) ListReservations(ctx context.Context, orderID string, statuses ...models.ReservationStatus) ([]models.StockReservation, error) {
	var rows []models.StockReservation
	query := q.db.NewSelect().
		Model(&rows).
		Where("order_id = ?", orderID)
	if len(statuses) > 0 {
		query = query.Where("status IN (?)", bun.In(statuses))
	}
	err := query.OrderExpr("created_at ASC, product_id ASC").Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return rows, nil
}

func (q *queries) InsertReservations(ctx context.Context, rows []models.StockReservation) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := q.db.NewInsert().Model(&rows).Exec(ctx)
	return translateError(err)
}

// ReleaseReservation flips one ACTIVE row to RELEASED. Zero rows means the
// row was no longer ACTIVE.
func (q *queries) ReleaseReservation(ctx context.Context, id, reason string, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.StockReservation)(nil)).
		Set("status = ?", models.ReservationReleased).
		Set("released_at = ?", now).
		Set("release_reason = ?", reason).
		Where("id = ?", id).
		Where("status = ?", models.ReservationActive).
		Exec(ctx))
}

func (q *queries) ConfirmReservations(ctx context.Context, orderID string, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.StockReservation)(nil)).
		Set("status = ?", models.ReservationConfirmed).
		Set("confirmed_at = ?", now).
		Where("order_id = ?", orderID).
		Where("status = ?", models.ReservationActive).
		Exec(ctx))
}

func (q *queries) SetReservationsExpiry(ctx context.Context, orderID string, expiresAt time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.StockReservation)(nil)).
		Set("expires_at = ?", expiresAt).
		Where("order_id = ?", orderID).
		Where("status = ?", models.ReservationActive).
		Exec(ctx))
}

// FindExpiredReservationOrderIDs returns each order with at least one ACTIVE
// reservation past its expiry once, oldest expiry first.
func (q *queries) FindExpiredReservationOrderIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var orderIDs []string
	err := q.db.NewSelect().
		Table("stock_reservations").
		Column("order_id").
		Where("status = ?", models.ReservationActive).
		Where("expires_at <= ?", now).
		Group("order_id").
		OrderExpr("MIN(expires_at) ASC").
		Limit(limit).
		Scan(ctx, &orderIDs)
	if err != nil {
		return nil, translateError(err)
	}
	return orderIDs, nil
}
