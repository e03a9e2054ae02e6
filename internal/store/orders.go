package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ms-orders/internal/models"
)

type OrderQueries interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	FindLatestOrder(ctx context.Context, userID string, status models.OrderStatus) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	InsertOrder(ctx context.Context, order *models.Order) error
	TransitionOrder(ctx context.Context, t OrderTransition) (int64, error)
	UpdateCartItems(ctx context.Context, id string, expectedVersion int64, items []models.OrderItem, now time.Time) (int64, error)
	SaveCheckoutSnapshot(ctx context.Context, s CheckoutSnapshot) (int64, error)
	SetPaymentID(ctx context.Context, id, paymentID string, expectedVersion int64, now time.Time) (int64, error)
	FindStaleCheckouts(ctx context.Context, checkoutBefore time.Time, limit int) ([]models.Order, error)
	FindStalePreparing(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Order, error)
	FindAbandonedCarts(ctx context.Context, createdFrom, createdTo time.Time, limit int) ([]models.AbandonedCart, error)
	MarkRecoveryEmailSent(ctx context.Context, orderID, token string, tokenExpiresAt, now time.Time) (int64, error)
	FindOrderByRecoveryToken(ctx context.Context, token string) (*models.Order, error)
}

// OrderTransition is the optimistic-lock commit of a status change: it only
// matches while the row still has From and ExpectedVersion.
type OrderTransition struct {
	ID              string
	From            models.OrderStatus
	To              models.OrderStatus
	ExpectedVersion int64
	// CheckoutAt is written when non-zero.
	CheckoutAt time.Time
	Now        time.Time
}

type CheckoutSnapshot struct {
	ID              string
	ExpectedVersion int64
	Items           []models.OrderItem
	Total           decimal.Decimal
	Promotions      []models.AppliedPromotion
	Now             time.Time
}

func (q *queries) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := q.db.NewSelect().
		Model(&order).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// FindLatestOrder returns the user's most recent order in status, newest
// checkout first for CHECKOUT orders.
func (q *queries) FindLatestOrder(ctx context.Context, userID string, status models.OrderStatus) (*models.Order, error) {
	var order models.Order
	query := q.db.NewSelect().
		Model(&order).
		Where("user_id = ?", userID).
		Where("status = ?", status)
	if status == models.StatusCheckout {
		query = query.OrderExpr("checkout_at DESC")
	}
	err := query.OrderExpr("created_at DESC").Limit(1).Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (q *queries) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := q.db.NewSelect().
		Model(&orders).
		Where("user_id = ?", userID).
		OrderExpr("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return orders, nil
}

func (q *queries) InsertOrder(ctx context.Context, order *models.Order) error {
	_, err := q.db.NewInsert().Model(order).Exec(ctx)
	return translateError(err)
}

func (q *queries) TransitionOrder(ctx context.Context, t OrderTransition) (int64, error) {
	query := q.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", t.To).
		Set("version = version + 1").
		Set("updated_at = ?", t.Now)
	if !t.CheckoutAt.IsZero() {
		query = query.Set("checkout_at = ?", t.CheckoutAt)
	}
	return rowsAffected(query.
		Where("id = ?", t.ID).
		Where("status = ?", t.From).
		Where("version = ?", t.ExpectedVersion).
		Exec(ctx))
}

func (q *queries) UpdateCartItems(ctx context.Context, id string, expectedVersion int64, items []models.OrderItem, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("items_snapshot = ?", jsonValue(items)).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.StatusCart).
		Where("version = ?", expectedVersion).
		Exec(ctx))
}

func (q *queries) SaveCheckoutSnapshot(ctx context.Context, s CheckoutSnapshot) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("items_snapshot = ?", jsonValue(s.Items)).
		Set("total_snapshot = ?", s.Total).
		Set("promo_snapshot = ?", jsonValue(s.Promotions)).
		Set("version = version + 1").
		Set("updated_at = ?", s.Now).
		Where("id = ?", s.ID).
		Where("status = ?", models.StatusCart).
		Where("version = ?", s.ExpectedVersion).
		Exec(ctx))
}

func (q *queries) SetPaymentID(ctx context.Context, id, paymentID string, expectedVersion int64, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payment_id = ?", paymentID).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.StatusCheckout).
		Where("version = ?", expectedVersion).
		Exec(ctx))
}

func (q *queries) FindStaleCheckouts(ctx context.Context, checkoutBefore time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := q.db.NewSelect().
		Model(&orders).
		Where("status = ?", models.StatusCheckout).
		Where("checkout_at < ?", checkoutBefore).
		OrderExpr("checkout_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return orders, nil
}

func (q *queries) FindStalePreparing(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := q.db.NewSelect().
		Model(&orders).
		Where("status = ?", models.StatusPreparing).
		Where("updated_at < ?", updatedBefore).
		OrderExpr("updated_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return orders, nil
}

// FindAbandonedCarts loads unflagged CART orders created inside the window
// whose owners accepted marketing, then attaches the owners.
func (q *queries) FindAbandonedCarts(ctx context.Context, createdFrom, createdTo time.Time, limit int) ([]models.AbandonedCart, error) {
	consenting := q.db.NewSelect().
		Model((*models.User)(nil)).
		Column("id").
		Where("marketing_consent = ?", true)

	var orders []models.Order
	err := q.db.NewSelect().
		Model(&orders).
		Where("status = ?", models.StatusCart).
		Where("recovery_email_sent = ?", false).
		Where("created_at >= ?", createdFrom).
		Where("created_at <= ?", createdTo).
		Where("user_id IN (?)", consenting).
		OrderExpr("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	if len(orders) == 0 {
		return nil, nil
	}

	userIDs := make([]string, 0, len(orders))
	for _, o := range orders {
		userIDs = append(userIDs, o.UserID)
	}
	users, err := q.GetUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	carts := make([]models.AbandonedCart, 0, len(orders))
	for _, o := range orders {
		u, ok := byID[o.UserID]
		if !ok {
			continue
		}
		carts = append(carts, models.AbandonedCart{Order: o, User: u})
	}
	return carts, nil
}

func (q *queries) MarkRecoveryEmailSent(ctx context.Context, orderID, token string, tokenExpiresAt, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("recovery_email_sent = ?", true).
		Set("recovery_token = ?", token).
		Set("recovery_token_expires_at = ?", tokenExpiresAt).
		Set("updated_at = ?", now).
		Where("id = ?", orderID).
		Where("status = ?", models.StatusCart).
		Where("recovery_email_sent = ?", false).
		Exec(ctx))
}

func (q *queries) FindOrderByRecoveryToken(ctx context.Context, token string) (*models.Order, error) {
	var order models.Order
	err := q.db.NewSelect().
		Model(&order).
		Where("recovery_token = ?", token).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}
