package store

import (
	"context"

	"ms-orders/internal/models"
)

type PaymentQueries interface {
	InsertPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	GetPaymentAttempt(ctx context.Context, id string) (*models.PaymentAttempt, error)
	GetLatestPaymentAttempt(ctx context.Context, orderID string) (*models.PaymentAttempt, error)
	ListPaymentAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error)
	UpdatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
}

func (q *queries) InsertPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	_, err := q.db.NewInsert().Model(attempt).Exec(ctx)
	return translateError(err)
}

func (q *queries) GetPaymentAttempt(ctx context.Context, id string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := q.db.NewSelect().
		Model(&attempt).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &attempt, nil
}

func (q *queries) GetLatestPaymentAttempt(ctx context.Context, orderID string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := q.db.NewSelect().
		Model(&attempt).
		Where("order_id = ?", orderID).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &attempt, nil
}

func (q *queries) ListPaymentAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := q.db.NewSelect().
		Model(&attempts).
		Where("order_id = ?", orderID).
		OrderExpr("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return attempts, nil
}

func (q *queries) UpdatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	_, err := q.db.NewUpdate().
		Model(attempt).
		Column("status", "transaction_id", "error_code", "error_type", "updated_at").
		WherePK().
		Exec(ctx)
	return translateError(err)
}
