package store

import (
	"context"

	"ms-orders/internal/models"
)

type AuditQueries interface {
	InsertAudit(ctx context.Context, audit *models.OrderStateAudit) error
	ListAudit(ctx context.Context, orderID string) ([]models.OrderStateAudit, error)
}

func (q *queries) InsertAudit(ctx context.Context, audit *models.OrderStateAudit) error {
	_, err := q.db.NewInsert().Model(audit).Exec(ctx)
	return translateError(err)
}

func (q *queries) ListAudit(ctx context.Context, orderID string) ([]models.OrderStateAudit, error) {
	var rows []models.OrderStateAudit
	err := q.db.NewSelect().
		Model(&rows).
		Where("order_id = ?", orderID).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return rows, nil
}
