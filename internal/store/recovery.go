package store

import (
	"context"
	"time"

	"ms-orders/internal/models"
)

type RecoveryQueries interface {
	InsertRecoveryLog(ctx context.Context, entry *models.CartRecoveryLog) error
	GetRecoveryLogByOrder(ctx context.Context, orderID string) (*models.CartRecoveryLog, error)
	MarkRecoveryClicked(ctx context.Context, token string, now time.Time) (int64, error)
	MarkRecoveryConverted(ctx context.Context, orderID string, now time.Time) (int64, error)
	ListRecoveryLogs(ctx context.Context, sentFrom, sentTo *time.Time) ([]models.CartRecoveryLog, error)
}

func (q *queries) InsertRecoveryLog(ctx context.Context, entry *models.CartRecoveryLog) error {
	_, err := q.db.NewInsert().Model(entry).Exec(ctx)
	return translateError(err)
}

func (q *queries) GetRecoveryLogByOrder(ctx context.Context, orderID string) (*models.CartRecoveryLog, error) {
	var entry models.CartRecoveryLog
	err := q.db.NewSelect().
		Model(&entry).
		Where("order_id = ?", orderID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

// MarkRecoveryClicked stamps the first click only.
func (q *queries) MarkRecoveryClicked(ctx context.Context, token string, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.CartRecoveryLog)(nil)).
		Set("clicked_at = ?", now).
		Where("token = ?", token).
		Where("clicked_at IS NULL").
		Exec(ctx))
}

// MarkRecoveryConverted stamps the first conversion only.
func (q *queries) MarkRecoveryConverted(ctx context.Context, orderID string, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.CartRecoveryLog)(nil)).
		Set("converted_at = ?", now).
		Where("order_id = ?", orderID).
		Where("converted_at IS NULL").
		Exec(ctx))
}

func (q *queries) ListRecoveryLogs(ctx context.Context, sentFrom, sentTo *time.Time) ([]models.CartRecoveryLog, error) {
	var entries []models.CartRecoveryLog
	query := q.db.NewSelect().Model(&entries)
	if sentFrom != nil {
		query = query.Where("email_sent_at >= ?", *sentFrom)
	}
	if sentTo != nil {
		query = query.Where("email_sent_at <= ?", *sentTo)
	}
	err := query.OrderExpr("email_sent_at ASC").Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return entries, nil
}
