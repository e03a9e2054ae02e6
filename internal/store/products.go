package store

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"ms-orders/internal/models"
)

// ProductQueries only ever adjusts stock counters relative to their current
// value; none of them overwrite a counter.
type ProductQueries interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	GetProducts(ctx context.Context, ids []string) ([]models.Product, error)
	InsertProduct(ctx context.Context, product *models.Product) error
	ReserveStock(ctx context.Context, productID string, qty int, now time.Time) (int64, error)
	ReleaseStock(ctx context.Context, productID string, qty int, now time.Time) (int64, error)
	CommitStock(ctx context.Context, productID string, qty int, now time.Time) (int64, error)
}

func (q *queries) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := q.db.NewSelect().
		Model(&product).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (q *queries) GetProducts(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var products []models.Product
	err := q.db.NewSelect().
		Model(&products).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return products, nil
}

func (q *queries) InsertProduct(ctx context.Context, product *models.Product) error {
	_, err := q.db.NewInsert().Model(product).Exec(ctx)
	return translateError(err)
}

// ReserveStock moves qty from available to reserved. Zero rows means the
// product is missing or has fewer than qty available.
func (q *queries) ReserveStock(ctx context.Context, productID string, qty int, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.Product)(nil)).
		Set("stock_available = stock_available - ?", qty).
		Set("stock_reserved = stock_reserved + ?", qty).
		Set("updated_at = ?", now).
		Where("id = ?", productID).
		Where("stock_available >= ?", qty).
		Exec(ctx))
}

// ReleaseStock moves qty from reserved back to available.
func (q *queries) ReleaseStock(ctx context.Context, productID string, qty int, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.Product)(nil)).
		Set("stock_available = stock_available + ?", qty).
		Set("stock_reserved = stock_reserved - ?", qty).
		Set("updated_at = ?", now).
		Where("id = ?", productID).
		Where("stock_reserved >= ?", qty).
		Exec(ctx))
}

// CommitStock marks qty of the reserved stock as sold. Reserved and
// available are untouched.
func (q *queries) CommitStock(ctx context.Context, productID string, qty int, now time.Time) (int64, error) {
	return rowsAffected(q.db.NewUpdate().
		Model((*models.Product)(nil)).
		Set("stock_committed = stock_committed + ?", qty).
		Set("updated_at = ?", now).
		Where("id = ?", productID).
		Where("stock_committed + ? <= stock_reserved", qty).
		Exec(ctx))
}
