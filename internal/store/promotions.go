package store

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"ms-orders/internal/models"
)

type PromotionQueries interface {
	FindActiveAutoPromotions(ctx context.Context, now time.Time) ([]models.Promotion, error)
	GetPromotionByCode(ctx context.Context, code string) (*models.Promotion, error)
	GetPromotions(ctx context.Context, ids []string) ([]models.Promotion, error)
	InsertPromotion(ctx context.Context, promotion *models.Promotion) error
	GetPromotionUsage(ctx context.Context, userID, promotionID string) (*models.PromotionUsage, error)
	ListPromotionUsage(ctx context.Context, userID string) ([]models.PromotionUsage, error)
	IncrementPromotionUsage(ctx context.Context, userID, promotionID string) error
}

func (q *queries) FindActiveAutoPromotions(ctx context.Context, now time.Time) ([]models.Promotion, error) {
	var promotions []models.Promotion
	err := q.db.NewSelect().
		Model(&promotions).
		Where("tag = ?", models.TagAuto).
		Where("active = ?", true).
		WhereGroup(" AND ", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("expires_at IS NULL").WhereOr("expires_at > ?", now)
		}).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return promotions, nil
}

func (q *queries) GetPromotionByCode(ctx context.Context, code string) (*models.Promotion, error) {
	var promotion models.Promotion
	err := q.db.NewSelect().
		Model(&promotion).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &promotion, nil
}

func (q *queries) GetPromotions(ctx context.Context, ids []string) ([]models.Promotion, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var promotions []models.Promotion
	err := q.db.NewSelect().
		Model(&promotions).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return promotions, nil
}

func (q *queries) InsertPromotion(ctx context.Context, promotion *models.Promotion) error {
	_, err := q.db.NewInsert().Model(promotion).Exec(ctx)
	return translateError(err)
}

func (q *queries) GetPromotionUsage(ctx context.Context, userID, promotionID string) (*models.PromotionUsage, error) {
	var usage models.PromotionUsage
	err := q.db.NewSelect().
		Model(&usage).
		Where("user_id = ?", userID).
		Where("promotion_id = ?", promotionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &usage, nil
}

func (q *queries) ListPromotionUsage(ctx context.Context, userID string) ([]models.PromotionUsage, error) {
	var usages []models.PromotionUsage
	err := q.db.NewSelect().
		Model(&usages).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return usages, nil
}

// IncrementPromotionUsage bumps the user's counter, creating it at 1 on first
// use. Call it inside a transaction.
func (q *queries) IncrementPromotionUsage(ctx context.Context, userID, promotionID string) error {
	n, err := rowsAffected(q.db.NewUpdate().
		Model((*models.PromotionUsage)(nil)).
		Set("count = count + 1").
		Where("user_id = ?", userID).
		Where("promotion_id = ?", promotionID).
		Exec(ctx))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	usage := &models.PromotionUsage{UserID: userID, PromotionID: promotionID, Count: 1}
	_, err = q.db.NewInsert().Model(usage).Exec(ctx)
	return translateError(err)
}
