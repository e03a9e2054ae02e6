package store

import (
	"context"

	"github.com/uptrace/bun"

	"ms-orders/internal/models"
)

type UserQueries interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUsers(ctx context.Context, ids []string) ([]models.User, error)
	InsertUser(ctx context.Context, user *models.User) error
}

func (q *queries) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := q.db.NewSelect().
		Model(&user).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (q *queries) GetUsers(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []models.User
	err := q.db.NewSelect().
		Model(&users).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return users, nil
}

func (q *queries) InsertUser(ctx context.Context, user *models.User) error {
	_, err := q.db.NewInsert().Model(user).Exec(ctx)
	return translateError(err)
}
