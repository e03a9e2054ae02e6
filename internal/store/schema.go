package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-orders/internal/models"
)

// ActiveReservationIndex keeps at most one ACTIVE reservation per
// (order, product).
const ActiveReservationIndex = "ux_stock_reservations_active"

// Tables lists every model in dependency order.
var Tables = []interface{}{
	(*models.User)(nil),
	(*models.Product)(nil),
	(*models.Order)(nil),
	(*models.StockReservation)(nil),
	(*models.OrderStateAudit)(nil),
	(*models.Promotion)(nil),
	(*models.PromotionUsage)(nil),
	(*models.PaymentAttempt)(nil),
	(*models.CartRecoveryLog)(nil),
}

type tableIndex struct {
	model   interface{}
	name    string
	columns []string
}

var indexes = []tableIndex{
	{(*models.Order)(nil), "ix_orders_user_status", []string{"user_id", "status"}},
	{(*models.Order)(nil), "ix_orders_status_checkout_at", []string{"status", "checkout_at"}},
	{(*models.StockReservation)(nil), "ix_stock_reservations_order", []string{"order_id", "status"}},
	{(*models.StockReservation)(nil), "ix_stock_reservations_expiry", []string{"status", "expires_at"}},
	{(*models.OrderStateAudit)(nil), "ix_order_state_audits_order", []string{"order_id"}},
	{(*models.PaymentAttempt)(nil), "ix_payment_attempts_order", []string{"order_id", "created_at"}},
}

// CreateSchema builds the tables straight from the bun models. Production
// databases are managed by the SQL files under migrations/; this is for tests
// and local development.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	for _, m := range Tables {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}

	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON stock_reservations (order_id, product_id) WHERE status = 'ACTIVE'",
		ActiveReservationIndex,
	))
	if err != nil {
		return fmt.Errorf("create index %s: %w", ActiveReservationIndex, err)
	}
	return nil
}

// DropSchema removes every table, newest dependency first.
func DropSchema(ctx context.Context, db *bun.DB) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(Tables[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop table for %T: %w", Tables[i], err)
		}
	}
	return nil
}
