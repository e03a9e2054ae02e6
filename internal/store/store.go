// Package store is the persistence gateway: typed finders and conditional
// updates over bun, plus serializable transactions. Every write that guards on
// current state returns the affected row count so callers can detect lost
// races.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/uptrace/bun"

	"ms-orders/internal/apperror"
)

// ErrNotFound is returned by single-row finders when nothing matches.
var ErrNotFound = errors.New("record not found")

// Queries is everything the services may run, inside or outside a
// transaction.
type Queries interface {
	OrderQueries
	ReservationQueries
	ProductQueries
	AuditQueries
	UserQueries
	PromotionQueries
	PaymentQueries
	RecoveryQueries
}

type Gateway interface {
	// RunInTx runs fn inside one transaction. fn must use only the Queries it
	// receives. A non-nil return rolls everything back.
	RunInTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	// Queries runs statements outside any transaction.
	Queries() Queries
}

type DB struct {
	Bun       *bun.DB
	TxOptions *sql.TxOptions
}

// New returns a gateway whose transactions run at serializable isolation.
func New(db *bun.DB) *DB {
	return &DB{
		Bun:       db,
		TxOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
	}
}

func (d *DB) Queries() Queries {
	return &queries{db: d.Bun}
}

func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	err := d.Bun.RunInTx(ctx, d.TxOptions, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &queries{db: tx})
	})
	return translateError(err)
}

type queries struct {
	db bun.IDB
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return translateError(err)
}

// translateError turns driver-level conflicts into CONCURRENT_MODIFICATION so
// callers see one retryable kind whatever the backend.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return apperror.Wrap(apperror.ConcurrentModification, err, "transaction conflict")
		case "23505":
			if pqErr.Constraint == ActiveReservationIndex {
				return apperror.Wrap(apperror.ConcurrentModification, err, "reservation already active")
			}
		}
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "UNIQUE constraint failed: stock_reservations"):
		return apperror.Wrap(apperror.ConcurrentModification, err, "transaction conflict")
	}
	return err
}

// jsonValue renders a JSON column value for Set clauses.
func jsonValue(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
