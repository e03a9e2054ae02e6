package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// StockReservation is a time-bounded hold on one product for one order.
// Rows are never deleted.
type StockReservation struct {
	bun.BaseModel `bun:"table:stock_reservations,alias:sr"`

	ID            string            `bun:"id,pk" json:"id"`
	OrderID       string            `bun:"order_id,notnull" json:"orderId"`
	ProductID     string            `bun:"product_id,notnull" json:"productId"`
	Quantity      int               `bun:"quantity,notnull" json:"quantity"`
	Status        ReservationStatus `bun:"status,notnull" json:"status"`
	ExpiresAt     time.Time         `bun:"expires_at,notnull" json:"expiresAt"`
	ReleasedAt    time.Time         `bun:"released_at,nullzero" json:"releasedAt,omitempty"`
	ReleaseReason string            `bun:"release_reason,nullzero" json:"releaseReason,omitempty"`
	ConfirmedAt   time.Time         `bun:"confirmed_at,nullzero" json:"confirmedAt,omitempty"`
	CreatedAt     time.Time         `bun:"created_at,notnull" json:"createdAt"`
}

type Product struct {
	bun.BaseModel `bun:"table:products,alias:p"`

	ID             string          `bun:"id,pk" json:"id"`
	Name           string          `bun:"name,notnull" json:"name"`
	Price          decimal.Decimal `bun:"price,type:numeric" json:"price"`
	StockTotal     int             `bun:"stock_total,notnull" json:"stockTotal"`
	StockAvailable int             `bun:"stock_available,notnull" json:"stockAvailable"`
	StockReserved  int             `bun:"stock_reserved,notnull" json:"stockReserved"`
	StockCommitted int             `bun:"stock_committed,notnull" json:"stockCommitted"`
	CreatedAt      time.Time       `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt      time.Time       `bun:"updated_at,notnull" json:"updatedAt"`
}

// StockBalanced reports whether available + reserved == total and the
// committed share never exceeds what is reserved.
func (p *Product) StockBalanced() bool {
	return p.StockAvailable+p.StockReserved == p.StockTotal &&
		p.StockCommitted >= 0 && p.StockCommitted <= p.StockReserved
}

// ReservationDetail is a reservation joined with its product for read APIs.
type ReservationDetail struct {
	StockReservation
	ProductName  string          `json:"productName"`
	ProductPrice decimal.Decimal `json:"productPrice"`
}
