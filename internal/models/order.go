package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	StatusCart      OrderStatus = "CART"
	StatusCheckout  OrderStatus = "CHECKOUT"
	StatusPaid      OrderStatus = "PAID"
	StatusPreparing OrderStatus = "PREPARING"
	StatusShipped   OrderStatus = "SHIPPED"
	StatusDelivered OrderStatus = "DELIVERED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// AllOrderStatuses lists every state in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	StatusCart,
	StatusCheckout,
	StatusPaid,
	StatusPreparing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
}

func (s OrderStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s OrderStatus) Valid() bool {
	for _, st := range AllOrderStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// SystemActor is recorded on transitions driven by background jobs.
const SystemActor = "SYSTEM"

// OrderItem is one line of an order. While the order is a CART only
// ProductID, Quantity and the indicative Name/UnitPrice are meaningful; the
// checkout snapshot rewrites every field.
type OrderItem struct {
	ProductID    string          `json:"productId"`
	Name         string          `json:"name,omitempty"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	Quantity     int             `json:"quantity"`
	LineSubtotal decimal.Decimal `json:"lineSubtotal"`
}

type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID                     string             `bun:"id,pk" json:"id"`
	UserID                 string             `bun:"user_id,notnull" json:"userId"`
	Status                 OrderStatus        `bun:"status,notnull" json:"status"`
	Version                int64              `bun:"version,notnull" json:"version"`
	ItemsSnapshot          []OrderItem        `bun:"items_snapshot" json:"itemsSnapshot"`
	TotalSnapshot          decimal.Decimal    `bun:"total_snapshot,type:numeric" json:"totalSnapshot"`
	PromoSnapshot          []AppliedPromotion `bun:"promo_snapshot" json:"promoSnapshot,omitempty"`
	CheckoutAt             time.Time          `bun:"checkout_at,nullzero" json:"checkoutAt,omitempty"`
	PaymentID              string             `bun:"payment_id,nullzero" json:"paymentId,omitempty"`
	RecoveryEmailSent      bool               `bun:"recovery_email_sent,notnull" json:"recoveryEmailSent"`
	RecoveryToken          string             `bun:"recovery_token,nullzero" json:"-"`
	RecoveryTokenExpiresAt time.Time          `bun:"recovery_token_expires_at,nullzero" json:"-"`
	CreatedAt              time.Time          `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt              time.Time          `bun:"updated_at,notnull" json:"updatedAt"`
}

// ItemCount sums the quantities of every line.
func (o *Order) ItemCount() int {
	n := 0
	for _, it := range o.ItemsSnapshot {
		n += it.Quantity
	}
	return n
}

// OrderStateAudit is appended once per non-idempotent transition.
type OrderStateAudit struct {
	bun.BaseModel `bun:"table:order_state_audits,alias:osa"`

	ID        string      `bun:"id,pk" json:"id"`
	OrderID   string      `bun:"order_id,notnull" json:"orderId"`
	FromState OrderStatus `bun:"from_state,notnull" json:"fromState"`
	ToState   OrderStatus `bun:"to_state,notnull" json:"toState"`
	Reason    string      `bun:"reason" json:"reason"`
	Actor     string      `bun:"actor,notnull" json:"actor"`
	CreatedAt time.Time   `bun:"created_at,notnull" json:"createdAt"`
}

type CheckoutRequest struct {
	PromoCodes    []string `json:"promoCodes"`
	PaymentMethod string   `json:"paymentMethod"`
}

type AddItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type TransitionRequest struct {
	ToState OrderStatus `json:"toState"`
	Reason  string      `json:"reason"`
}
