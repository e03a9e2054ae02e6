package models

import (
	"time"

	"github.com/uptrace/bun"
)

// CartRecoveryLog tracks one recovery email from send to click to
// conversion.
type CartRecoveryLog struct {
	bun.BaseModel `bun:"table:cart_recovery_logs,alias:crl"`

	ID          string    `bun:"id,pk" json:"id"`
	OrderID     string    `bun:"order_id,unique,notnull" json:"orderId"`
	UserID      string    `bun:"user_id,notnull" json:"userId"`
	Token       string    `bun:"token,notnull" json:"-"`
	ExpiresAt   time.Time `bun:"expires_at,notnull" json:"expiresAt"`
	EmailSentAt time.Time `bun:"email_sent_at,notnull" json:"emailSentAt"`
	ClickedAt   time.Time `bun:"clicked_at,nullzero" json:"clickedAt,omitempty"`
	ConvertedAt time.Time `bun:"converted_at,nullzero" json:"convertedAt,omitempty"`
}

// AbandonedCart pairs a CART order with its owner for the recovery scan.
type AbandonedCart struct {
	Order Order
	User  User
}
