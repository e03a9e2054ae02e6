package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentAttemptStatus string

const (
	AttemptPending PaymentAttemptStatus = "PENDING"
	AttemptSuccess PaymentAttemptStatus = "SUCCESS"
	AttemptFailed  PaymentAttemptStatus = "FAILED"
)

type PaymentAttempt struct {
	bun.BaseModel `bun:"table:payment_attempts,alias:pa"`

	ID            string               `bun:"id,pk" json:"id"`
	OrderID       string               `bun:"order_id,notnull" json:"orderId"`
	Status        PaymentAttemptStatus `bun:"status,notnull" json:"status"`
	PaymentMethod string               `bun:"payment_method" json:"paymentMethod"`
	TransactionID string               `bun:"transaction_id,nullzero" json:"transactionId,omitempty"`
	ErrorCode     string               `bun:"error_code,nullzero" json:"errorCode,omitempty"`
	ErrorType     string               `bun:"error_type,nullzero" json:"errorType,omitempty"`
	CreatedAt     time.Time            `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt     time.Time            `bun:"updated_at,notnull" json:"updatedAt"`
}

type PaymentRequest struct {
	Method          string            `json:"method"`
	PaymentMethodID string            `json:"paymentMethodId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
