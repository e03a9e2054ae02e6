package models

import (
	"encoding/json"
	"time"
)

const (
	EventOrderStateChanged    = "order.state_changed"
	EventReservationsReleased = "order.reservations_released"
	EventPaymentResult        = "payment.result"
)

// Envelope wraps every message this service publishes to or reads from Kafka.
type Envelope struct {
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

type OrderStateChanged struct {
	OrderID   string      `json:"orderId"`
	UserID    string      `json:"userId"`
	FromState OrderStatus `json:"fromState"`
	ToState   OrderStatus `json:"toState"`
	Reason    string      `json:"reason"`
	Actor     string      `json:"actor"`
	Version   int64       `json:"version"`
}

type ReservationsReleased struct {
	OrderID       string `json:"orderId"`
	Reason        string `json:"reason"`
	ReleasedCount int    `json:"releasedCount"`
}

// PaymentResult is produced by the payment gateway worker once a charge
// settles.
type PaymentResult struct {
	OrderID       string `json:"orderId"`
	AttemptID     string `json:"attemptId"`
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorType     string `json:"errorType,omitempty"`
}
