// Package payment charges checked-out orders and drives them to PAID or
// CANCELLED depending on how the charge ends.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ms-orders/internal/apperror"
	"ms-orders/internal/config"
	"ms-orders/internal/logger"
	"ms-orders/internal/metrics"
	"ms-orders/internal/models"
	"ms-orders/internal/order"
	"ms-orders/internal/reservation"
	"ms-orders/internal/store"
)

type Classification string

const (
	Definitive Classification = "DEFINITIVE"
	Temporary  Classification = "TEMPORARY"
)

// Error types reported by gateways.
const (
	InsufficientFunds = "INSUFFICIENT_FUNDS"
	CardDeclined      = "CARD_DECLINED"
	CardExpired       = "CARD_EXPIRED"
	FraudSuspected    = "FRAUD_SUSPECTED"
	GatewayTimeout    = "GATEWAY_TIMEOUT"
	NetworkError      = "NETWORK_ERROR"
	ThreeDSTimeout    = "THREE_DS_TIMEOUT"
	TechnicalError    = "TECHNICAL_ERROR"
)

const (
	ReasonPaymentSuccess    = "PAYMENT_SUCCESS"
	ReasonDefinitiveFailure = "PAYMENT_FAILED_DEFINITIVE"
	ReasonInProgress        = "PAYMENT_IN_PROGRESS"
	ReasonRetryExpired      = "RETRY_WINDOW_EXCEEDED"
)

var classifications = map[string]Classification{
	InsufficientFunds: Definitive,
	CardDeclined:      Definitive,
	CardExpired:       Definitive,
	FraudSuspected:    Definitive,
	GatewayTimeout:    Temporary,
	NetworkError:      Temporary,
	ThreeDSTimeout:    Temporary,
	TechnicalError:    Temporary,
}

// Classify tells whether an error type ends the order. Unknown types are
// treated as temporary.
func Classify(errorType string) Classification {
	if c, ok := classifications[errorType]; ok {
		return c
	}
	return Temporary
}

// ChargeRequest is what a Gateway needs to take money for one attempt.
type ChargeRequest struct {
	OrderID         string
	AttemptID       string
	Amount          decimal.Decimal
	Method          string
	PaymentMethodID string
	Metadata        map[string]string
}

type ChargeResult struct {
	Success       bool
	TransactionID string
	ErrorCode     string
	ErrorType     string
}

// Gateway talks to the payment provider. A returned error means the outcome
// is unknown and is handled as a technical failure.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

type Result struct {
	Success        bool           `json:"success"`
	Idempotent     bool           `json:"idempotent,omitempty"`
	AttemptID      string         `json:"attemptId,omitempty"`
	TransactionID  string         `json:"transactionId,omitempty"`
	ErrorCode      string         `json:"errorCode,omitempty"`
	ErrorType      string         `json:"errorType,omitempty"`
	Classification Classification `json:"errorClassification,omitempty"`
	// RefundRequired marks a charge that succeeded after the order left
	// CHECKOUT. The order is not touched.
	RefundRequired bool `json:"refundRequired,omitempty"`
}

type Service struct {
	gw          store.Gateway
	machine     *order.StateMachine
	engine      *reservation.Engine
	gateway     Gateway
	log         *logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	window      time.Duration
	retryWindow time.Duration
	method      string
}

func NewService(gw store.Gateway, machine *order.StateMachine, engine *reservation.Engine, gateway Gateway, log *logger.Logger, m *metrics.Metrics, now func() time.Time, cfg config.CheckoutConfig) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Service{
		gw:          gw,
		machine:     machine,
		engine:      engine,
		gateway:     gateway,
		log:         log,
		metrics:     m,
		now:         now,
		window:      cfg.Window,
		retryWindow: cfg.RetryWindow,
		method:      cfg.DefaultPayMethod,
	}
	if s.window <= 0 {
		s.window = 10 * time.Minute
	}
	if s.retryWindow <= 0 {
		s.retryWindow = 5 * time.Minute
	}
	if s.method == "" {
		s.method = "CREDIT_CARD"
	}
	return s
}

func invalidOrder(reason string, details map[string]any) error {
	details["reason"] = reason
	return apperror.New(apperror.InvalidPaymentOrder, "order cannot be paid: "+reason).WithDetails(details)
}

func (s *Service) validate(o *models.Order, now time.Time) error {
	if o.Status != models.StatusCheckout {
		return invalidOrder("INVALID_STATUS", map[string]any{"current": o.Status})
	}
	if o.CheckoutAt.IsZero() {
		return invalidOrder("MISSING_CHECKOUT_TIMESTAMP", map[string]any{})
	}
	if elapsed := now.Sub(o.CheckoutAt); elapsed > s.window {
		return apperror.New(apperror.CheckoutExpired, "checkout window has closed").
			WithDetails(map[string]any{"elapsedMs": elapsed.Milliseconds(), "maxMs": s.window.Milliseconds()})
	}
	if !o.TotalSnapshot.IsPositive() {
		return invalidOrder("MISSING_TOTAL", map[string]any{})
	}
	return nil
}

// retryAllowed reports why a new attempt may not start, or "" if it may.
func (s *Service) retryAllowed(last *models.PaymentAttempt, now time.Time) string {
	if last == nil {
		return ""
	}
	switch last.Status {
	case models.AttemptPending:
		return ReasonInProgress
	case models.AttemptFailed:
		if now.Sub(last.UpdatedAt) > s.retryWindow {
			return ReasonRetryExpired
		}
	}
	return ""
}

func latestAttempt(ctx context.Context, q store.Queries, orderID string) (*models.PaymentAttempt, error) {
	last, err := q.GetLatestPaymentAttempt(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return last, err
}

// ProcessPayment opens a new attempt for a CHECKOUT order and charges it.
func (s *Service) ProcessPayment(ctx context.Context, orderID string, req models.PaymentRequest) (*Result, error) {
	now := s.now()
	method := req.Method
	if method == "" {
		method = s.method
	}

	var (
		o        *models.Order
		attempt  *models.PaymentAttempt
		existing *Result
	)
	err := s.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		var err error
		o, err = q.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return apperror.Newf(apperror.OrderNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return err
		}

		last, err := latestAttempt(ctx, q, orderID)
		if err != nil {
			return err
		}
		if last != nil && last.Status == models.AttemptSuccess {
			existing = &Result{Success: true, Idempotent: true, AttemptID: last.ID, TransactionID: last.TransactionID}
			return nil
		}

		if err := s.validate(o, now); err != nil {
			return err
		}
		if reason := s.retryAllowed(last, now); reason != "" {
			return apperror.New(apperror.RetryNotAllowed, "a new payment attempt is not allowed").
				WithDetails(map[string]any{"reason": reason, "lastAttemptId": last.ID, "lastStatus": last.Status})
		}

		attempt = &models.PaymentAttempt{
			ID:            uuid.NewString(),
			OrderID:       orderID,
			Status:        models.AttemptPending,
			PaymentMethod: method,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return q.InsertPaymentAttempt(ctx, attempt)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.log.LogOrder("PAYMENT", orderID, "Order already paid (idempotent)")
		return existing, nil
	}

	s.metrics.PaymentAttempt(string(models.AttemptPending))
	s.log.LogOrder("PAYMENT", orderID, fmt.Sprintf("Created payment attempt %s (%s)", attempt.ID, method))

	res, err := s.gateway.Charge(ctx, ChargeRequest{
		OrderID:         orderID,
		AttemptID:       attempt.ID,
		Amount:          o.TotalSnapshot,
		Method:          method,
		PaymentMethodID: req.PaymentMethodID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		s.log.Error("PAYMENT", fmt.Sprintf("Gateway exception for order %s: %v", orderID, err))
		return s.HandleFailure(ctx, orderID, attempt.ID, "GATEWAY_EXCEPTION", TechnicalError)
	}
	if res.Success {
		return s.HandleSuccess(ctx, orderID, attempt.ID, res.TransactionID)
	}
	return s.HandleFailure(ctx, orderID, attempt.ID, res.ErrorCode, res.ErrorType)
}

func (s *Service) loadAttempt(ctx context.Context, q store.Queries, orderID, attemptID string) (*models.PaymentAttempt, error) {
	attempt, err := q.GetPaymentAttempt(ctx, attemptID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && attempt.OrderID != orderID) {
		return nil, apperror.Newf(apperror.InvalidPaymentOrder, "attempt %s does not belong to order %s", attemptID, orderID)
	}
	return attempt, err
}

// HandleSuccess records the transaction on the attempt and the order, then
// moves the order to PAID. A failed transition leaves the money recorded and
// is reported to operators instead of the caller. When the order is no longer
// in CHECKOUT only the attempt is updated and the charge is flagged for refund.
func (s *Service) HandleSuccess(ctx context.Context, orderID, attemptID, transactionID string) (*Result, error) {
	now := s.now()
	idempotent := false
	var lateStatus models.OrderStatus
	err := s.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		attempt, err := s.loadAttempt(ctx, q, orderID, attemptID)
		if err != nil {
			return err
		}
		if attempt.Status == models.AttemptSuccess {
			idempotent = true
			return nil
		}
		attempt.Status = models.AttemptSuccess
		attempt.TransactionID = transactionID
		attempt.UpdatedAt = now
		if err := q.UpdatePaymentAttempt(ctx, attempt); err != nil {
			return err
		}

		o, err := q.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != models.StatusCheckout {
			lateStatus = o.Status
			return nil
		}
		n, err := q.SetPaymentID(ctx, orderID, transactionID, o.Version, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperror.Newf(apperror.ConcurrentModification, "order %s changed while recording payment", orderID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !idempotent {
		s.metrics.PaymentAttempt(string(models.AttemptSuccess))
		s.log.LogOrder("PAYMENT", orderID, fmt.Sprintf("Payment successful (transaction: %s)", transactionID))
	}

	if lateStatus != "" {
		s.log.Error("PAYMENT", fmt.Sprintf("REFUND REQUIRED: order %s was charged (transaction %s) while %s", orderID, transactionID, lateStatus))
		return &Result{Success: true, AttemptID: attemptID, TransactionID: transactionID, RefundRequired: true}, nil
	}

	if _, err := s.machine.Transition(ctx, orderID, models.StatusPaid, ReasonPaymentSuccess, models.SystemActor); err != nil {
		s.log.Error("PAYMENT", fmt.Sprintf("Order %s was charged (transaction %s) but could not move to PAID: %v", orderID, transactionID, err))
	}
	return &Result{Success: true, Idempotent: idempotent, AttemptID: attemptID, TransactionID: transactionID}, nil
}

// HandleFailure closes the attempt. Definitive failures give the stock back
// and cancel the order; temporary ones keep the reservation for a retry.
func (s *Service) HandleFailure(ctx context.Context, orderID, attemptID, errorCode, errorType string) (*Result, error) {
	now := s.now()
	class := Classify(errorType)
	result := &Result{
		AttemptID:      attemptID,
		ErrorCode:      errorCode,
		ErrorType:      errorType,
		Classification: class,
	}

	err := s.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		attempt, err := s.loadAttempt(ctx, q, orderID, attemptID)
		if err != nil {
			return err
		}
		if attempt.Status != models.AttemptPending {
			result.Idempotent = true
			return nil
		}
		attempt.Status = models.AttemptFailed
		attempt.ErrorCode = errorCode
		attempt.ErrorType = errorType
		attempt.UpdatedAt = now
		return q.UpdatePaymentAttempt(ctx, attempt)
	})
	if err != nil {
		return nil, err
	}
	if result.Idempotent {
		return result, nil
	}

	s.metrics.PaymentAttempt(string(models.AttemptFailed))
	s.log.LogOrder("PAYMENT", orderID, fmt.Sprintf("Payment failed (error: %s, classification: %s)", errorType, class))

	if class != Definitive {
		s.log.LogOrder("PAYMENT", orderID, fmt.Sprintf("Temporary failure, reservation kept for %s", s.retryWindow))
		return result, nil
	}

	if _, err := s.engine.Release(ctx, orderID, ReasonDefinitiveFailure); err != nil {
		s.log.Error("PAYMENT", fmt.Sprintf("Failed to release stock for order %s: %v", orderID, err))
	}
	if _, err := s.machine.Transition(ctx, orderID, models.StatusCancelled, ReasonDefinitiveFailure, models.SystemActor); err != nil {
		s.log.Error("PAYMENT", fmt.Sprintf("Failed to cancel order %s after payment failure: %v", orderID, err))
	}
	return result, nil
}

func (s *Service) Attempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error) {
	return s.gw.Queries().ListPaymentAttempts(ctx, orderID)
}

// IsExpired reports whether a CHECKOUT order has outlived its payment window.
func (s *Service) IsExpired(ctx context.Context, orderID string) (bool, error) {
	o, err := s.gw.Queries().GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if o.Status != models.StatusCheckout || o.CheckoutAt.IsZero() {
		return false, nil
	}
	return s.now().Sub(o.CheckoutAt) > s.window, nil
}
