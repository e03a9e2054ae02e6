package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-orders/internal/apperror"
	"ms-orders/internal/logger"
	"ms-orders/internal/metrics"
	"ms-orders/internal/models"
	"ms-orders/internal/reservation"
	"ms-orders/internal/store"
)

type TransitionResult struct {
	Order      *models.Order      `json:"order"`
	From       models.OrderStatus `json:"from"`
	Idempotent bool               `json:"idempotent"`
}

// precondition checks the loaded order inside the transition's transaction.
type precondition func(ctx context.Context, q store.Queries, o *models.Order) error

// StateMachine is the only writer of order status.
type StateMachine struct {
	gw            store.Gateway
	reservations  *reservation.Engine
	log           *logger.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	notifiers     []Notifier
	preconditions map[models.OrderStatus]precondition
}

type StateMachineOption func(*StateMachine)

func WithStateClock(now func() time.Time) StateMachineOption {
	return func(m *StateMachine) { m.now = now }
}

func WithStateMetrics(mt *metrics.Metrics) StateMachineOption {
	return func(m *StateMachine) { m.metrics = mt }
}

func WithNotifiers(n ...Notifier) StateMachineOption {
	return func(m *StateMachine) { m.notifiers = append(m.notifiers, n...) }
}

func NewStateMachine(gw store.Gateway, reservations *reservation.Engine, log *logger.Logger, opts ...StateMachineOption) *StateMachine {
	m := &StateMachine{
		gw:           gw,
		reservations: reservations,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
	m.preconditions = map[models.OrderStatus]precondition{
		models.StatusPaid:      requirePayment,
		models.StatusPreparing: requireHeldStock,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddNotifier registers n for every later commit. Call it before the machine
// is shared between goroutines.
func (m *StateMachine) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Transition moves the order to the target state. Asking for the current
// state succeeds without writing anything.
func (m *StateMachine) Transition(ctx context.Context, orderID string, to models.OrderStatus, reason, actor string) (*TransitionResult, error) {
	if !to.Valid() {
		return nil, apperror.Newf(apperror.InvalidStatus, "unknown order status %q", to)
	}
	if actor == "" {
		actor = models.SystemActor
	}

	var (
		result   TransitionResult
		released int
		at       time.Time
	)
	err := m.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		released = 0
		at = m.now()

		o, err := q.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return apperror.Newf(apperror.OrderNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return err
		}
		result = TransitionResult{Order: o, From: o.Status}

		if o.Status == to {
			result.Idempotent = true
			return nil
		}
		if !CanTransition(o.Status, to) {
			return apperror.Newf(apperror.InvalidTransition, "cannot move order from %s to %s", o.Status, to).
				WithDetails(map[string]any{
					"from":    o.Status,
					"to":      to,
					"allowed": AllowedTransitions(o.Status),
				})
		}
		if check, ok := m.preconditions[to]; ok {
			if err := check(ctx, q, o); err != nil {
				return err
			}
		}

		switch to {
		case models.StatusCancelled:
			released, err = m.reservations.ReleaseTx(ctx, q, o.ID, reason)
		case models.StatusPaid:
			_, err = m.reservations.ConfirmTx(ctx, q, o.ID)
		}
		if err != nil {
			return err
		}

		update := store.OrderTransition{
			ID:              o.ID,
			From:            o.Status,
			To:              to,
			ExpectedVersion: o.Version,
			Now:             at,
		}
		if to == models.StatusCheckout {
			update.CheckoutAt = at
		}
		n, err := q.TransitionOrder(ctx, update)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperror.Newf(apperror.ConcurrentModification, "order %s changed since it was read", o.ID)
		}

		if err := q.InsertAudit(ctx, &models.OrderStateAudit{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			FromState: o.Status,
			ToState:   to,
			Reason:    reason,
			Actor:     actor,
			CreatedAt: at,
		}); err != nil {
			return err
		}

		o.Status = to
		o.Version++
		o.UpdatedAt = at
		if to == models.StatusCheckout {
			o.CheckoutAt = at
		}
		return nil
	})
	if err != nil {
		if apperror.IsKind(err, apperror.ConcurrentModification) {
			m.metrics.TransitionConflict()
		}
		m.log.LogOrder("TRANSITION", orderID, fmt.Sprintf("-> %s rejected: %v", to, err))
		return nil, err
	}
	if result.Idempotent {
		return &result, nil
	}

	m.log.LogOrder("TRANSITION", orderID, fmt.Sprintf("%s -> %s by %s (%s)", result.From, to, actor, reason))
	m.metrics.Transition(string(result.From), string(to))
	if released > 0 {
		m.reservations.AfterRelease(ctx, orderID, reason, released)
	}
	m.notify(ctx, TransitionEvent{
		Order:    *result.Order,
		From:     result.From,
		To:       to,
		Reason:   reason,
		Actor:    actor,
		At:       at,
		Released: released,
	})
	return &result, nil
}

func (m *StateMachine) notify(ctx context.Context, ev TransitionEvent) {
	for _, n := range m.notifiers {
		if err := n.OrderTransitioned(ctx, ev); err != nil {
			m.log.Warn("ORDER", fmt.Sprintf("notifier %T failed for order %s: %v", n, ev.Order.ID, err))
		}
	}
}

func requirePayment(_ context.Context, _ store.Queries, o *models.Order) error {
	if o.PaymentID == "" {
		return apperror.Newf(apperror.PreconditionFailed, "order %s has no payment", o.ID)
	}
	return nil
}

// requireHeldStock accepts ACTIVE or CONFIRMED reservations: payment confirms
// every ACTIVE row, so a paid order only holds CONFIRMED ones.
func requireHeldStock(ctx context.Context, q store.Queries, o *models.Order) error {
	rows, err := q.ListReservations(ctx, o.ID, models.ReservationActive, models.ReservationConfirmed)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return apperror.Newf(apperror.PreconditionFailed, "order %s holds no stock", o.ID)
	}
	return nil
}
