package order

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ms-orders/internal/models"
)

// TransitionEvent describes a committed transition. Released counts the
// reservations returned to stock by a cancellation.
type TransitionEvent struct {
	Order    models.Order
	From     models.OrderStatus
	To       models.OrderStatus
	Reason   string
	Actor    string
	At       time.Time
	Released int
}

// Notifier receives committed transitions. Failures are logged by the state
// machine and never retried or rolled back.
type Notifier interface {
	OrderTransitioned(ctx context.Context, ev TransitionEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev TransitionEvent) error

func (f NotifierFunc) OrderTransitioned(ctx context.Context, ev TransitionEvent) error {
	return f(ctx, ev)
}

// Publisher writes one keyed message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// EventNotifier publishes order.state_changed envelopes, plus an
// order.reservations_released envelope when a cancellation returned stock.
type EventNotifier struct {
	Publisher         Publisher
	StateTopic        string
	ReservationsTopic string
}

func (n *EventNotifier) OrderTransitioned(ctx context.Context, ev TransitionEvent) error {
	value, err := envelope(models.EventOrderStateChanged, ev.At, models.OrderStateChanged{
		OrderID:   ev.Order.ID,
		UserID:    ev.Order.UserID,
		FromState: ev.From,
		ToState:   ev.To,
		Reason:    ev.Reason,
		Actor:     ev.Actor,
		Version:   ev.Order.Version,
	})
	if err != nil {
		return err
	}
	if err := n.Publisher.Publish(ctx, n.StateTopic, ev.Order.ID, value); err != nil {
		return err
	}

	if ev.Released == 0 || n.ReservationsTopic == "" {
		return nil
	}
	value, err = envelope(models.EventReservationsReleased, ev.At, models.ReservationsReleased{
		OrderID:       ev.Order.ID,
		Reason:        ev.Reason,
		ReleasedCount: ev.Released,
	})
	if err != nil {
		return err
	}
	return n.Publisher.Publish(ctx, n.ReservationsTopic, ev.Order.ID, value)
}

func envelope(eventType string, at time.Time, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{
		EventID:    uuid.NewString(),
		Type:       eventType,
		OccurredAt: at,
		Payload:    raw,
	})
}
