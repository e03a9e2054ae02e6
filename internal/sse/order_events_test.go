package sse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-orders/internal/models"
	"ms-orders/internal/order"
)

func TestEmitterDeliversToOrderSubscribers(t *testing.T) {
	e := NewOrderEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := e.Subscribe(ctx, "o-1")
	other := e.Subscribe(ctx, "o-2")
	assert.Equal(t, 1, e.ClientCount("o-1"))

	err := e.OrderTransitioned(ctx, order.TransitionEvent{
		Order: models.Order{ID: "o-1", Version: 3},
		From:  models.StatusCheckout,
		To:    models.StatusPaid,
		Actor: models.SystemActor,
	})
	require.NoError(t, err)

	select {
	case ev := <-mine:
		assert.Equal(t, models.StatusPaid, ev.To)
		assert.EqualValues(t, 3, ev.Version)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case <-other:
		t.Fatal("event leaked to another order")
	default:
	}
}

func TestEmitterDropsClientOnCancel(t *testing.T) {
	e := NewOrderEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	ch := e.Subscribe(ctx, "o-1")
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Zero(t, e.ClientCount("o-1"))

	// Emitting with no clients is fine.
	e.Emit(OrderEvent{OrderID: "o-1"})
}

func TestEmitterSkipsFullClients(t *testing.T) {
	e := NewOrderEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := e.Subscribe(ctx, "o-1")

	for i := 0; i < 20; i++ {
		e.Emit(OrderEvent{OrderID: "o-1"})
	}
	assert.Len(t, ch, 10)
}
