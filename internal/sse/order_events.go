package sse

import (
	"context"
	"sync"
	"time"

	"ms-orders/internal/models"
	"ms-orders/internal/order"
)

// OrderEvent is one transition as streamed to a browser.
type OrderEvent struct {
	OrderID string             `json:"orderId"`
	From    models.OrderStatus `json:"from"`
	To      models.OrderStatus `json:"to"`
	Reason  string             `json:"reason,omitempty"`
	Actor   string             `json:"actor"`
	Version int64              `json:"version"`
	At      time.Time          `json:"at"`
}

// OrderEventEmitter fans committed transitions out to the SSE clients
// watching each order.
type OrderEventEmitter struct {
	clients map[string][]chan OrderEvent
	mu      sync.RWMutex
}

func NewOrderEventEmitter() *OrderEventEmitter {
	return &OrderEventEmitter{clients: make(map[string][]chan OrderEvent)}
}

// Subscribe adds a client for one order. The channel is closed once ctx is
// done.
func (e *OrderEventEmitter) Subscribe(ctx context.Context, orderID string) <-chan OrderEvent {
	clientChan := make(chan OrderEvent, 10)

	e.mu.Lock()
	e.clients[orderID] = append(e.clients[orderID], clientChan)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(orderID, clientChan)
	}()

	return clientChan
}

// OrderTransitioned implements order.Notifier.
func (e *OrderEventEmitter) OrderTransitioned(_ context.Context, ev order.TransitionEvent) error {
	e.Emit(OrderEvent{
		OrderID: ev.Order.ID,
		From:    ev.From,
		To:      ev.To,
		Reason:  ev.Reason,
		Actor:   ev.Actor,
		Version: ev.Order.Version,
		At:      ev.At,
	})
	return nil
}

func (e *OrderEventEmitter) Emit(ev OrderEvent) {
	// Held for the sends so remove cannot close a channel mid-send.
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, clientChan := range e.clients[ev.OrderID] {
		// Slow clients miss events rather than stall the emitter
		select {
		case clientChan <- ev:
		default:
		}
	}
}

func (e *OrderEventEmitter) remove(orderID string, clientChan chan OrderEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[orderID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[orderID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}

	if len(e.clients[orderID]) == 0 {
		delete(e.clients, orderID)
	}
}

// ClientCount returns the number of clients currently watching an order
func (e *OrderEventEmitter) ClientCount(orderID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[orderID])
}
