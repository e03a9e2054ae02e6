package order

import "ms-orders/internal/models"

// transitions is the complete lifecycle graph. Terminal states map to an
// empty set.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusCart:      {models.StatusCheckout, models.StatusCancelled},
	models.StatusCheckout:  {models.StatusPaid, models.StatusCancelled},
	models.StatusPaid:      {models.StatusPreparing, models.StatusCancelled},
	models.StatusPreparing: {models.StatusShipped, models.StatusCancelled},
	models.StatusShipped:   {models.StatusDelivered},
	models.StatusDelivered: {},
	models.StatusCancelled: {},
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the targets reachable from from.
func AllowedTransitions(from models.OrderStatus) []models.OrderStatus {
	out := make([]models.OrderStatus, len(transitions[from]))
	copy(out, transitions[from])
	return out
}
