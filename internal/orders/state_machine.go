package orders

import (
	"example.com/marketplace/services/fulfillment/internal/models"

	"github.com/pkg/errors"
)

// Public outcomes of the transition function.
var (
	// ErrConflict means the stored status moved between the caller's read
	// and the write. Expected under load; re-read and decide whether to
	// retry or abandon.
	ErrConflict = errors.New("order status changed concurrently")
	// ErrInvalidTransition means the requested edge is not in the legal
	// transition table, regardless of the stored state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound means the order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrUnauthorized means the principal may not act on this order.
	ErrUnauthorized = errors.New("not authorized for this order")
)

// legalEdges is the static transition table. Happy path runs
// pending -> confirmed -> agent_assigned -> picked_up -> in_transit ->
// delivered; cancelled and payment_failed are reachable from every
// non-terminal state; refunded only from delivered or a cancelled order
// that was charged (the charge check is dynamic, the edge is static).
var legalEdges = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:       {models.OrderConfirmed, models.OrderCancelled, models.OrderPaymentFailed},
	models.OrderConfirmed:     {models.OrderAgentAssigned, models.OrderCancelled, models.OrderPaymentFailed},
	models.OrderAgentAssigned: {models.OrderPickedUp, models.OrderCancelled, models.OrderPaymentFailed},
	models.OrderPickedUp:      {models.OrderInTransit, models.OrderCancelled, models.OrderPaymentFailed},
	models.OrderInTransit:     {models.OrderDelivered, models.OrderCancelled, models.OrderPaymentFailed},
	models.OrderDelivered:     {models.OrderRefunded},
	models.OrderCancelled:     {models.OrderRefunded},
	models.OrderPaymentFailed: {},
	models.OrderRefunded:      {},
}

// CanTransition reports whether the edge from -> to is in the legal table.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActorMayRequest reports whether a principal role may drive the edge to
// next through the public status endpoint. Agents push their delivery
// forward, merchants confirm unpaid orders themselves, admins do anything.
// Buyers only cancel, which has its own path.
func ActorMayRequest(role models.Role, next models.OrderStatus) bool {
	switch role {
	case models.RoleAdmin:
		return true
	case models.RoleAgent:
		switch next {
		case models.OrderPickedUp, models.OrderInTransit, models.OrderDelivered:
			return true
		}
	case models.RoleMerchant:
		return next == models.OrderConfirmed
	}
	return false
}

// agentFacing reports whether a status implies an assigned agent. The order
// invariant is: agent_id is non-null exactly while the status is one of
// these.
func agentFacing(s models.OrderStatus) bool {
	switch s {
	case models.OrderAgentAssigned, models.OrderPickedUp, models.OrderInTransit:
		return true
	}
	return false
}
