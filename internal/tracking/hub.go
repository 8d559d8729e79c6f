package tracking

import (
	"context"
	"sync"
	"time"

	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/orders"
	"example.com/marketplace/services/fulfillment/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnauthorized means the principal has no relation to the order.
	// Rejected with a closed connection, never a silent drop.
	ErrUnauthorized = errors.New("not authorized to track this order")
	// ErrNotFound means the order does not exist.
	ErrNotFound = errors.New("order not found")
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// it is dropped. A dropped subscriber reconnects and gets a fresh snapshot;
// there is no buffered history.
const subscriberBuffer = 16

// Update is one message on a tracking stream. Fields are filtered per
// subscriber capability before delivery.
type Update struct {
	Type            string             `json:"type"` // snapshot | status | location
	OrderID         uuid.UUID          `json:"order_id"`
	Status          models.OrderStatus `json:"status,omitempty"`
	AgentID         *uuid.UUID         `json:"agent_id,omitempty"`
	AgentLat        *float64           `json:"agent_lat,omitempty"`
	AgentLng        *float64           `json:"agent_lng,omitempty"`
	DeliveryAddress *string            `json:"delivery_address,omitempty"`
	DeliveryLat     *float64           `json:"delivery_lat,omitempty"`
	DeliveryLng     *float64           `json:"delivery_lng,omitempty"`
	Reason          *string            `json:"reason,omitempty"`
	At              time.Time          `json:"at"`
}

// Subscription is one live, authorized connection scoped to a single order.
type Subscription struct {
	OrderID   uuid.UUID
	Principal models.Principal
	// Updates carries filtered messages until the hub closes it, either on
	// Unsubscribe or when the subscriber falls too far behind.
	Updates chan Update

	hub *Hub
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// OrderSource resolves orders for authorization and snapshots.
type OrderSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

// Hub fans order updates out to per-order subscriber sets. Broadcast is
// best-effort and decoupled from the state store: a slow or dead subscriber
// never blocks or rolls back a transition.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[*Subscription]struct{}
	source OrderSource

	metrics *metrics.Metrics
}

// NewHub creates a new tracking hub
func NewHub(source OrderSource, collector *metrics.Metrics) *Hub {
	return &Hub{
		rooms:   make(map[uuid.UUID]map[*Subscription]struct{}),
		source:  source,
		metrics: collector,
	}
}

// Subscribe authorizes the principal against the order before anything
// else, then registers the subscription and queues an authoritative
// snapshot as its first message.
func (h *Hub) Subscribe(ctx context.Context, orderID uuid.UUID, principal models.Principal) (*Subscription, error) {
	order, err := h.source.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !orders.Authorized(order, principal) {
		h.metrics.IncrementCounter("tracking.subscribe.unauthorized")
		return nil, ErrUnauthorized
	}

	sub := &Subscription{
		OrderID:   orderID,
		Principal: principal,
		Updates:   make(chan Update, subscriberBuffer),
		hub:       h,
	}

	h.mu.Lock()
	room, ok := h.rooms[orderID]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[orderID] = room
	}
	room[sub] = struct{}{}
	// Snapshot queued under the lock, before any publish can reach the
	// subscription: it is always the first message, and the fresh buffered
	// channel means the send cannot block.
	sub.Updates <- filterFor(principal, snapshotOf(order))
	h.mu.Unlock()

	h.metrics.IncrementCounter("tracking.subscribe.accepted")
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sub.OrderID]
	if !ok {
		return
	}
	if _, present := room[sub]; !present {
		return
	}
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, sub.OrderID)
	}
	close(sub.Updates)
}

// Publish delivers an update to every subscriber of the order, filtered per
// capability. Delivery to each subscriber is in publish order; a subscriber
// whose buffer is full is dropped rather than allowed to stall the rest.
func (h *Hub) Publish(orderID uuid.UUID, update Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[orderID]
	if !ok {
		return
	}

	for sub := range room {
		select {
		case sub.Updates <- filterFor(sub.Principal, update):
		default:
			// Subscriber fell behind; drop it. It will resubscribe and
			// fetch a fresh snapshot.
			delete(room, sub)
			close(sub.Updates)
			h.metrics.IncrementCounter("tracking.subscriber.dropped")
			log.Debug().
				Str("order_id", orderID.String()).
				Str("principal_id", sub.Principal.ID.String()).
				Msg("Dropped slow tracking subscriber")
		}
	}
	if len(room) == 0 {
		delete(h.rooms, orderID)
	}
}

// PublishOrderEvent adapts order transition events onto the hub, satisfying
// the order service's publisher interface.
func (h *Hub) PublishOrderEvent(_ context.Context, event orders.Event) {
	h.Publish(event.OrderID, Update{
		Type:    "status",
		OrderID: event.OrderID,
		Status:  event.Status,
		AgentID: event.AgentID,
		Reason:  event.Reason,
		At:      event.At,
	})
}

// PublishLocation feeds an agent position report to the order's watchers.
func (h *Hub) PublishLocation(orderID, agentID uuid.UUID, lat, lng float64, at time.Time) {
	h.Publish(orderID, Update{
		Type:     "location",
		OrderID:  orderID,
		AgentID:  &agentID,
		AgentLat: &lat,
		AgentLng: &lng,
		At:       at,
	})
}

// Subscribers reports the current subscriber count for an order.
func (h *Hub) Subscribers(orderID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[orderID])
}

func snapshotOf(order *models.Order) Update {
	return Update{
		Type:            "snapshot",
		OrderID:         order.ID,
		Status:          order.Status,
		AgentID:         order.AgentID,
		DeliveryAddress: &order.DeliveryAddress,
		DeliveryLat:     &order.DeliveryLat,
		DeliveryLng:     &order.DeliveryLng,
		Reason:          order.TerminalReason,
		At:              time.Now().UTC(),
	}
}

// filterFor strips fields a capability may not see: the buyer's address is
// visible only to the assigned agent and admins; the agent's device
// position is visible to the order's buyer, merchant and admins (and the
// agent itself).
func filterFor(principal models.Principal, update Update) Update {
	switch principal.Role {
	case models.RoleAdmin, models.RoleAgent:
		return update
	case models.RoleBuyer, models.RoleMerchant:
		update.DeliveryAddress = nil
		update.DeliveryLat = nil
		update.DeliveryLng = nil
		return update
	}
	// No relation to the order gets past Subscribe, but keep the zero
	// trust default anyway.
	update.DeliveryAddress = nil
	update.DeliveryLat = nil
	update.DeliveryLng = nil
	update.AgentLat = nil
	update.AgentLng = nil
	return update
}
