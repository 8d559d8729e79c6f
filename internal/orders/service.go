package orders

import (
	"context"
	"time"

	"example.com/marketplace/services/fulfillment/internal/geo"
	"example.com/marketplace/services/fulfillment/internal/inventory"
	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store is the order persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, order *models.Order, change *models.StatusChange) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetByPaymentRef(ctx context.Context, ref string) (*models.Order, error)
	List(ctx context.Context, filter repositories.ListFilter) ([]models.Order, int64, error)
	TransitionStatus(ctx context.Context, orderID uuid.UUID, expected, next models.OrderStatus,
		updates map[string]interface{}, change *models.StatusChange) (*models.Order, error)
	History(ctx context.Context, orderID uuid.UUID) ([]models.StatusChange, error)
}

// Catalog reads product price and merchant data server-side. Client-supplied
// prices are never trusted.
type Catalog interface {
	GetForMerchant(ctx context.Context, id, merchantID uuid.UUID) (*models.Product, error)
}

// Merchants resolves the pickup side of an order.
type Merchants interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Merchant, error)
}

// Reserver is the inventory reservation surface.
type Reserver interface {
	Reserve(ctx context.Context, lines []inventory.Line) ([]inventory.Line, error)
	Release(ctx context.Context, orderID uuid.UUID, lines []inventory.Line) error
}

// AgentPool releases an agent when an order leaves the agent-facing states.
type AgentPool interface {
	FinishDelivery(ctx context.Context, agentID uuid.UUID, now time.Time) error
}

// RefundRequester asks the payment gateway to refund a charged order.
type RefundRequester interface {
	RequestRefund(ctx context.Context, reference string, amountCents int64) error
}

// Event describes a successful transition for downstream consumers
// (broadcaster, worker). Publishing is best-effort and never blocks or
// rolls back the transition itself.
type Event struct {
	OrderID  uuid.UUID          `json:"order_id"`
	Status   models.OrderStatus `json:"status"`
	Version  int64              `json:"version"`
	AgentID  *uuid.UUID         `json:"agent_id,omitempty"`
	Reason   *string            `json:"reason,omitempty"`
	Terminal bool               `json:"terminal"`
	At       time.Time          `json:"at"`
}

// Publisher fans a transition event out to subscribers.
type Publisher interface {
	PublishOrderEvent(ctx context.Context, event Event)
}

// MultiPublisher fans one event out to several publishers in order.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishOrderEvent(ctx context.Context, event Event) {
	for _, p := range m {
		p.PublishOrderEvent(ctx, event)
	}
}

// Notifier sends a fire-and-forget message to a principal. Failures are
// logged by the implementation, never returned.
type Notifier interface {
	Notify(ctx context.Context, principalID uuid.UUID, orderID *uuid.UUID, msgType, message string)
}

// Service owns order creation and the lifecycle state machine.
type Service struct {
	store     Store
	catalog   Catalog
	merchants Merchants
	reserver  Reserver
	agents    AgentPool
	refunds   RefundRequester
	publisher Publisher
	notifier  Notifier
	metrics   *metrics.Metrics
}

// NewService creates a new order service
func NewService(
	store Store,
	catalog Catalog,
	merchants Merchants,
	reserver Reserver,
	agents AgentPool,
	refunds RefundRequester,
	publisher Publisher,
	notifier Notifier,
	collector *metrics.Metrics,
) *Service {
	return &Service{
		store:     store,
		catalog:   catalog,
		merchants: merchants,
		reserver:  reserver,
		agents:    agents,
		refunds:   refunds,
		publisher: publisher,
		notifier:  notifier,
		metrics:   collector,
	}
}

// CreateItem is one requested line in a create call. Only the product id
// and quantity are taken from the client.
type CreateItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

// CreateRequest is the buyer-facing create call payload.
type CreateRequest struct {
	MerchantID      uuid.UUID    `json:"merchant_id"`
	Items           []CreateItem `json:"items"`
	PaymentMethod   string       `json:"payment_method"`
	DeliveryAddress string       `json:"delivery_address"`
	DeliveryLat     float64      `json:"delivery_lat"`
	DeliveryLng     float64      `json:"delivery_lng"`
}

// Create validates the request, re-reads prices server-side, reserves stock
// and persists the order in status pending. Stock reserved before a failed
// persist is released again before the error is returned.
func (s *Service) Create(ctx context.Context, buyer models.Principal, req CreateRequest) (*models.Order, error) {
	if buyer.Role != models.RoleBuyer && buyer.Role != models.RoleAdmin {
		return nil, ErrUnauthorized
	}
	if len(req.Items) == 0 {
		return nil, errors.New("order has no items")
	}

	merchant, err := s.merchants.GetByID(ctx, req.MerchantID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load merchant")
	}

	orderID := uuid.New()
	items := make([]models.OrderItem, 0, len(req.Items))
	lines := make([]inventory.Line, 0, len(req.Items))
	var subtotal int64

	for _, item := range req.Items {
		if item.Quantity <= 0 || item.Quantity > inventory.MaxItemQuantity {
			return nil, errors.Errorf("invalid quantity %d for product %s", item.Quantity, item.ProductID)
		}
		product, err := s.catalog.GetForMerchant(ctx, item.ProductID, req.MerchantID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, errors.Wrapf(ErrNotFound, "product %s", item.ProductID)
			}
			return nil, errors.Wrap(err, "failed to load product")
		}

		lineTotal := product.PriceCents * int64(item.Quantity)
		items = append(items, models.OrderItem{
			ID:             uuid.New(),
			OrderID:        orderID,
			ProductID:      product.ID,
			ProductName:    product.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: product.PriceCents,
			TotalCents:     lineTotal,
		})
		lines = append(lines, inventory.Line{ProductID: product.ID, Quantity: item.Quantity})
		subtotal += lineTotal
	}

	committed, err := s.reserver.Reserve(ctx, lines)
	if err != nil {
		return nil, err
	}

	fee := geo.DeliveryFeeCents(merchant.Lat, merchant.Lng, req.DeliveryLat, req.DeliveryLng)
	order := &models.Order{
		ID:               orderID,
		BuyerID:          buyer.ID,
		MerchantID:       merchant.ID,
		Items:            items,
		SubtotalCents:    subtotal,
		DeliveryFeeCents: fee,
		TotalCents:       subtotal + fee,
		Currency:         "ZAR",
		Status:           models.OrderPending,
		PaymentMethod:    req.PaymentMethod,
		PaymentStatus:    models.PaymentPending,
		DeliveryAddress:  req.DeliveryAddress,
		DeliveryLat:      req.DeliveryLat,
		DeliveryLng:      req.DeliveryLng,
		PickupLat:        merchant.Lat,
		PickupLng:        merchant.Lng,
	}
	change := &models.StatusChange{
		ID:        uuid.New(),
		OrderID:   orderID,
		Status:    models.OrderPending,
		ActorID:   buyer.ID,
		ActorRole: buyer.Role,
	}

	if err := s.store.Create(ctx, order, change); err != nil {
		// The reservation already happened; release it or the stock is lost.
		if relErr := s.reserver.Release(ctx, orderID, committed); relErr != nil {
			log.Error().Err(relErr).Str("order_id", orderID.String()).
				Msg("Failed to release reservation after create failure")
		}
		return nil, errors.Wrap(err, "failed to persist order")
	}

	s.metrics.IncrementCounter("orders.created")
	log.Info().
		Str("order_id", orderID.String()).
		Str("buyer_id", buyer.ID.String()).
		Int64("total_cents", order.TotalCents).
		Msg("Order created")

	return order, nil
}

// TransitionRequest carries one attempted edge of the state machine.
type TransitionRequest struct {
	OrderID  uuid.UUID
	Expected models.OrderStatus
	Next     models.OrderStatus
	Actor    models.Principal
	Note     *string
	// AgentID must be set when Next enters the agent-facing states from
	// outside them; edges within that set keep the stored assignment.
	AgentID *uuid.UUID
	// Reason is stored as the terminal reason for terminal states.
	Reason *string
	// PaymentStatus optionally moves the payment flag with the status.
	PaymentStatus *models.PaymentStatus
}

// Transition performs one CAS-guarded edge of the state machine.
// Structurally illegal edges return ErrInvalidTransition without touching
// the store; a stale Expected returns ErrConflict and the caller re-reads.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*models.Order, error) {
	if !CanTransition(req.Expected, req.Next) {
		s.metrics.IncrementCounter("orders.transition.invalid")
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", req.Expected, req.Next)
	}

	if req.Next == models.OrderRefunded {
		before, err := s.store.GetByID(ctx, req.OrderID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		switch before.PaymentStatus {
		case models.PaymentPaid, models.PaymentRefundPending:
		default:
			return nil, errors.Wrap(ErrInvalidTransition, "refund for an uncharged order")
		}
	}

	updates := map[string]interface{}{}
	switch {
	case agentFacing(req.Next) && !agentFacing(req.Expected):
		if req.AgentID == nil {
			return nil, errors.Wrap(ErrInvalidTransition, "agent-facing status without agent id")
		}
		updates["agent_id"] = *req.AgentID
	case agentFacing(req.Expected) && !agentFacing(req.Next):
		// Leaving the agent-facing states clears the assignment. Edges
		// inside them leave the stored assignment untouched.
		updates["agent_id"] = nil
	}
	if req.Next.IsTerminal() && req.Reason != nil {
		updates["terminal_reason"] = *req.Reason
	}
	if req.Next == models.OrderDelivered {
		updates["delivered_at"] = time.Now().UTC()
	}
	if req.PaymentStatus != nil {
		updates["payment_status"] = *req.PaymentStatus
	}

	change := &models.StatusChange{
		ID:        uuid.New(),
		OrderID:   req.OrderID,
		Status:    req.Next,
		ActorID:   req.Actor.ID,
		ActorRole: req.Actor.Role,
		Note:      req.Note,
	}

	// Remember the agent on the pre-image so it can be released after a
	// transition that clears it.
	var priorAgent *uuid.UUID
	if agentFacing(req.Expected) && !agentFacing(req.Next) {
		if before, err := s.store.GetByID(ctx, req.OrderID); err == nil {
			priorAgent = before.AgentID
		}
	}

	order, err := s.store.TransitionStatus(ctx, req.OrderID, req.Expected, req.Next, updates, change)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrStale):
			s.metrics.IncrementCounter("orders.transition.conflict")
			return nil, ErrConflict
		case errors.Is(err, repositories.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.metrics.IncrementCounter("orders.transition.success")
	s.afterTransition(ctx, order, req, priorAgent)
	return order, nil
}

// afterTransition runs the side effects of a successful transition: event
// publication, agent release and best-effort notifications. None of these
// can fail the transition; it is already committed.
func (s *Service) afterTransition(ctx context.Context, order *models.Order, req TransitionRequest, priorAgent *uuid.UUID) {
	event := Event{
		OrderID:  order.ID,
		Status:   order.Status,
		Version:  order.Version,
		AgentID:  order.AgentID,
		Reason:   order.TerminalReason,
		Terminal: order.Status.IsTerminal(),
		At:       time.Now().UTC(),
	}
	s.publisher.PublishOrderEvent(ctx, event)

	if priorAgent != nil {
		if err := s.agents.FinishDelivery(ctx, *priorAgent, time.Now().UTC()); err != nil &&
			!errors.Is(err, repositories.ErrStale) {
			log.Warn().Err(err).
				Str("agent_id", priorAgent.String()).
				Str("order_id", order.ID.String()).
				Msg("Failed to return agent to pool")
		}
	}

	switch order.Status {
	case models.OrderAgentAssigned:
		if order.AgentID != nil {
			s.notifier.Notify(ctx, *order.AgentID, &order.ID, "assignment", "You have a new delivery")
		}
		s.notifier.Notify(ctx, order.BuyerID, &order.ID, "order_update", "A delivery agent is on the way to the store")
	case models.OrderDelivered:
		s.notifier.Notify(ctx, order.BuyerID, &order.ID, "order_update", "Your order has been delivered")
		s.notifier.Notify(ctx, order.MerchantID, &order.ID, "order_update", "Order delivered")
	case models.OrderCancelled:
		s.notifier.Notify(ctx, order.BuyerID, &order.ID, "order_update", "Your order was cancelled")
		s.notifier.Notify(ctx, order.MerchantID, &order.ID, "order_update", "Order cancelled")
	case models.OrderPaymentFailed:
		s.notifier.Notify(ctx, order.BuyerID, &order.ID, "order_update", "Payment failed for your order")
	case models.OrderRefunded:
		s.notifier.Notify(ctx, order.BuyerID, &order.ID, "order_update", "Your refund has been processed")
	}
}

// Cancel moves an order to cancelled with compensation: reserved stock is
// released and a charged order gets a refund request. Buyers may cancel
// their own order before pickup; merchants and admins may cancel any
// non-terminal order of theirs.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, actor models.Principal, reason *string) (*models.Order, error) {
	order, err := s.Get(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}

	switch actor.Role {
	case models.RoleBuyer:
		// Buyers cannot cancel once the agent has the goods.
		switch order.Status {
		case models.OrderPending, models.OrderConfirmed, models.OrderAgentAssigned:
		default:
			return nil, errors.Wrapf(ErrInvalidTransition, "buyer cancel from %s", order.Status)
		}
	case models.RoleMerchant, models.RoleAdmin:
	default:
		return nil, ErrUnauthorized
	}

	req := TransitionRequest{
		OrderID:  orderID,
		Expected: order.Status,
		Next:     models.OrderCancelled,
		Actor:    actor,
		Reason:   reason,
	}
	updated, err := s.Transition(ctx, req)
	if err != nil {
		return nil, err
	}

	s.compensateCancellation(ctx, updated)
	return updated, nil
}

// compensateCancellation releases reserved stock and schedules a refund if
// the order was already charged. Shared by user cancellation, payment
// failure and dispatch exhaustion.
func (s *Service) compensateCancellation(ctx context.Context, order *models.Order) {
	if err := s.reserver.Release(ctx, order.ID, linesOf(order)); err != nil {
		log.Error().Err(err).Str("order_id", order.ID.String()).
			Msg("Stock release failed after cancellation")
	}

	if order.PaymentStatus == models.PaymentPaid && order.PaymentRef != nil {
		if err := s.refunds.RequestRefund(ctx, *order.PaymentRef, order.TotalCents); err != nil {
			// The order stays cancelled with the charge flagged; an
			// operator follows up rather than guessing forward.
			log.Error().Err(err).Str("order_id", order.ID.String()).
				Msg("Refund request failed, flagged for follow-up")
			s.metrics.IncrementCounter("orders.refund.request_failed")
		} else {
			s.metrics.IncrementCounter("orders.refund.requested")
		}
	}
}

// FailPayment is the payment-failure path into cancellation-like
// compensation: the order moves to payment_failed and its reservation is
// released.
func (s *Service) FailPayment(ctx context.Context, orderID uuid.UUID, actor models.Principal, reason *string) (*models.Order, error) {
	order, err := s.store.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	failed := models.PaymentFailed
	updated, err := s.Transition(ctx, TransitionRequest{
		OrderID:       orderID,
		Expected:      order.Status,
		Next:          models.OrderPaymentFailed,
		Actor:         actor,
		Reason:        reason,
		PaymentStatus: &failed,
	})
	if err != nil {
		return nil, err
	}

	if err := s.reserver.Release(ctx, updated.ID, linesOf(updated)); err != nil {
		log.Error().Err(err).Str("order_id", updated.ID.String()).
			Msg("Stock release failed after payment failure")
	}
	return updated, nil
}

// Get returns an order if the principal is a party to it (buyer, merchant,
// assigned agent) or an admin.
func (s *Service) Get(ctx context.Context, orderID uuid.UUID, actor models.Principal) (*models.Order, error) {
	order, err := s.store.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !Authorized(order, actor) {
		return nil, ErrUnauthorized
	}
	return order, nil
}

// List returns the principal's orders, scoped by role.
func (s *Service) List(ctx context.Context, actor models.Principal, status *models.OrderStatus, limit, offset int) ([]models.Order, int64, error) {
	filter := repositories.ListFilter{Status: status, Limit: limit, Offset: offset}
	switch actor.Role {
	case models.RoleBuyer:
		filter.BuyerID = &actor.ID
	case models.RoleMerchant:
		filter.MerchantID = &actor.ID
	case models.RoleAgent:
		filter.AgentID = &actor.ID
	case models.RoleAdmin:
	default:
		return nil, 0, ErrUnauthorized
	}
	return s.store.List(ctx, filter)
}

// History returns the order's status change log.
func (s *Service) History(ctx context.Context, orderID uuid.UUID, actor models.Principal) ([]models.StatusChange, error) {
	if _, err := s.Get(ctx, orderID, actor); err != nil {
		return nil, err
	}
	return s.store.History(ctx, orderID)
}

// GetByPaymentRef looks an order up by its gateway reference.
func (s *Service) GetByPaymentRef(ctx context.Context, ref string) (*models.Order, error) {
	order, err := s.store.GetByPaymentRef(ctx, ref)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

// Authorized reports whether the principal is a party to the order.
func Authorized(order *models.Order, actor models.Principal) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleBuyer:
		return order.BuyerID == actor.ID
	case models.RoleMerchant:
		return order.MerchantID == actor.ID
	case models.RoleAgent:
		return order.AgentID != nil && *order.AgentID == actor.ID
	}
	return false
}

func linesOf(order *models.Order) []inventory.Line {
	lines := make([]inventory.Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
