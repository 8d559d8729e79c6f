package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	OrderPending       OrderStatus = "pending"
	OrderConfirmed     OrderStatus = "confirmed"
	OrderAgentAssigned OrderStatus = "agent_assigned"
	OrderPickedUp      OrderStatus = "picked_up"
	OrderInTransit     OrderStatus = "in_transit"
	OrderDelivered     OrderStatus = "delivered"
	OrderCancelled     OrderStatus = "cancelled"
	OrderPaymentFailed OrderStatus = "payment_failed"
	OrderRefunded      OrderStatus = "refunded"
)

// IsTerminal reports whether s ends fulfillment. Delivered and cancelled
// orders may still take the refund edge, but nothing else moves again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderDelivered, OrderCancelled, OrderPaymentFailed, OrderRefunded:
		return true
	}
	return false
}

// AgentStatus enumerates delivery agent availability states.
type AgentStatus string

const (
	AgentOffline   AgentStatus = "offline"
	AgentAvailable AgentStatus = "available"
	AgentLocked    AgentStatus = "locked"
	AgentBusy      AgentStatus = "busy"
)

// PaymentStatus tracks the charge state of an order independently of fulfillment.
type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "pending"
	PaymentPaid          PaymentStatus = "paid"
	PaymentFailed        PaymentStatus = "failed"
	PaymentRefundPending PaymentStatus = "refund_pending"
	PaymentRefunded      PaymentStatus = "refunded"
)

// Role identifies the capability of a verified principal.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleMerchant Role = "merchant"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
)

// Principal is the verified identity attached to every inbound call.
type Principal struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// Order is the unit of work moving through fulfillment.
type Order struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
	BuyerID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"buyer_id"`
	MerchantID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"merchant_id"`
	AgentID          *uuid.UUID     `gorm:"type:uuid;index" json:"agent_id"`
	Items            []OrderItem    `gorm:"foreignKey:OrderID" json:"items"`
	SubtotalCents    int64          `gorm:"not null" json:"subtotal_cents"`
	DeliveryFeeCents int64          `gorm:"not null" json:"delivery_fee_cents"`
	TotalCents       int64          `gorm:"not null" json:"total_cents"`
	Currency         string         `gorm:"not null;default:ZAR" json:"currency"`
	Status           OrderStatus    `gorm:"not null;index" json:"status"`
	Version          int64          `gorm:"not null;default:0" json:"version"`
	PaymentMethod    string         `gorm:"not null" json:"payment_method"`
	PaymentStatus    PaymentStatus  `gorm:"not null;default:pending" json:"payment_status"`
	PaymentRef       *string        `gorm:"uniqueIndex" json:"payment_ref"`
	DeliveryAddress  string         `gorm:"not null" json:"delivery_address"`
	DeliveryLat      float64        `gorm:"not null" json:"delivery_lat"`
	DeliveryLng      float64        `gorm:"not null" json:"delivery_lng"`
	PickupLat        float64        `gorm:"not null" json:"pickup_lat"`
	PickupLng        float64        `gorm:"not null" json:"pickup_lng"`
	TerminalReason   *string        `json:"terminal_reason"`
	DeliveredAt      *time.Time     `json:"delivered_at"`
	Archived         bool           `gorm:"not null;default:false" json:"archived"`
}

// OrderItem is a line item with price snapshot taken at creation time.
type OrderItem struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	OrderID        uuid.UUID `gorm:"type:uuid;not null;index" json:"order_id"`
	ProductID      uuid.UUID `gorm:"type:uuid;not null" json:"product_id"`
	ProductName    string    `gorm:"not null" json:"product_name"`
	Quantity       int       `gorm:"not null" json:"quantity"`
	UnitPriceCents int64     `gorm:"not null" json:"unit_price_cents"`
	TotalCents     int64     `gorm:"not null" json:"total_cents"`
}

// StatusChange records one transition in an order's history.
type StatusChange struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	OrderID   uuid.UUID   `gorm:"type:uuid;not null;index" json:"order_id"`
	Status    OrderStatus `gorm:"not null" json:"status"`
	ActorID   uuid.UUID   `gorm:"type:uuid;not null" json:"actor_id"`
	ActorRole Role        `gorm:"not null" json:"actor_role"`
	Note      *string     `json:"note"`
}

// Product carries the catalog price and the per-merchant stock count.
// Available is decremented at reservation time and restored on release;
// there is no separate reserved column.
type Product struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
	MerchantID uuid.UUID      `gorm:"type:uuid;not null;index" json:"merchant_id"`
	Name       string         `gorm:"not null" json:"name"`
	PriceCents int64          `gorm:"not null" json:"price_cents"`
	Available  int            `gorm:"not null;default:0;check:available >= 0" json:"available"`
}

// Merchant is the pickup side of an order.
type Merchant struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"not null" json:"name"`
	Address   string         `gorm:"not null" json:"address"`
	Lat       float64        `gorm:"not null" json:"lat"`
	Lng       float64        `gorm:"not null" json:"lng"`
}

// Agent is a delivery agent's availability and lock state.
type Agent struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	Name            string         `gorm:"not null" json:"name"`
	Status          AgentStatus    `gorm:"not null;default:offline;index" json:"status"`
	Lat             float64        `json:"lat"`
	Lng             float64        `json:"lng"`
	LocationAt      *time.Time     `json:"location_at"`
	LockOrderID     *uuid.UUID     `gorm:"type:uuid" json:"lock_order_id"`
	LockedAt        *time.Time     `gorm:"index" json:"locked_at"`
	LastAvailableAt *time.Time     `json:"last_available_at"`
	PushToken       *string        `json:"-"`
}

// PaymentEvent is the deduplication record for inbound gateway events.
// EventID carries the gateway's globally unique event id; the unique index
// is what makes at-least-once webhook delivery safe to ingest.
type PaymentEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventID     string    `gorm:"not null;uniqueIndex" json:"event_id"`
	OrderID     uuid.UUID `gorm:"type:uuid;not null;index" json:"order_id"`
	EventType   string    `gorm:"not null" json:"event_type"`
	ProcessedAt time.Time `gorm:"autoCreateTime" json:"processed_at"`
}

// Notification is a persisted fire-and-forget message to a principal.
type Notification struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	PrincipalID uuid.UUID  `gorm:"type:uuid;not null;index" json:"principal_id"`
	OrderID     *uuid.UUID `gorm:"type:uuid" json:"order_id"`
	Type        string     `gorm:"not null" json:"type"`
	Message     string     `gorm:"not null" json:"message"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Merchant{},
		&Product{},
		&Agent{},
		&Order{},
		&OrderItem{},
		&StatusChange{},
		&PaymentEvent{},
		&Notification{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
