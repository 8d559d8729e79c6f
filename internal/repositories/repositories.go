package repositories

import (
	"context"
	"strings"
	"time"

	"example.com/marketplace/services/fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Store-level outcomes. Services translate these into their public results.
var (
	// ErrNotFound means the targeted record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStale means a conditional update matched no row because the
	// record's state moved between the caller's read and the write.
	ErrStale = errors.New("stale state, conditional update matched no row")
	// ErrDuplicateEvent means a payment event with the same gateway event
	// id was already recorded.
	ErrDuplicateEvent = errors.New("payment event already recorded")
	// ErrInsufficientStock means a stock decrement condition failed.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ProductRepository provides access to catalog and stock data.
type ProductRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ProductRepository {
	return &ProductRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a product by ID
func (r *ProductRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	err := r.readOnlyDB.WithContext(ctx).First(&product, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get product by ID")
	}
	return &product, nil
}

// GetForMerchant gets a product by ID scoped to a merchant
func (r *ProductRepository) GetForMerchant(ctx context.Context, id, merchantID uuid.UUID) (*models.Product, error) {
	var product models.Product
	err := r.readOnlyDB.WithContext(ctx).
		Where("id = ? AND merchant_id = ?", id, merchantID).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get product for merchant")
	}
	return &product, nil
}

// DecrementAvailable atomically decrements available stock by quantity,
// conditioned on available >= quantity in the same statement.
func (r *ProductRepository) DecrementAvailable(ctx context.Context, productID uuid.UUID, quantity int) error {
	result := r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND available >= ?", productID, quantity).
		UpdateColumn("available", gorm.Expr("available - ?", quantity))

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to decrement stock")
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientStock
	}
	return nil
}

// RestoreAvailable unconditionally restores quantity to available stock.
func (r *ProductRepository) RestoreAvailable(ctx context.Context, productID uuid.UUID, quantity int) error {
	result := r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", productID).
		UpdateColumn("available", gorm.Expr("available + ?", quantity))

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to restore stock")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MerchantRepository provides access to merchant data.
type MerchantRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewMerchantRepository creates a new repository
func NewMerchantRepository(db *gorm.DB, readOnlyDB *gorm.DB) *MerchantRepository {
	return &MerchantRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a merchant by ID
func (r *MerchantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Merchant, error) {
	var merchant models.Merchant
	err := r.readOnlyDB.WithContext(ctx).First(&merchant, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get merchant by ID")
	}
	return &merchant, nil
}

// OrderRepository provides access to order data.
type OrderRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewOrderRepository creates a new repository
func NewOrderRepository(db *gorm.DB, readOnlyDB *gorm.DB) *OrderRepository {
	return &OrderRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create inserts the order, its line items and the initial status history
// entry in one database transaction.
func (r *OrderRepository) Create(ctx context.Context, order *models.Order, change *models.StatusChange) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return errors.Wrap(err, "failed to create order")
		}
		if err := tx.Create(change).Error; err != nil {
			return errors.Wrap(err, "failed to record initial status")
		}
		return nil
	})
}

// GetByID gets an order with its line items. Reads go to the write database
// because transition callers re-read and must not see replica lag.
func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Preload("Items").First(&order, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get order by ID")
	}
	return &order, nil
}

// GetByPaymentRef gets an order by its payment gateway reference
func (r *OrderRepository) GetByPaymentRef(ctx context.Context, ref string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Preload("Items").Where("payment_ref = ?", ref).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get order by payment reference")
	}
	return &order, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	BuyerID    *uuid.UUID
	MerchantID *uuid.UUID
	AgentID    *uuid.UUID
	Status     *models.OrderStatus
	Limit      int
	Offset     int
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter ListFilter) ([]models.Order, int64, error) {
	query := r.readOnlyDB.WithContext(ctx).Model(&models.Order{})
	if filter.BuyerID != nil {
		query = query.Where("buyer_id = ?", *filter.BuyerID)
	}
	if filter.MerchantID != nil {
		query = query.Where("merchant_id = ?", *filter.MerchantID)
	}
	if filter.AgentID != nil {
		query = query.Where("agent_id = ?", *filter.AgentID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count orders")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var orders []models.Order
	err := query.Preload("Items").
		Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&orders).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list orders")
	}
	return orders, total, nil
}

// TransitionStatus performs the compare-and-swap write at the heart of the
// order state machine: update keyed on (id, status == expected), bump the
// version counter, apply the extra column updates and append the history
// entry in one transaction. Returns ErrStale when the stored status has
// already moved.
func (r *OrderRepository) TransitionStatus(
	ctx context.Context,
	orderID uuid.UUID,
	expected, next models.OrderStatus,
	updates map[string]interface{},
	change *models.StatusChange,
) (*models.Order, error) {
	var updated models.Order

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if updates == nil {
			updates = map[string]interface{}{}
		}
		updates["status"] = next
		updates["version"] = gorm.Expr("version + 1")

		result := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", orderID, expected).
			Updates(updates)
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to transition order status")
		}
		if result.RowsAffected == 0 {
			// Distinguish a missing order from a lost race.
			var count int64
			if err := tx.Model(&models.Order{}).Where("id = ?", orderID).Count(&count).Error; err != nil {
				return errors.Wrap(err, "failed to check order existence")
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrStale
		}

		if err := tx.Create(change).Error; err != nil {
			return errors.Wrap(err, "failed to record status change")
		}

		if err := tx.Preload("Items").First(&updated, orderID).Error; err != nil {
			return errors.Wrap(err, "failed to reload order")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetPaymentRef attaches the gateway reference to an order, conditioned on
// the charge still being pending. Re-initializing payment for a paid order
// matches no row.
func (r *OrderRepository) SetPaymentRef(ctx context.Context, orderID uuid.UUID, ref string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND payment_status = ?", orderID, models.PaymentPending).
		Update("payment_ref", ref)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set payment reference")
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// MarkArchived flags an order as archived after indexing.
func (r *OrderRepository) MarkArchived(ctx context.Context, orderID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", orderID).
		Update("archived", true)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark order archived")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnarchivedTerminal returns terminal orders not yet pushed to the archive index.
func (r *OrderRepository) ListUnarchivedTerminal(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Items").
		Where("archived = ? AND status IN ?", false, []models.OrderStatus{
			models.OrderDelivered, models.OrderCancelled,
			models.OrderPaymentFailed, models.OrderRefunded,
		}).
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unarchived terminal orders")
	}
	return orders, nil
}

// ListStalledConfirmed returns confirmed orders with no agent that have been
// waiting longer than the given age. Used by the dispatch retry job.
func (r *OrderRepository) ListStalledConfirmed(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ? AND agent_id IS NULL AND updated_at < ?", models.OrderConfirmed, olderThan).
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stalled confirmed orders")
	}
	return orders, nil
}

// History returns the status changes for an order, oldest first.
func (r *OrderRepository) History(ctx context.Context, orderID uuid.UUID) ([]models.StatusChange, error) {
	var changes []models.StatusChange
	err := r.readOnlyDB.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&changes).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get order history")
	}
	return changes, nil
}

// AgentRepository provides access to delivery agent data.
type AgentRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewAgentRepository creates a new repository
func NewAgentRepository(db *gorm.DB, readOnlyDB *gorm.DB) *AgentRepository {
	return &AgentRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets an agent by ID
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.WithContext(ctx).First(&agent, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get agent by ID")
	}
	return &agent, nil
}

// ListAvailable returns all agents currently in status available. Ranking by
// distance happens in the dispatch service; the candidate set is small.
func (r *AgentRepository) ListAvailable(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := r.db.WithContext(ctx).
		Where("status = ?", models.AgentAvailable).
		Find(&agents).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list available agents")
	}
	return agents, nil
}

// Lock atomically claims an agent for an order: status flips from available
// to locked only if it is still available. Exactly one of two racing
// dispatchers wins; the loser sees ErrStale.
func (r *AgentRepository) Lock(ctx context.Context, agentID, orderID uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ? AND status = ?", agentID, models.AgentAvailable).
		Updates(map[string]interface{}{
			"status":        models.AgentLocked,
			"lock_order_id": orderID,
			"locked_at":     now,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to lock agent")
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// ReleaseLock releases a held lock and returns the agent to the pool.
func (r *AgentRepository) ReleaseLock(ctx context.Context, agentID uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ? AND status = ?", agentID, models.AgentLocked).
		Updates(map[string]interface{}{
			"status":            models.AgentAvailable,
			"lock_order_id":     nil,
			"locked_at":         nil,
			"last_available_at": now,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to release agent lock")
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// ConfirmBusy promotes a locked agent to busy, conditioned on the lock still
// being held by this order. lock_order_id stays set while busy; it is the
// agent's current delivery.
func (r *AgentRepository) ConfirmBusy(ctx context.Context, agentID, orderID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ? AND status = ? AND lock_order_id = ?", agentID, models.AgentLocked, orderID).
		Updates(map[string]interface{}{
			"status":    models.AgentBusy,
			"locked_at": nil,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to confirm agent")
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// FinishDelivery returns a busy agent to the available pool.
func (r *AgentRepository) FinishDelivery(ctx context.Context, agentID uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ? AND status = ?", agentID, models.AgentBusy).
		Updates(map[string]interface{}{
			"status":            models.AgentAvailable,
			"lock_order_id":     nil,
			"last_available_at": now,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to finish delivery")
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// ReleaseExpiredLocks flips every lock older than the TTL back to available.
// This is the structural enforcement of lock expiry: a crashed dispatcher
// cannot hold an agent hostage because the sweep does not depend on it.
func (r *AgentRepository) ReleaseExpiredLocks(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("status = ? AND locked_at < ?", models.AgentLocked, cutoff).
		Updates(map[string]interface{}{
			"status":            models.AgentAvailable,
			"lock_order_id":     nil,
			"locked_at":         nil,
			"last_available_at": now,
		})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to release expired locks")
	}
	return result.RowsAffected, nil
}

// UpdateLocation records a position report from an agent device.
func (r *AgentRepository) UpdateLocation(ctx context.Context, agentID uuid.UUID, lat, lng float64, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ?", agentID).
		Updates(map[string]interface{}{
			"lat":         lat,
			"lng":         lng,
			"location_at": at,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update agent location")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOnline moves an offline agent into the available pool.
func (r *AgentRepository) SetOnline(ctx context.Context, agentID uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ? AND status = ?", agentID, models.AgentOffline).
		Updates(map[string]interface{}{
			"status":            models.AgentAvailable,
			"last_available_at": now,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set agent online")
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// SetOffline takes an available agent out of the pool. Locked and busy
// agents stay as they are until their current delivery resolves.
func (r *AgentRepository) SetOffline(ctx context.Context, agentID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ? AND status = ?", agentID, models.AgentAvailable).
		Update("status", models.AgentOffline)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set agent offline")
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// PushToken resolves the agent's device push token. Principals that are
// not agents simply have no token.
func (r *AgentRepository) PushToken(ctx context.Context, principalID uuid.UUID) (*string, error) {
	var agent models.Agent
	err := r.readOnlyDB.WithContext(ctx).
		Select("push_token").
		First(&agent, principalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to resolve push token")
	}
	return agent.PushToken, nil
}

// PaymentEventRepository provides the webhook deduplication store.
type PaymentEventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewPaymentEventRepository creates a new repository
func NewPaymentEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *PaymentEventRepository {
	return &PaymentEventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Insert records a gateway event. A unique-constraint violation on the
// gateway event id is reported as ErrDuplicateEvent, not a failure.
func (r *PaymentEventRepository) Insert(ctx context.Context, event *models.PaymentEvent) error {
	err := r.db.WithContext(ctx).Create(event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateEvent
		}
		return errors.Wrap(err, "failed to insert payment event")
	}
	return nil
}

// Delete removes a recorded event by the gateway's event id. Used to back
// out the idempotence record when applying the event failed.
func (r *PaymentEventRepository) Delete(ctx context.Context, eventID string) error {
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&models.PaymentEvent{}).Error
	if err != nil {
		return errors.Wrap(err, "failed to delete payment event")
	}
	return nil
}

// GetByEventID gets a recorded event by the gateway's event id
func (r *PaymentEventRepository) GetByEventID(ctx context.Context, eventID string) (*models.PaymentEvent, error) {
	var event models.PaymentEvent
	err := r.readOnlyDB.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get payment event")
	}
	return &event, nil
}

// NotificationRepository persists fire-and-forget notifications.
type NotificationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewNotificationRepository creates a new repository
func NewNotificationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *NotificationRepository {
	return &NotificationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create persists a notification
func (r *NotificationRepository) Create(ctx context.Context, notification *models.Notification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

// ListForPrincipal returns recent notifications for a principal
func (r *NotificationRepository) ListForPrincipal(ctx context.Context, principalID uuid.UUID, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var notifications []models.Notification
	err := r.readOnlyDB.WithContext(ctx).
		Where("principal_id = ?", principalID).
		Order("created_at DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	return notifications, nil
}
