package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/orders"
	"example.com/marketplace/services/fulfillment/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Ingest outcomes.
var (
	// ErrBadSignature means the payload did not verify against the shared
	// secret. Checked before any state lookup; treated as hostile.
	ErrBadSignature = errors.New("webhook signature verification failed")
	// ErrDuplicate means this gateway event id was already processed. Not
	// a failure; at-least-once delivery makes replays normal.
	ErrDuplicate = errors.New("duplicate payment event")
	// ErrUnknownReference means no order carries the event's reference.
	ErrUnknownReference = errors.New("unknown payment reference")
)

// Gateway event types this engine acts on.
const (
	EventChargeSuccess   = "charge.success"
	EventChargeFailed    = "charge.failed"
	EventRefundProcessed = "refund.processed"
)

// EventStore records processed gateway events; the unique insert is the
// idempotence gate. Delete backs out the record when applying the event
// failed, so the gateway's redelivery gets another attempt instead of a
// duplicate ack.
type EventStore interface {
	Insert(ctx context.Context, event *models.PaymentEvent) error
	Delete(ctx context.Context, eventID string) error
}

// OrderAPI is the slice of the order service the ingestor drives.
type OrderAPI interface {
	GetByPaymentRef(ctx context.Context, ref string) (*models.Order, error)
	Transition(ctx context.Context, req orders.TransitionRequest) (*models.Order, error)
	FailPayment(ctx context.Context, orderID uuid.UUID, actor models.Principal, reason *string) (*models.Order, error)
}

// WebhookEvent is the signed payload shape delivered by the gateway.
type WebhookEvent struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  struct {
		Reference   string `json:"reference"`
		AmountCents int64  `json:"amount"`
		Status      string `json:"status"`
	} `json:"data"`
}

// Ingestor consumes gateway webhook events and advances orders exactly once
// per event id.
type Ingestor struct {
	events  EventStore
	orders  OrderAPI
	secret  string
	metrics *metrics.Metrics
	system  models.Principal
}

// NewIngestor creates a new webhook ingestor
func NewIngestor(events EventStore, orderAPI OrderAPI, secret string, collector *metrics.Metrics) *Ingestor {
	return &Ingestor{
		events:  events,
		orders:  orderAPI,
		secret:  secret,
		metrics: collector,
		system:  models.Principal{ID: uuid.Nil, Role: models.RoleAdmin},
	}
}

// VerifySignature checks the HMAC-SHA512 of the raw body against the
// signature header in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Ingest processes one raw webhook delivery. The signature is checked
// before anything else; the event id insert deduplicates replays; only a
// first-seen event touches order state.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signature string) error {
	if !VerifySignature(i.secret, body, signature) {
		i.metrics.IncrementCounter("webhook.rejected.signature")
		log.Warn().Msg("Webhook rejected: bad signature")
		return ErrBadSignature
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		i.metrics.IncrementCounter("webhook.rejected.malformed")
		return errors.Wrap(err, "malformed webhook payload")
	}
	if event.ID == "" || event.Event == "" || event.Data.Reference == "" {
		i.metrics.IncrementCounter("webhook.rejected.malformed")
		return errors.New("webhook payload missing id, event or reference")
	}

	order, err := i.orders.GetByPaymentRef(ctx, event.Data.Reference)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			i.metrics.IncrementCounter("webhook.rejected.unknown_ref")
			return errors.Wrapf(ErrUnknownReference, "reference %s", event.Data.Reference)
		}
		return err
	}

	err = i.events.Insert(ctx, &models.PaymentEvent{
		ID:        uuid.New(),
		EventID:   event.ID,
		OrderID:   order.ID,
		EventType: event.Event,
	})
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicateEvent) {
			i.metrics.IncrementCounter("webhook.duplicate")
			return ErrDuplicate
		}
		return err
	}

	if err := i.apply(ctx, order, event); err != nil {
		// Back the record out so the redelivery is not acked as a
		// duplicate while the order never moved. If the delete fails too,
		// the verify endpoint remains the repair path.
		if delErr := i.events.Delete(ctx, event.ID); delErr != nil {
			log.Error().Err(delErr).Str("event_id", event.ID).
				Msg("Failed to back out payment event after apply failure")
		}
		return err
	}
	i.metrics.IncrementCounter("webhook.accepted")
	return nil
}

// apply advances the order for a first-seen event.
func (i *Ingestor) apply(ctx context.Context, order *models.Order, event WebhookEvent) error {
	switch event.Event {
	case EventChargeSuccess:
		return i.applyChargeSuccess(ctx, order)

	case EventChargeFailed:
		reason := "payment_failed"
		_, err := i.orders.FailPayment(ctx, order.ID, i.system, &reason)
		if errors.Is(err, orders.ErrInvalidTransition) || errors.Is(err, orders.ErrConflict) {
			// Already terminal; the failure event has nothing to do.
			log.Info().Str("order_id", order.ID.String()).
				Msg("Charge failure for order already settled, ignoring")
			return nil
		}
		return err

	case EventRefundProcessed:
		refunded := models.PaymentRefunded
		_, err := i.orders.Transition(ctx, orders.TransitionRequest{
			OrderID:       order.ID,
			Expected:      order.Status,
			Next:          models.OrderRefunded,
			Actor:         i.system,
			PaymentStatus: &refunded,
		})
		if errors.Is(err, orders.ErrConflict) {
			return fmt.Errorf("refund event raced with another transition for order %s: %w", order.ID, err)
		}
		return err

	default:
		// Unknown event types are recorded (for idempotence) and ignored.
		log.Info().Str("event", event.Event).Msg("Ignoring unhandled gateway event type")
		return nil
	}
}

// applyChargeSuccess confirms a pending order. A success for an order
// already past pending is a no-op: the event was recorded, the order does
// not move backwards.
func (i *Ingestor) applyChargeSuccess(ctx context.Context, order *models.Order) error {
	if order.Status != models.OrderPending {
		log.Info().
			Str("order_id", order.ID.String()).
			Str("status", string(order.Status)).
			Msg("Charge success for order already past pending, no-op")
		return nil
	}

	paid := models.PaymentPaid
	_, err := i.orders.Transition(ctx, orders.TransitionRequest{
		OrderID:       order.ID,
		Expected:      models.OrderPending,
		Next:          models.OrderConfirmed,
		Actor:         i.system,
		PaymentStatus: &paid,
	})
	if errors.Is(err, orders.ErrConflict) {
		// Someone else moved the order (e.g. a cancel). Re-read once: if
		// it is already confirmed there is nothing left to do.
		fresh, getErr := i.orders.GetByPaymentRef(ctx, derefRef(order))
		if getErr == nil && fresh.Status != models.OrderPending {
			return nil
		}
		return err
	}
	return err
}

func derefRef(order *models.Order) string {
	if order.PaymentRef != nil {
		return *order.PaymentRef
	}
	return ""
}
