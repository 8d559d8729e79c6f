package payments

import (
	"context"
	"strings"

	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/orders"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyPaid is returned when payment initiation is attempted for an
// order that has already been charged.
var ErrAlreadyPaid = errors.New("order already paid")

// OrderReader is the order access the initiation flow needs.
type OrderReader interface {
	Get(ctx context.Context, orderID uuid.UUID, actor models.Principal) (*models.Order, error)
	GetByPaymentRef(ctx context.Context, ref string) (*models.Order, error)
	Transition(ctx context.Context, req orders.TransitionRequest) (*models.Order, error)
}

// RefStore attaches gateway references to orders.
type RefStore interface {
	SetPaymentRef(ctx context.Context, orderID uuid.UUID, ref string) error
}

// Service owns the buyer-initiated payment flow: initialization and the
// post-redirect verification that corroborates a client-reported success
// against the gateway before trusting it.
type Service struct {
	orders      OrderReader
	refs        RefStore
	gateway     *GatewayClient
	callbackURL string
	metrics     *metrics.Metrics
	system      models.Principal
}

// NewService creates a new payment service
func NewService(orderAPI OrderReader, refs RefStore, gateway *GatewayClient, callbackURL string, collector *metrics.Metrics) *Service {
	return &Service{
		orders:      orderAPI,
		refs:        refs,
		gateway:     gateway,
		callbackURL: callbackURL,
		metrics:     collector,
		system:      models.Principal{ID: uuid.Nil, Role: models.RoleAdmin},
	}
}

// InitResult is returned from a successful initialization.
type InitResult struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
}

// Initialize starts a gateway charge for an order. The amount always comes
// from the stored order total, never from the request.
func (s *Service) Initialize(ctx context.Context, actor models.Principal, orderID uuid.UUID, email string) (*InitResult, error) {
	order, err := s.orders.Get(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus == models.PaymentPaid {
		return nil, ErrAlreadyPaid
	}

	reference := "ord-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if err := s.refs.SetPaymentRef(ctx, order.ID, reference); err != nil {
		return nil, errors.Wrap(err, "failed to attach payment reference")
	}

	authURL, err := s.gateway.Initialize(ctx, email, order.TotalCents, reference, s.callbackURL)
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementCounter("payments.initialized")
	log.Info().
		Str("order_id", order.ID.String()).
		Str("reference", reference).
		Msg("Payment initialized")

	return &InitResult{Reference: reference, AuthorizationURL: authURL}, nil
}

// VerifyRedirect handles the buyer returning from the gateway. The charge
// status is fetched from the gateway server-side; the redirect itself is
// never trusted to mark an order paid.
func (s *Service) VerifyRedirect(ctx context.Context, actor models.Principal, reference string) (*models.Order, error) {
	order, err := s.orders.GetByPaymentRef(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !orders.Authorized(order, actor) {
		return nil, orders.ErrUnauthorized
	}

	txn, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn.Status != "success" {
		log.Info().
			Str("reference", reference).
			Str("gateway_status", txn.Status).
			Msg("Verification did not confirm charge")
		return order, nil
	}
	if txn.AmountCents != order.TotalCents {
		return nil, errors.Errorf("charge amount %d does not match order total %d", txn.AmountCents, order.TotalCents)
	}

	if order.Status != models.OrderPending {
		// The webhook got here first; nothing to advance.
		return order, nil
	}

	paid := models.PaymentPaid
	updated, err := s.orders.Transition(ctx, orders.TransitionRequest{
		OrderID:       order.ID,
		Expected:      models.OrderPending,
		Next:          models.OrderConfirmed,
		Actor:         s.system,
		PaymentStatus: &paid,
	})
	if errors.Is(err, orders.ErrConflict) {
		// Concurrent webhook won the race; report the fresh state.
		return s.orders.GetByPaymentRef(ctx, reference)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementCounter("payments.verified")
	return updated, nil
}
