package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"testing"

	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/orders"
	"example.com/marketplace/services/fulfillment/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSecret = "sk_test_webhook_secret"

type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) Insert(ctx context.Context, event *models.PaymentEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventStore) Delete(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

type MockOrderAPI struct {
	mock.Mock
}

func (m *MockOrderAPI) GetByPaymentRef(ctx context.Context, ref string) (*models.Order, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockOrderAPI) Transition(ctx context.Context, req orders.TransitionRequest) (*models.Order, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockOrderAPI) FailPayment(ctx context.Context, orderID uuid.UUID, actor models.Principal, reason *string) (*models.Order, error) {
	args := m.Called(ctx, orderID, actor, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func signBody(t *testing.T, body []byte) string {
	t.Helper()
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func eventBody(t *testing.T, id, eventType, reference string, amount int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":    id,
		"event": eventType,
		"data": map[string]interface{}{
			"reference": reference,
			"amount":    amount,
			"status":    "success",
		},
	})
	require.NoError(t, err)
	return body
}

func newTestIngestor() (*Ingestor, *MockEventStore, *MockOrderAPI) {
	events := new(MockEventStore)
	orderAPI := new(MockOrderAPI)
	ingestor := NewIngestor(events, orderAPI, testSecret, metrics.NewMetrics())
	return ingestor, events, orderAPI
}

func pendingOrder(ref string) *models.Order {
	return &models.Order{
		ID:            uuid.New(),
		Status:        models.OrderPending,
		PaymentStatus: models.PaymentPending,
		PaymentRef:    &ref,
		TotalCents:    5000,
	}
}

func TestIngestRejectsBadSignatureBeforeAnyLookup(t *testing.T) {
	ingestor, events, orderAPI := newTestIngestor()
	body := eventBody(t, "evt_1", EventChargeSuccess, "ord-ref1", 5000)

	err := ingestor.Ingest(context.Background(), body, "deadbeef")
	require.ErrorIs(t, err, ErrBadSignature)

	orderAPI.AssertNotCalled(t, "GetByPaymentRef", mock.Anything, mock.Anything)
	events.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestIngestChargeSuccessConfirmsPendingOrder(t *testing.T) {
	ingestor, events, orderAPI := newTestIngestor()
	order := pendingOrder("ord-ref2")
	body := eventBody(t, "evt_2", EventChargeSuccess, "ord-ref2", order.TotalCents)

	orderAPI.On("GetByPaymentRef", mock.Anything, "ord-ref2").Return(order, nil)
	events.On("Insert", mock.Anything, mock.MatchedBy(func(e *models.PaymentEvent) bool {
		return e.EventID == "evt_2" && e.OrderID == order.ID
	})).Return(nil)
	orderAPI.On("Transition", mock.Anything, mock.MatchedBy(func(req orders.TransitionRequest) bool {
		return req.OrderID == order.ID &&
			req.Expected == models.OrderPending &&
			req.Next == models.OrderConfirmed &&
			req.PaymentStatus != nil && *req.PaymentStatus == models.PaymentPaid
	})).Return(&models.Order{ID: order.ID, Status: models.OrderConfirmed}, nil)

	require.NoError(t, ingestor.Ingest(context.Background(), body, signBody(t, body)))
	orderAPI.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestIngestDuplicateEventHasNoSecondEffect(t *testing.T) {
	ingestor, events, orderAPI := newTestIngestor()
	order := pendingOrder("ord-ref3")
	body := eventBody(t, "evt_3", EventChargeSuccess, "ord-ref3", order.TotalCents)

	orderAPI.On("GetByPaymentRef", mock.Anything, "ord-ref3").Return(order, nil)
	events.On("Insert", mock.Anything, mock.Anything).Return(repositories.ErrDuplicateEvent)

	err := ingestor.Ingest(context.Background(), body, signBody(t, body))
	require.ErrorIs(t, err, ErrDuplicate)
	orderAPI.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything)
}

func TestIngestRedeliveryAppliesExactlyOnce(t *testing.T) {
	ingestor, events, orderAPI := newTestIngestor()
	order := pendingOrder("ord-ref4")
	body := eventBody(t, "evt_4", EventChargeSuccess, "ord-ref4", order.TotalCents)
	signature := signBody(t, body)

	orderAPI.On("GetByPaymentRef", mock.Anything, "ord-ref4").Return(order, nil)
	events.On("Insert", mock.Anything, mock.Anything).Return(nil).Once()
	events.On("Insert", mock.Anything, mock.Anything).Return(repositories.ErrDuplicateEvent)
	orderAPI.On("Transition", mock.Anything, mock.Anything).
		Return(&models.Order{ID: order.ID, Status: models.OrderConfirmed}, nil)

	require.NoError(t, ingestor.Ingest(context.Background(), body, signature))
	for i := 0; i < 4; i++ {
		err := ingestor.Ingest(context.Background(), body, signature)
		require.ErrorIs(t, err, ErrDuplicate)
	}

	orderAPI.AssertNumberOfCalls(t, "Transition", 1)
}

func TestIngestChargeSuccessPastPendingIsNoOp(t *testing.T) {
	ingestor, events, orderAPI := newTestIngestor()
	ref := "ord-ref5"
	order := &models.Order{
		ID:         uuid.New(),
		Status:     models.OrderInTransit,
		PaymentRef: &ref,
	}
	body := eventBody(t, "evt_5", EventChargeSuccess, ref, 5000)

	orderAPI.On("GetByPaymentRef", mock.Anything, ref).Return(order, nil)
	events.On("Insert", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, ingestor.Ingest(context.Background(), body, signBody(t, body)))
	orderAPI.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything)
}

func TestIngestChargeFailedFailsPayment(t *testing.T) {
	ingestor, events, orderAPI := newTestIngestor()
	order := pendingOrder("ord-ref6")
	body := eventBody(t, "evt_6", EventChargeFailed, "ord-ref6", order.TotalCents)

	orderAPI.On("GetByPaymentRef", mock.Anything, "ord-ref6").Return(order, nil)
	events.On("Insert", mock.Anything, mock.Anything).Return(nil)
	orderAPI.On("FailPayment", mock.Anything, order.ID, mock.Anything, mock.Anything).
		Return(&models.Order{ID: order.ID, Status: models.OrderPaymentFailed}, nil)

	require.NoError(t, ingestor.Ingest(context.Background(), body, signBody(t, body)))
	orderAPI.AssertExpectations(t)
}

func TestIngestRefundProcessedTransitions(t *testing.T) {
	ingestor, events, orderAPI := newTestIngestor()
	ref := "ord-ref7"
	order := &models.Order{
		ID:            uuid.New(),
		Status:        models.OrderCancelled,
		PaymentStatus: models.PaymentRefundPending,
		PaymentRef:    &ref,
	}
	body := eventBody(t, "evt_7", EventRefundProcessed, ref, 5000)

	orderAPI.On("GetByPaymentRef", mock.Anything, ref).Return(order, nil)
	events.On("Insert", mock.Anything, mock.Anything).Return(nil)
	orderAPI.On("Transition", mock.Anything, mock.MatchedBy(func(req orders.TransitionRequest) bool {
		return req.Next == models.OrderRefunded &&
			req.PaymentStatus != nil && *req.PaymentStatus == models.PaymentRefunded
	})).Return(&models.Order{ID: order.ID, Status: models.OrderRefunded}, nil)

	require.NoError(t, ingestor.Ingest(context.Background(), body, signBody(t, body)))
	orderAPI.AssertExpectations(t)
}

func TestIngestBacksOutEventWhenApplyFails(t *testing.T) {
	ingestor, events, orderAPI := newTestIngestor()
	order := pendingOrder("ord-ref11")
	body := eventBody(t, "evt_11", EventChargeSuccess, "ord-ref11", order.TotalCents)
	signature := signBody(t, body)

	orderAPI.On("GetByPaymentRef", mock.Anything, "ord-ref11").Return(order, nil)
	events.On("Insert", mock.Anything, mock.Anything).Return(nil)
	events.On("Delete", mock.Anything, "evt_11").Return(nil).Once()
	orderAPI.On("Transition", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset")).Once()
	orderAPI.On("Transition", mock.Anything, mock.Anything).
		Return(&models.Order{ID: order.ID, Status: models.OrderConfirmed}, nil)

	// First delivery fails transiently; the event record is backed out so
	// the redelivery is not acked as a duplicate.
	err := ingestor.Ingest(context.Background(), body, signature)
	require.Error(t, err)
	events.AssertExpectations(t)

	require.NoError(t, ingestor.Ingest(context.Background(), body, signature))
	orderAPI.AssertNumberOfCalls(t, "Transition", 2)
}

func TestIngestUnknownReference(t *testing.T) {
	ingestor, _, orderAPI := newTestIngestor()
	body := eventBody(t, "evt_8", EventChargeSuccess, "ord-unknown", 5000)

	orderAPI.On("GetByPaymentRef", mock.Anything, "ord-unknown").Return(nil, orders.ErrNotFound)

	err := ingestor.Ingest(context.Background(), body, signBody(t, body))
	require.ErrorIs(t, err, ErrUnknownReference)
}

func TestIngestUnknownEventTypeRecordedAndIgnored(t *testing.T) {
	ingestor, events, orderAPI := newTestIngestor()
	order := pendingOrder("ord-ref9")
	body := eventBody(t, "evt_9", "transfer.success", "ord-ref9", 5000)

	orderAPI.On("GetByPaymentRef", mock.Anything, "ord-ref9").Return(order, nil)
	events.On("Insert", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, ingestor.Ingest(context.Background(), body, signBody(t, body)))
	orderAPI.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything)
	orderAPI.AssertNotCalled(t, "FailPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestMalformedPayload(t *testing.T) {
	ingestor, _, _ := newTestIngestor()
	body := []byte(`{"id": "evt_10"}`)

	err := ingestor.Ingest(context.Background(), body, signBody(t, body))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrBadSignature)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt"}`)
	require.True(t, VerifySignature(testSecret, body, signBody(t, body)))
	require.False(t, VerifySignature(testSecret, body, "tampered"))
	require.False(t, VerifySignature("other-secret", body, signBody(t, body)))
}
