package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeStock is an in-memory stock store with the same conditional-decrement
// semantics as the real repository.
type fakeStock struct {
	mu        sync.Mutex
	available map[uuid.UUID]int

	// restoreFailures makes the first N restores of a product fail.
	restoreFailures map[uuid.UUID]int
}

func newFakeStock() *fakeStock {
	return &fakeStock{
		available:       make(map[uuid.UUID]int),
		restoreFailures: make(map[uuid.UUID]int),
	}
}

func (f *fakeStock) DecrementAvailable(_ context.Context, productID uuid.UUID, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.available[productID] < quantity {
		return repositories.ErrInsufficientStock
	}
	f.available[productID] -= quantity
	return nil
}

func (f *fakeStock) RestoreAvailable(_ context.Context, productID uuid.UUID, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreFailures[productID] > 0 {
		f.restoreFailures[productID]--
		return errors.New("transient store error")
	}
	f.available[productID] += quantity
	return nil
}

func (f *fakeStock) count(productID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available[productID]
}

func newTestService(stock Stock) *Service {
	svc := NewService(stock, metrics.NewMetrics())
	svc.compensateRetry = time.Millisecond
	return svc
}

func TestReserveSuccess(t *testing.T) {
	stock := newFakeStock()
	a, b := uuid.New(), uuid.New()
	stock.available[a] = 5
	stock.available[b] = 3

	svc := newTestService(stock)

	committed, err := svc.Reserve(context.Background(), []Line{
		{ProductID: a, Quantity: 2},
		{ProductID: b, Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, committed, 2)
	require.Equal(t, 3, stock.count(a))
	require.Equal(t, 0, stock.count(b))
}

func TestReserveInsufficientStock(t *testing.T) {
	stock := newFakeStock()
	a := uuid.New()
	stock.available[a] = 2

	svc := newTestService(stock)

	_, err := svc.Reserve(context.Background(), []Line{{ProductID: a, Quantity: 3}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, 2, stock.count(a))
}

func TestReserveExactStock(t *testing.T) {
	stock := newFakeStock()
	a := uuid.New()
	stock.available[a] = 2

	svc := newTestService(stock)

	committed, err := svc.Reserve(context.Background(), []Line{{ProductID: a, Quantity: 2}})
	require.NoError(t, err)
	require.Len(t, committed, 1)
	require.Equal(t, 0, stock.count(a))
}

func TestReserveCompensatesPartialFailure(t *testing.T) {
	stock := newFakeStock()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	stock.available[a] = 10
	stock.available[b] = 10
	stock.available[c] = 1

	svc := newTestService(stock)

	_, err := svc.Reserve(context.Background(), []Line{
		{ProductID: a, Quantity: 4},
		{ProductID: b, Quantity: 4},
		{ProductID: c, Quantity: 2},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Every decrement taken before the failure is back.
	require.Equal(t, 10, stock.count(a))
	require.Equal(t, 10, stock.count(b))
	require.Equal(t, 1, stock.count(c))
}

func TestReserveCompensationRetriesTransientFailures(t *testing.T) {
	stock := newFakeStock()
	a, b := uuid.New(), uuid.New()
	stock.available[a] = 5
	stock.available[b] = 0
	stock.restoreFailures[a] = 3

	svc := newTestService(stock)

	_, err := svc.Reserve(context.Background(), []Line{
		{ProductID: a, Quantity: 5},
		{ProductID: b, Quantity: 1},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, 5, stock.count(a))
}

func TestReserveRejectsBadQuantities(t *testing.T) {
	stock := newFakeStock()
	a := uuid.New()
	stock.available[a] = 100

	svc := newTestService(stock)

	_, err := svc.Reserve(context.Background(), []Line{{ProductID: a, Quantity: 0}})
	require.Error(t, err)

	_, err = svc.Reserve(context.Background(), []Line{{ProductID: a, Quantity: MaxItemQuantity + 1}})
	require.Error(t, err)

	// Nothing was touched.
	require.Equal(t, 100, stock.count(a))
}

func TestReleaseRestoresAllLines(t *testing.T) {
	stock := newFakeStock()
	a, b := uuid.New(), uuid.New()
	stock.available[a] = 10
	stock.available[b] = 10

	svc := newTestService(stock)

	lines := []Line{
		{ProductID: a, Quantity: 3},
		{ProductID: b, Quantity: 7},
	}
	committed, err := svc.Reserve(context.Background(), lines)
	require.NoError(t, err)

	require.NoError(t, svc.Release(context.Background(), uuid.New(), committed))
	require.Equal(t, 10, stock.count(a))
	require.Equal(t, 10, stock.count(b))
}

func TestReleaseSurvivesCancelledContext(t *testing.T) {
	stock := newFakeStock()
	a := uuid.New()
	stock.available[a] = 5
	stock.restoreFailures[a] = 1

	svc := newTestService(stock)

	committed, err := svc.Reserve(context.Background(), []Line{{ProductID: a, Quantity: 5}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The restore retries past the dead context and still completes.
	require.NoError(t, svc.Release(ctx, uuid.New(), committed))
	require.Equal(t, 5, stock.count(a))
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	stock := newFakeStock()
	a := uuid.New()
	stock.available[a] = 10

	svc := newTestService(stock)

	var wg sync.WaitGroup
	successes := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve(context.Background(), []Line{{ProductID: a, Quantity: 3}}); err == nil {
				successes <- 3
			}
		}()
	}
	wg.Wait()
	close(successes)

	var reserved int
	for q := range successes {
		reserved += q
	}
	require.LessOrEqual(t, reserved, 10)
	require.Equal(t, 10-reserved, stock.count(a))
}
