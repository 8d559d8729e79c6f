package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/orders"
	"example.com/marketplace/services/fulfillment/internal/repositories"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeAgentStore is an in-memory agent pool with the same conditional
// update semantics as the real repository.
type fakeAgentStore struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*models.Agent
}

func newFakeAgentStore(agents ...*models.Agent) *fakeAgentStore {
	store := &fakeAgentStore{agents: make(map[uuid.UUID]*models.Agent)}
	for _, a := range agents {
		store.agents[a.ID] = a
	}
	return store
}

func (f *fakeAgentStore) GetByID(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *agent
	return &copied, nil
}

func (f *fakeAgentStore) ListAvailable(_ context.Context) ([]models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Agent
	for _, a := range f.agents {
		if a.Status == models.AgentAvailable {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAgentStore) Lock(_ context.Context, agentID, orderID uuid.UUID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok || agent.Status != models.AgentAvailable {
		return repositories.ErrStale
	}
	agent.Status = models.AgentLocked
	agent.LockOrderID = &orderID
	agent.LockedAt = &now
	return nil
}

func (f *fakeAgentStore) ReleaseLock(_ context.Context, agentID uuid.UUID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok || agent.Status != models.AgentLocked {
		return repositories.ErrStale
	}
	agent.Status = models.AgentAvailable
	agent.LockOrderID = nil
	agent.LockedAt = nil
	agent.LastAvailableAt = &now
	return nil
}

func (f *fakeAgentStore) ConfirmBusy(_ context.Context, agentID, orderID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok || agent.Status != models.AgentLocked ||
		agent.LockOrderID == nil || *agent.LockOrderID != orderID {
		return repositories.ErrStale
	}
	agent.Status = models.AgentBusy
	return nil
}

func (f *fakeAgentStore) FinishDelivery(_ context.Context, agentID uuid.UUID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok || agent.Status != models.AgentBusy {
		return repositories.ErrStale
	}
	agent.Status = models.AgentAvailable
	agent.LockOrderID = nil
	agent.LastAvailableAt = &now
	return nil
}

func (f *fakeAgentStore) ReleaseExpiredLocks(_ context.Context, cutoff, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, agent := range f.agents {
		if agent.Status == models.AgentLocked && agent.LockedAt != nil && agent.LockedAt.Before(cutoff) {
			agent.Status = models.AgentAvailable
			agent.LockOrderID = nil
			agent.LockedAt = nil
			agent.LastAvailableAt = &now
			released++
		}
	}
	return released, nil
}

type MockOrderTransitioner struct {
	mock.Mock
}

func (m *MockOrderTransitioner) Transition(ctx context.Context, req orders.TransitionRequest) (*models.Order, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockOrderTransitioner) Cancel(ctx context.Context, orderID uuid.UUID, actor models.Principal, reason *string) (*models.Order, error) {
	args := m.Called(ctx, orderID, actor, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func availableAgent(lat, lng float64, idleSince time.Time) *models.Agent {
	return &models.Agent{
		ID:              uuid.New(),
		Status:          models.AgentAvailable,
		Lat:             lat,
		Lng:             lng,
		LastAvailableAt: &idleSince,
	}
}

func testConfig() Config {
	return Config{
		SearchRadiusKm:   5,
		RadiusStepKm:     2,
		MaxCandidates:    5,
		MaxRetryRounds:   2,
		RetryBackoff:     time.Millisecond,
		LockTTL:          5 * time.Minute,
		CandidateTimeout: time.Second,
	}
}

func TestRankCandidatesNearestFirst(t *testing.T) {
	now := time.Now().UTC()
	near := *availableAgent(-33.921, 18.421, now)
	far := *availableAgent(-33.95, 18.48, now)
	outside := *availableAgent(-34.4, 19.0, now)

	ranked := rankCandidates([]models.Agent{far, outside, near}, -33.92, 18.42, 10, 5)
	require.Len(t, ranked, 2)
	require.Equal(t, near.ID, ranked[0].agent.ID)
	require.Equal(t, far.ID, ranked[1].agent.ID)
}

func TestRankCandidatesIdleTiebreak(t *testing.T) {
	now := time.Now().UTC()
	fresh := *availableAgent(-33.92, 18.42, now)
	idle := *availableAgent(-33.92, 18.42, now.Add(-time.Hour))

	ranked := rankCandidates([]models.Agent{fresh, idle}, -33.92, 18.42, 5, 5)
	require.Len(t, ranked, 2)
	require.Equal(t, idle.ID, ranked[0].agent.ID)
}

func TestRankCandidatesCapsList(t *testing.T) {
	now := time.Now().UTC()
	var agents []models.Agent
	for i := 0; i < 10; i++ {
		agents = append(agents, *availableAgent(-33.92, 18.42, now))
	}
	ranked := rankCandidates(agents, -33.92, 18.42, 5, 3)
	require.Len(t, ranked, 3)
}

func TestFindAndLockClaimsNearestAvailable(t *testing.T) {
	now := time.Now().UTC()
	agent := availableAgent(-33.921, 18.421, now)
	store := newFakeAgentStore(agent)
	svc := NewService(store, new(MockOrderTransitioner), testConfig(), metrics.NewMetrics())

	order := &models.Order{ID: uuid.New(), PickupLat: -33.92, PickupLng: 18.42}
	locked, err := svc.FindAndLock(context.Background(), order, 5)
	require.NoError(t, err)
	require.Equal(t, agent.ID, locked.ID)

	stored, _ := store.GetByID(context.Background(), agent.ID)
	require.Equal(t, models.AgentLocked, stored.Status)
	require.Equal(t, order.ID, *stored.LockOrderID)
}

func TestFindAndLockNoCandidates(t *testing.T) {
	store := newFakeAgentStore()
	svc := NewService(store, new(MockOrderTransitioner), testConfig(), metrics.NewMetrics())

	order := &models.Order{ID: uuid.New(), PickupLat: -33.92, PickupLng: 18.42}
	_, err := svc.FindAndLock(context.Background(), order, 5)
	require.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestConcurrentDispatchersClaimDistinctAgents(t *testing.T) {
	now := time.Now().UTC()
	a := availableAgent(-33.921, 18.421, now)
	b := availableAgent(-33.922, 18.422, now)
	store := newFakeAgentStore(a, b)
	svc := NewService(store, new(MockOrderTransitioner), testConfig(), metrics.NewMetrics())

	orderA := &models.Order{ID: uuid.New(), PickupLat: -33.92, PickupLng: 18.42}
	orderB := &models.Order{ID: uuid.New(), PickupLat: -33.92, PickupLng: 18.42}

	var wg sync.WaitGroup
	results := make([]uuid.UUID, 2)
	for i, order := range []*models.Order{orderA, orderB} {
		wg.Add(1)
		go func(i int, order *models.Order) {
			defer wg.Done()
			locked, err := svc.FindAndLock(context.Background(), order, 5)
			require.NoError(t, err)
			results[i] = locked.ID
		}(i, order)
	}
	wg.Wait()

	require.NotEqual(t, results[0], results[1], "two dispatchers must never lock the same agent")
}

func TestConfirmCommitsAgentThenOrder(t *testing.T) {
	now := time.Now().UTC()
	agent := availableAgent(-33.921, 18.421, now)
	store := newFakeAgentStore(agent)
	transitioner := new(MockOrderTransitioner)
	svc := NewService(store, transitioner, testConfig(), metrics.NewMetrics())

	orderID := uuid.New()
	require.NoError(t, store.Lock(context.Background(), agent.ID, orderID, now))

	assigned := &models.Order{ID: orderID, Status: models.OrderAgentAssigned, AgentID: &agent.ID}
	transitioner.On("Transition", mock.Anything, mock.MatchedBy(func(req orders.TransitionRequest) bool {
		return req.OrderID == orderID &&
			req.Expected == models.OrderConfirmed &&
			req.Next == models.OrderAgentAssigned &&
			req.AgentID != nil && *req.AgentID == agent.ID
	})).Return(assigned, nil)

	got, err := svc.Confirm(context.Background(), orderID, agent.ID)
	require.NoError(t, err)
	require.Equal(t, assigned, got)

	stored, _ := store.GetByID(context.Background(), agent.ID)
	require.Equal(t, models.AgentBusy, stored.Status)
}

func TestConfirmRepairsCrashedAssignment(t *testing.T) {
	// Agent already busy for this order: ConfirmBusy reports stale but the
	// order transition still runs as the repair.
	now := time.Now().UTC()
	agent := availableAgent(-33.921, 18.421, now)
	store := newFakeAgentStore(agent)
	transitioner := new(MockOrderTransitioner)
	svc := NewService(store, transitioner, testConfig(), metrics.NewMetrics())

	orderID := uuid.New()
	require.NoError(t, store.Lock(context.Background(), agent.ID, orderID, now))
	require.NoError(t, store.ConfirmBusy(context.Background(), agent.ID, orderID))

	assigned := &models.Order{ID: orderID, Status: models.OrderAgentAssigned, AgentID: &agent.ID}
	transitioner.On("Transition", mock.Anything, mock.Anything).Return(assigned, nil)

	_, err := svc.Confirm(context.Background(), orderID, agent.ID)
	require.NoError(t, err)
}

func TestConfirmRejectsLockHeldForAnotherOrder(t *testing.T) {
	now := time.Now().UTC()
	agent := availableAgent(-33.921, 18.421, now)
	store := newFakeAgentStore(agent)
	transitioner := new(MockOrderTransitioner)
	svc := NewService(store, transitioner, testConfig(), metrics.NewMetrics())

	otherOrder := uuid.New()
	require.NoError(t, store.Lock(context.Background(), agent.ID, otherOrder, now))

	_, err := svc.Confirm(context.Background(), uuid.New(), agent.ID)
	require.Error(t, err)
	transitioner.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything)
}

func TestDispatchCancelsOnExhaustion(t *testing.T) {
	store := newFakeAgentStore() // empty pool
	transitioner := new(MockOrderTransitioner)
	svc := NewService(store, transitioner, testConfig(), metrics.NewMetrics())

	order := &models.Order{ID: uuid.New(), Status: models.OrderConfirmed, PickupLat: -33.92, PickupLng: 18.42}
	cancelled := &models.Order{ID: order.ID, Status: models.OrderCancelled}
	transitioner.On("Cancel", mock.Anything, order.ID, mock.Anything, mock.MatchedBy(func(reason *string) bool {
		return reason != nil && *reason == "no_agents_available"
	})).Return(cancelled, nil)

	_, err := svc.Dispatch(context.Background(), order)
	require.ErrorIs(t, err, ErrNoAgentAvailable)
	transitioner.AssertExpectations(t)
}

func TestDispatchAbandonsWhenOrderMoves(t *testing.T) {
	now := time.Now().UTC()
	agent := availableAgent(-33.921, 18.421, now)
	store := newFakeAgentStore(agent)
	transitioner := new(MockOrderTransitioner)
	svc := NewService(store, transitioner, testConfig(), metrics.NewMetrics())

	order := &models.Order{ID: uuid.New(), Status: models.OrderConfirmed, PickupLat: -33.92, PickupLng: 18.42}
	transitioner.On("Transition", mock.Anything, mock.Anything).Return(nil, orders.ErrConflict)

	_, err := svc.Dispatch(context.Background(), order)
	require.ErrorIs(t, err, orders.ErrConflict)
	transitioner.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	// The lock taken during the failed round is back in the pool.
	stored, _ := store.GetByID(context.Background(), agent.ID)
	require.Equal(t, models.AgentAvailable, stored.Status)
}

func TestSweepReleasesOnlyExpiredLocks(t *testing.T) {
	now := time.Now().UTC()
	expired := availableAgent(-33.92, 18.42, now)
	fresh := availableAgent(-33.92, 18.42, now)
	store := newFakeAgentStore(expired, fresh)

	cfg := testConfig()
	svc := NewService(store, new(MockOrderTransitioner), cfg, metrics.NewMetrics())

	old := now.Add(-cfg.LockTTL - time.Minute)
	require.NoError(t, store.Lock(context.Background(), expired.ID, uuid.New(), old))
	require.NoError(t, store.Lock(context.Background(), fresh.ID, uuid.New(), now))

	require.NoError(t, svc.SweepExpiredLocks(context.Background()))

	e, _ := store.GetByID(context.Background(), expired.ID)
	f, _ := store.GetByID(context.Background(), fresh.ID)
	require.Equal(t, models.AgentAvailable, e.Status)
	require.Equal(t, models.AgentLocked, f.Status)
}

func TestReleaseLockToleratesAlreadyReleased(t *testing.T) {
	now := time.Now().UTC()
	agent := availableAgent(-33.92, 18.42, now)
	store := newFakeAgentStore(agent)
	svc := NewService(store, new(MockOrderTransitioner), testConfig(), metrics.NewMetrics())

	// Never locked; the conditional update misses and that is fine.
	require.NoError(t, svc.ReleaseLock(context.Background(), agent.ID))
}
