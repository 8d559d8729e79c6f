package dispatch

import (
	"context"
	"sort"
	"time"

	"example.com/marketplace/services/fulfillment/internal/geo"
	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/orders"
	"example.com/marketplace/services/fulfillment/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNoAgentAvailable is returned when no candidate agent could be locked
// after exhausting the ranked list. The order stays confirmed and dispatch
// retries on the worker's backoff schedule.
var ErrNoAgentAvailable = errors.New("no delivery agent available")

// AgentStore is the agent persistence surface. Every mutation is a single
// conditional update.
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	ListAvailable(ctx context.Context) ([]models.Agent, error)
	Lock(ctx context.Context, agentID, orderID uuid.UUID, now time.Time) error
	ReleaseLock(ctx context.Context, agentID uuid.UUID, now time.Time) error
	ConfirmBusy(ctx context.Context, agentID, orderID uuid.UUID) error
	FinishDelivery(ctx context.Context, agentID uuid.UUID, now time.Time) error
	ReleaseExpiredLocks(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// OrderTransitioner is the slice of the order service dispatch needs.
type OrderTransitioner interface {
	Transition(ctx context.Context, req orders.TransitionRequest) (*models.Order, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor models.Principal, reason *string) (*models.Order, error)
}

// Config bounds the candidate search and the retry policy.
type Config struct {
	SearchRadiusKm   float64
	RadiusStepKm     float64
	MaxCandidates    int
	MaxRetryRounds   int
	RetryBackoff     time.Duration
	LockTTL          time.Duration
	CandidateTimeout time.Duration
}

// Service finds, locks and confirms delivery agents for confirmed orders.
type Service struct {
	agents  AgentStore
	orders  OrderTransitioner
	cfg     Config
	metrics *metrics.Metrics
	// system is the principal recorded for transitions the dispatcher
	// performs on its own behalf.
	system models.Principal
}

// NewService creates a new dispatch service
func NewService(agents AgentStore, orderSvc OrderTransitioner, cfg Config, collector *metrics.Metrics) *Service {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if cfg.MaxRetryRounds <= 0 {
		cfg.MaxRetryRounds = 3
	}
	if cfg.SearchRadiusKm <= 0 {
		cfg.SearchRadiusKm = 5
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.CandidateTimeout <= 0 {
		cfg.CandidateTimeout = 2 * time.Second
	}
	return &Service{
		agents:  agents,
		orders:  orderSvc,
		cfg:     cfg,
		metrics: collector,
		system:  models.Principal{ID: uuid.Nil, Role: models.RoleAdmin},
	}
}

// candidate pairs an agent with its distance from the pickup point.
type candidate struct {
	agent      models.Agent
	distanceKm float64
}

// rankCandidates filters available agents to the search radius and orders
// them nearest-first, breaking ties by longest idle so load spreads fairly.
func rankCandidates(agents []models.Agent, pickupLat, pickupLng, radiusKm float64, limit int) []candidate {
	candidates := make([]candidate, 0, len(agents))
	for _, agent := range agents {
		d := geo.DistanceKm(pickupLat, pickupLng, agent.Lat, agent.Lng)
		if d <= radiusKm {
			candidates = append(candidates, candidate{agent: agent, distanceKm: d})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distanceKm != candidates[j].distanceKm {
			return candidates[i].distanceKm < candidates[j].distanceKm
		}
		ti, tj := candidates[i].agent.LastAvailableAt, candidates[j].agent.LastAvailableAt
		switch {
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// FindAndLock walks the ranked candidate list for an order's pickup point
// and attempts the atomic available->locked claim on each. When two
// dispatchers race for the same agent exactly one wins; the loser moves to
// the next candidate. Returns ErrNoAgentAvailable when the list is
// exhausted.
func (s *Service) FindAndLock(ctx context.Context, order *models.Order, radiusKm float64) (*models.Agent, error) {
	available, err := s.agents.ListAvailable(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list available agents")
	}

	ranked := rankCandidates(available, order.PickupLat, order.PickupLng, radiusKm, s.cfg.MaxCandidates)
	for _, cand := range ranked {
		// Bound each store operation so one slow candidate cannot stall
		// the whole dispatch attempt.
		lockCtx, cancel := context.WithTimeout(ctx, s.cfg.CandidateTimeout)
		err := s.agents.Lock(lockCtx, cand.agent.ID, order.ID, time.Now().UTC())
		cancel()

		if err == nil {
			s.metrics.IncrementCounter("dispatch.lock.won")
			log.Info().
				Str("order_id", order.ID.String()).
				Str("agent_id", cand.agent.ID.String()).
				Float64("distance_km", cand.distanceKm).
				Msg("Agent locked for order")
			locked := cand.agent
			locked.Status = models.AgentLocked
			locked.LockOrderID = &order.ID
			return &locked, nil
		}
		if errors.Is(err, repositories.ErrStale) {
			// Lost the race for this agent, try the next one.
			s.metrics.IncrementCounter("dispatch.lock.lost")
			continue
		}
		log.Warn().Err(err).
			Str("agent_id", cand.agent.ID.String()).
			Msg("Agent lock attempt failed")
	}

	return nil, ErrNoAgentAvailable
}

// Confirm promotes a held lock into an assignment. The agent side commits
// first: a crash between the two writes leaves a busy agent and a confirmed
// order, which a retry repairs, whereas the reverse ordering would leave an
// order referencing a non-busy agent.
func (s *Service) Confirm(ctx context.Context, orderID, agentID uuid.UUID) (*models.Order, error) {
	if err := s.agents.ConfirmBusy(ctx, agentID, orderID); err != nil {
		if errors.Is(err, repositories.ErrStale) {
			// The lock expired or belongs to another order. If this agent
			// is already busy for this order a prior Confirm crashed
			// mid-way and the order commit below is the repair.
			agent, getErr := s.agents.GetByID(ctx, agentID)
			if getErr != nil || agent.Status != models.AgentBusy ||
				agent.LockOrderID == nil || *agent.LockOrderID != orderID {
				return nil, errors.Wrap(err, "lock no longer held")
			}
		} else {
			return nil, err
		}
	}

	order, err := s.orders.Transition(ctx, orders.TransitionRequest{
		OrderID:  orderID,
		Expected: models.OrderConfirmed,
		Next:     models.OrderAgentAssigned,
		Actor:    s.system,
		AgentID:  &agentID,
	})
	if err != nil {
		// The agent side committed but the assignment did not; put the
		// agent straight back in the pool.
		if relErr := s.agents.FinishDelivery(ctx, agentID, time.Now().UTC()); relErr != nil &&
			!errors.Is(relErr, repositories.ErrStale) {
			log.Warn().Err(relErr).Str("agent_id", agentID.String()).
				Msg("Failed to return agent after confirm failure")
		}
		return nil, err
	}
	s.metrics.IncrementCounter("dispatch.confirmed")
	return order, nil
}

// ReleaseLock gives up a held lock without confirming.
func (s *Service) ReleaseLock(ctx context.Context, agentID uuid.UUID) error {
	err := s.agents.ReleaseLock(ctx, agentID, time.Now().UTC())
	if err != nil && !errors.Is(err, repositories.ErrStale) {
		return err
	}
	return nil
}

// Dispatch runs the full assignment flow for one confirmed order: bounded
// retry rounds, expanding the search radius each round. On exhaustion the
// order is cancelled with a merchant-visible reason and its compensation
// runs.
func (s *Service) Dispatch(ctx context.Context, order *models.Order) (*models.Order, error) {
	radius := s.cfg.SearchRadiusKm

	for round := 0; round < s.cfg.MaxRetryRounds; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.RetryBackoff):
			}
			radius += s.cfg.RadiusStepKm
		}

		agent, err := s.FindAndLock(ctx, order, radius)
		if err != nil {
			if errors.Is(err, ErrNoAgentAvailable) {
				continue
			}
			return nil, err
		}

		updated, err := s.Confirm(ctx, order.ID, agent.ID)
		if err == nil {
			return updated, nil
		}

		// Confirm failed; free the agent before deciding what to do.
		if relErr := s.ReleaseLock(ctx, agent.ID); relErr != nil {
			log.Warn().Err(relErr).Str("agent_id", agent.ID.String()).
				Msg("Failed to release lock after confirm failure")
		}
		if errors.Is(err, orders.ErrConflict) || errors.Is(err, orders.ErrInvalidTransition) {
			// The order moved underneath us (cancelled, or another
			// dispatcher won). Nothing more to do here.
			log.Info().Str("order_id", order.ID.String()).Err(err).
				Msg("Order moved during dispatch, abandoning")
			return nil, err
		}
		log.Warn().Err(err).Str("order_id", order.ID.String()).
			Msg("Dispatch confirm failed, retrying")
	}

	s.metrics.IncrementCounter("dispatch.exhausted")
	reason := "no_agents_available"
	if _, cancelErr := s.orders.Cancel(ctx, order.ID, s.system, &reason); cancelErr != nil {
		log.Error().Err(cancelErr).Str("order_id", order.ID.String()).
			Msg("Failed to cancel order after dispatch exhaustion")
	}
	return nil, ErrNoAgentAvailable
}

// SweepExpiredLocks flips locks older than the TTL back to available. Runs
// on the worker timer; correctness does not depend on dispatchers calling
// ReleaseLock.
func (s *Service) SweepExpiredLocks(ctx context.Context) error {
	now := time.Now().UTC()
	released, err := s.agents.ReleaseExpiredLocks(ctx, now.Add(-s.cfg.LockTTL), now)
	if err != nil {
		return err
	}
	if released > 0 {
		s.metrics.IncrementCounterBy("dispatch.locks.expired", released)
		log.Info().Int64("released", released).Msg("Released expired agent locks")
	}
	return nil
}

// LockTTL exposes the configured lock lifetime.
func (s *Service) LockTTL() time.Duration {
	return s.cfg.LockTTL
}
