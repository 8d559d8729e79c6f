package inventory

import (
	"context"
	"time"

	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrInsufficientStock is returned when any line item cannot be covered by
// available stock. Stock touched earlier in the same call has been restored
// by the time this is returned.
var ErrInsufficientStock = errors.New("insufficient stock")

// MaxItemQuantity is the hard per-line-item cap. Quantities above it are
// rejected before any stock is touched.
const MaxItemQuantity = 99

// Stock is the storage surface the reservation service needs: two
// single-document atomic operations.
type Stock interface {
	DecrementAvailable(ctx context.Context, productID uuid.UUID, quantity int) error
	RestoreAvailable(ctx context.Context, productID uuid.UUID, quantity int) error
}

// Line is one product/quantity pair in a reservation.
type Line struct {
	ProductID uuid.UUID
	Quantity  int
}

// Service reserves and releases stock for orders. Reservation is
// all-or-nothing across an order's line items even though each decrement is
// an independent atomic operation: a mid-sequence failure compensates every
// decrement already applied before returning.
type Service struct {
	stock           Stock
	metrics         *metrics.Metrics
	compensateRetry time.Duration
	compensateLimit int
}

// NewService creates a new reservation service
func NewService(stock Stock, collector *metrics.Metrics) *Service {
	return &Service{
		stock:           stock,
		metrics:         collector,
		compensateRetry: 200 * time.Millisecond,
		compensateLimit: 20,
	}
}

// Reserve decrements available stock for every line, in order. If any
// decrement fails the lines already taken are restored and
// ErrInsufficientStock (or the store error) is returned. The committed lines
// are returned on success so the caller can later Release them.
func (s *Service) Reserve(ctx context.Context, lines []Line) ([]Line, error) {
	for _, line := range lines {
		if line.Quantity <= 0 || line.Quantity > MaxItemQuantity {
			return nil, errors.Errorf("invalid quantity %d for product %s", line.Quantity, line.ProductID)
		}
	}

	committed := make([]Line, 0, len(lines))
	for _, line := range lines {
		err := s.stock.DecrementAvailable(ctx, line.ProductID, line.Quantity)
		if err != nil {
			s.compensate(ctx, committed)
			if errors.Is(err, repositories.ErrInsufficientStock) {
				s.metrics.IncrementCounter("inventory.reserve.insufficient")
				return nil, ErrInsufficientStock
			}
			s.metrics.IncrementCounter("inventory.reserve.error")
			return nil, errors.Wrap(err, "stock decrement failed")
		}
		committed = append(committed, line)
	}

	s.metrics.IncrementCounter("inventory.reserve.success")
	return committed, nil
}

// Release restores previously reserved quantities. Invoked on cancellation,
// rejection or payment failure after a successful reservation. The restore
// is retried until it succeeds; a lost restore would corrupt the stock count.
func (s *Service) Release(ctx context.Context, orderID uuid.UUID, lines []Line) error {
	var failed []Line
	for _, line := range lines {
		if err := s.restoreWithRetry(ctx, line); err != nil {
			log.Error().
				Err(err).
				Str("order_id", orderID.String()).
				Str("product_id", line.ProductID.String()).
				Int("quantity", line.Quantity).
				Msg("Stock release exhausted retries, flagging for manual follow-up")
			failed = append(failed, line)
		}
	}
	if len(failed) > 0 {
		s.metrics.IncrementCounterBy("inventory.release.lost", int64(len(failed)))
		return errors.Errorf("failed to release %d of %d lines", len(failed), len(lines))
	}
	s.metrics.IncrementCounter("inventory.release.success")
	return nil
}

// compensate restores lines decremented earlier in a failed reservation.
// Retried per line; partial, uncompensated state must never leak out as a
// normal error path.
func (s *Service) compensate(ctx context.Context, committed []Line) {
	for _, line := range committed {
		if err := s.restoreWithRetry(ctx, line); err != nil {
			log.Error().
				Err(err).
				Str("product_id", line.ProductID.String()).
				Int("quantity", line.Quantity).
				Msg("Compensation exhausted retries, stock flagged for manual follow-up")
			s.metrics.IncrementCounter("inventory.compensate.lost")
		}
	}
}

func (s *Service) restoreWithRetry(ctx context.Context, line Line) error {
	var lastErr error
	for attempt := 0; attempt < s.compensateLimit; attempt++ {
		err := s.stock.RestoreAvailable(ctx, line.ProductID, line.Quantity)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			// Keep restoring on a detached context; the compensation must
			// complete even if the request that triggered it is gone.
			ctx = context.Background()
		case <-time.After(s.compensateRetry):
		}
	}
	return lastErr
}
