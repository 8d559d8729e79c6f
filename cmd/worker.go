package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/marketplace/services/fulfillment/config"
	"example.com/marketplace/services/fulfillment/internal/dispatch"
	"example.com/marketplace/services/fulfillment/internal/inventory"
	"example.com/marketplace/services/fulfillment/internal/messaging"
	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/notify"
	"example.com/marketplace/services/fulfillment/internal/orders"
	"example.com/marketplace/services/fulfillment/internal/payments"
	"example.com/marketplace/services/fulfillment/internal/repositories"
	"example.com/marketplace/services/fulfillment/internal/search"
	"example.com/marketplace/services/fulfillment/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker: agent dispatch, lock sweeps, stalled order retries and archival`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// dispatchHandler reacts to confirmed-order events by running agent dispatch.
type dispatchHandler struct {
	orderRepo  *repositories.OrderRepository
	dispatcher *dispatch.Service
}

func (h *dispatchHandler) HandleOrderEvent(ctx context.Context, event orders.Event) error {
	if event.Status != models.OrderConfirmed {
		return nil
	}

	// Re-read the order; the event may be stale by the time it is consumed.
	order, err := h.orderRepo.GetByID(ctx, event.OrderID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return err
	}
	if order.Status != models.OrderConfirmed || order.AgentID != nil {
		return nil
	}

	_, err = h.dispatcher.Dispatch(ctx, order)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dispatch.ErrNoAgentAvailable),
		errors.Is(err, orders.ErrConflict),
		errors.Is(err, orders.ErrInvalidTransition):
		// Exhaustion already cancelled the order; a moved order needs no
		// redelivery either.
		return nil
	}
	return err
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.NewDisabledTracer()
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without archival")
		elasticClient = nil
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize repositories
	productRepo := repositories.NewProductRepository(db, readOnlyDB)
	merchantRepo := repositories.NewMerchantRepository(db, readOnlyDB)
	orderRepo := repositories.NewOrderRepository(db, readOnlyDB)
	agentRepo := repositories.NewAgentRepository(db, readOnlyDB)
	notificationRepo := repositories.NewNotificationRepository(db, readOnlyDB)

	reserver := inventory.NewService(productRepo, metricsCollector)
	notifier := notify.NewNotifier(notificationRepo, agentRepo, cfg.Push, metricsCollector)
	gateway := payments.NewGatewayClient(cfg.Gateway, tracer)

	// Worker-side transitions publish back onto the queue so other
	// consumers stay informed.
	publisher := orders.MultiPublisher{}
	busClient, err := messaging.NewServiceBusClient(cfg.Azure, "fulfillment-worker")
	if err == nil {
		defer busClient.Close()
		publisher = append(publisher, messaging.NewEventPublisher(busClient))
	} else {
		log.Warn().Err(err).Msg("Failed to initialize Service Bus sender")
	}

	orderService := orders.NewService(orderRepo, productRepo, merchantRepo, reserver,
		agentRepo, gateway, publisher, notifier, metricsCollector)

	dispatcher := dispatch.NewService(agentRepo, orderService, dispatch.Config{
		SearchRadiusKm:   cfg.Dispatch.SearchRadiusKm,
		RadiusStepKm:     cfg.Dispatch.RadiusStepKm,
		MaxCandidates:    cfg.Dispatch.MaxCandidates,
		MaxRetryRounds:   cfg.Dispatch.MaxRetryRounds,
		RetryBackoff:     cfg.Dispatch.RetryBackoff,
		LockTTL:          cfg.Dispatch.LockTTL,
		CandidateTimeout: cfg.Dispatch.CandidateTimeout,
	}, metricsCollector)

	handler := &dispatchHandler{orderRepo: orderRepo, dispatcher: dispatcher}

	// Start the queue consumer
	consumer, err := messaging.NewConsumer(cfg.Azure, handler)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Service Bus consumer, dispatch runs on sweeps only")
	} else {
		defer consumer.Close()
		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting order event consumer")
			err := consumer.ProcessMessages(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	// Start the scheduled jobs
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Expired agent locks go back to the pool on a fixed cadence.
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Dispatch.SweepInterval),
			gocron.NewTask(func() {
				if err := dispatcher.SweepExpiredLocks(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to sweep expired agent locks")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Confirmed orders whose dispatch event was lost get retried here.
		_, err = scheduler.NewJob(
			gocron.DurationJob(time.Minute),
			gocron.NewTask(func() {
				stalled, err := orderRepo.ListStalledConfirmed(ctx, time.Now().UTC().Add(-2*time.Minute), 50)
				if err != nil {
					log.Error().Err(err).Msg("Failed to list stalled confirmed orders")
					return
				}
				for i := range stalled {
					if err := handler.HandleOrderEvent(ctx, orders.Event{
						OrderID: stalled[i].ID,
						Status:  models.OrderConfirmed,
					}); err != nil {
						log.Error().Err(err).
							Str("order_id", stalled[i].ID.String()).
							Msg("Stalled order dispatch failed")
					}
				}
			}),
		)
		if err != nil {
			return err
		}

		// Terminal orders move to the archive index.
		if elasticClient != nil {
			_, err = scheduler.NewJob(
				gocron.DurationJob(10*time.Minute),
				gocron.NewTask(func() {
					archiveTerminalOrders(ctx, orderRepo, elasticClient)
				}),
			)
			if err != nil {
				return err
			}
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

func archiveTerminalOrders(ctx context.Context, orderRepo *repositories.OrderRepository, elasticClient *search.ElasticClient) {
	batch, err := orderRepo.ListUnarchivedTerminal(ctx, 100)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list orders for archival")
		return
	}

	for i := range batch {
		order := &batch[i]
		if err := elasticClient.IndexOrder(ctx, order); err != nil {
			log.Error().Err(err).Str("order_id", order.ID.String()).
				Msg("Failed to index order for archival")
			continue
		}
		if err := orderRepo.MarkArchived(ctx, order.ID); err != nil {
			log.Error().Err(err).Str("order_id", order.ID.String()).
				Msg("Failed to mark order archived")
		}
	}
}
