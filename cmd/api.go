package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/marketplace/services/fulfillment/config"
	"example.com/marketplace/services/fulfillment/internal/api"
	"example.com/marketplace/services/fulfillment/internal/cache"
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
	"example.com/marketplace/services/fulfillment/internal/tracking"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server handling orders, payments, agents and live tracking`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache, _ = cache.NewRedisCache(config.RedisConfig{})
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.NewDisabledTracer()
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize repositories
	productRepo := repositories.NewProductRepository(db, readOnlyDB)
	merchantRepo := repositories.NewMerchantRepository(db, readOnlyDB)
	orderRepo := repositories.NewOrderRepository(db, readOnlyDB)
	agentRepo := repositories.NewAgentRepository(db, readOnlyDB)
	paymentEventRepo := repositories.NewPaymentEventRepository(db, readOnlyDB)
	notificationRepo := repositories.NewNotificationRepository(db, readOnlyDB)

	catalog := repositories.NewCachedCatalog(productRepo, redisCache, 0)
	merchants := repositories.NewCachedMerchants(merchantRepo, redisCache, 0)
	reserver := inventory.NewService(productRepo, metricsCollector)
	notifier := notify.NewNotifier(notificationRepo, agentRepo, cfg.Push, metricsCollector)
	hub := tracking.NewHub(orderRepo, metricsCollector)

	// Transition events go to the live tracking hub and, when the bus is
	// configured, to the worker over the queue.
	publisher := orders.MultiPublisher{hub}
	busClient, err := messaging.NewServiceBusClient(cfg.Azure, "fulfillment-api")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Service Bus client, dispatch runs on sweeps only")
	} else {
		defer busClient.Close()
		publisher = append(publisher, messaging.NewEventPublisher(busClient))
	}

	// Archived-order search is optional; without it only the admin search
	// endpoint is missing.
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, archive search disabled")
		elasticClient = nil
	}

	gateway := payments.NewGatewayClient(cfg.Gateway, tracer)
	orderService := orders.NewService(orderRepo, catalog, merchants, reserver,
		agentRepo, gateway, publisher, notifier, metricsCollector)
	paymentService := payments.NewService(orderService, orderRepo, gateway,
		cfg.Gateway.CallbackURL, metricsCollector)
	ingestor := payments.NewIngestor(paymentEventRepo, orderService,
		cfg.Gateway.SecretKey, metricsCollector)

	// Initialize and start the server
	server := api.NewServer(cfg, orderService, paymentService, ingestor,
		agentRepo, hub, elasticClient, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}
