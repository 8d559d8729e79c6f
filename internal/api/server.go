package api

import (
	"context"
	"net/http"
	"time"

	"example.com/marketplace/services/fulfillment/config"
	"example.com/marketplace/services/fulfillment/internal/api/handlers"
	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/orders"
	"example.com/marketplace/services/fulfillment/internal/payments"
	"example.com/marketplace/services/fulfillment/internal/repositories"
	"example.com/marketplace/services/fulfillment/internal/search"
	"example.com/marketplace/services/fulfillment/internal/tracing"
	"example.com/marketplace/services/fulfillment/internal/tracking"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server

	orderService   *orders.Service
	paymentService *payments.Service
	ingestor       *payments.Ingestor
	agents         *repositories.AgentRepository
	hub            *tracking.Hub
	archive        *search.ElasticClient
	metrics        *metrics.Metrics
	tracer         tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	orderService *orders.Service,
	paymentService *payments.Service,
	ingestor *payments.Ingestor,
	agents *repositories.AgentRepository,
	hub *tracking.Hub,
	archive *search.ElasticClient,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	server := &Server{
		config:         cfg,
		orderService:   orderService,
		paymentService: paymentService,
		ingestor:       ingestor,
		agents:         agents,
		hub:            hub,
		archive:        archive,
		metrics:        collector,
		tracer:         tracer,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: server.router,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(gin.Recovery())

	ordersHandler := handlers.NewOrdersHandler(s.orderService, s.tracer)
	paymentsHandler := handlers.NewPaymentsHandler(s.paymentService, s.ingestor, s.tracer)
	agentsHandler := handlers.NewAgentsHandler(s.agents, s.hub)
	trackingHandler := handlers.NewTrackingHandler(s.hub)

	// Gateway callbacks authenticate by signature, not principal.
	paymentsHandler.RegisterWebhookRoutes(router)

	authed := router.Group("/", handlers.PrincipalMiddleware())
	ordersHandler.RegisterRoutes(authed)
	paymentsHandler.RegisterRoutes(authed)
	agentsHandler.RegisterRoutes(authed)
	trackingHandler.RegisterRoutes(authed)
	if s.archive != nil {
		handlers.NewArchiveHandler(s.archive).RegisterRoutes(authed)
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.metrics.Snapshot())
	})

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
