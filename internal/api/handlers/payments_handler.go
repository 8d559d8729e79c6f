package handlers

import (
	"io"
	"net/http"

	"example.com/marketplace/services/fulfillment/internal/orders"
	"example.com/marketplace/services/fulfillment/internal/payments"
	"example.com/marketplace/services/fulfillment/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PaymentsHandler handles payment initialization and gateway callbacks
type PaymentsHandler struct {
	paymentService *payments.Service
	ingestor       *payments.Ingestor
	tracer         tracing.Tracer
	validate       *validator.Validate
}

// NewPaymentsHandler creates a new payments handler
func NewPaymentsHandler(paymentService *payments.Service, ingestor *payments.Ingestor, tracer tracing.Tracer) *PaymentsHandler {
	return &PaymentsHandler{
		paymentService: paymentService,
		ingestor:       ingestor,
		tracer:         tracer,
		validate:       validator.New(),
	}
}

// InitializePaymentRequest starts a card payment for an order
type InitializePaymentRequest struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
	Email   string    `json:"email" validate:"required,email"`
}

// HandleInitializePayment creates a gateway charge session for the order
func (h *PaymentsHandler) HandleInitializePayment(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-initialize-payment")
	defer h.tracer.EndTransaction(txn)

	var req InitializePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.tracer.AddAttribute(txn, "order_id", req.OrderID.String())

	result, err := h.paymentService.Initialize(c.Request.Context(), PrincipalFrom(c), req.OrderID, req.Email)
	if err != nil {
		h.tracer.RecordError(txn, err)
		h.writePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleVerifyRedirect handles the buyer returning from the gateway's
// payment page. The order is confirmed only after a server-side verify
// call; nothing in the redirect itself is trusted.
func (h *PaymentsHandler) HandleVerifyRedirect(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-verify-payment")
	defer h.tracer.EndTransaction(txn)

	reference := c.Query("reference")
	if reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing reference"})
		return
	}

	order, err := h.paymentService.VerifyRedirect(c.Request.Context(), PrincipalFrom(c), reference)
	if err != nil {
		h.tracer.RecordError(txn, err)
		h.writePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// HandleWebhook ingests a gateway webhook delivery. The gateway retries
// anything that is not a 200, so every recognized-but-inapplicable event is
// acknowledged rather than errored.
func (h *PaymentsHandler) HandleWebhook(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-payment-webhook")
	defer h.tracer.EndTransaction(txn)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader("x-paystack-signature")
	err = h.ingestor.Ingest(c.Request.Context(), body, signature)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "processed"})
	case errors.Is(err, payments.ErrDuplicate):
		// Redelivery of an event already applied.
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	case errors.Is(err, payments.ErrBadSignature):
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	case errors.Is(err, payments.ErrUnknownReference):
		// Not ours; acknowledge so the gateway stops retrying.
		log.Warn().Msg("Webhook for unknown payment reference")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	default:
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Msg("Webhook ingest failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *PaymentsHandler) writePaymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, orders.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for this order"})
	case errors.Is(err, orders.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "order changed concurrently"})
	case errors.Is(err, payments.ErrAlreadyPaid):
		c.JSON(http.StatusConflict, gin.H{"error": "order already paid"})
	default:
		log.Error().Err(err).Msg("Payment request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// RegisterRoutes registers the authenticated payment routes
func (h *PaymentsHandler) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/payments")
	group.POST("/initialize", h.HandleInitializePayment)
	group.GET("/verify", h.HandleVerifyRedirect)
}

// RegisterWebhookRoutes registers the unauthenticated gateway callback.
// The HMAC signature is the authentication.
func (h *PaymentsHandler) RegisterWebhookRoutes(router gin.IRouter) {
	router.POST("/webhooks/payments", h.HandleWebhook)
}
