package handlers

import (
	"net/http"
	"strconv"

	"example.com/marketplace/services/fulfillment/internal/inventory"
	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/orders"
	"example.com/marketplace/services/fulfillment/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OrdersHandler handles order-related HTTP requests
type OrdersHandler struct {
	orderService *orders.Service
	tracer       tracing.Tracer
	validate     *validator.Validate
}

// NewOrdersHandler creates a new orders handler
func NewOrdersHandler(orderService *orders.Service, tracer tracing.Tracer) *OrdersHandler {
	return &OrdersHandler{
		orderService: orderService,
		tracer:       tracer,
		validate:     validator.New(),
	}
}

// CreateOrderRequest is the inbound create payload
type CreateOrderRequest struct {
	MerchantID      uuid.UUID         `json:"merchant_id" validate:"required"`
	Items           []CreateOrderItem `json:"items" validate:"required,min=1,dive"`
	PaymentMethod   string            `json:"payment_method" validate:"required,oneof=card cash"`
	DeliveryAddress string            `json:"delivery_address" validate:"required"`
	DeliveryLat     float64           `json:"delivery_lat" validate:"required,latitude"`
	DeliveryLng     float64           `json:"delivery_lng" validate:"required,longitude"`
}

// CreateOrderItem is one requested line
type CreateOrderItem struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,min=1,max=99"`
}

// HandleCreateOrder creates a new order
func (h *OrdersHandler) HandleCreateOrder(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-order")
	defer h.tracer.EndTransaction(txn)

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal := PrincipalFrom(c)
	h.tracer.AddAttribute(txn, "buyer_id", principal.ID.String())
	h.tracer.AddAttribute(txn, "merchant_id", req.MerchantID.String())

	items := make([]orders.CreateItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, orders.CreateItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := h.orderService.Create(c.Request.Context(), principal, orders.CreateRequest{
		MerchantID:      req.MerchantID,
		Items:           items,
		PaymentMethod:   req.PaymentMethod,
		DeliveryAddress: req.DeliveryAddress,
		DeliveryLat:     req.DeliveryLat,
		DeliveryLng:     req.DeliveryLng,
	})
	if err != nil {
		h.tracer.RecordError(txn, err)
		h.writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// HandleGetOrder returns one order
func (h *OrdersHandler) HandleGetOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := h.orderService.Get(c.Request.Context(), orderID, PrincipalFrom(c))
	if err != nil {
		h.writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// HandleListOrders lists the caller's orders
func (h *OrdersHandler) HandleListOrders(c *gin.Context) {
	var status *models.OrderStatus
	if raw := c.Query("status"); raw != "" {
		s := models.OrderStatus(raw)
		status = &s
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, total, err := h.orderService.List(c.Request.Context(), PrincipalFrom(c), status, limit, offset)
	if err != nil {
		h.writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": list,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// UpdateStatusRequest drives one edge of the order state machine
type UpdateStatusRequest struct {
	Expected models.OrderStatus `json:"expected" validate:"required"`
	Next     models.OrderStatus `json:"next" validate:"required"`
	Note     *string            `json:"note"`
}

// HandleUpdateStatus moves an order to its next status. The caller supplies
// the status it last saw; a mismatch with the stored status is a conflict
// and the caller re-reads.
func (h *OrdersHandler) HandleUpdateStatus(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-update-order-status")
	defer h.tracer.EndTransaction(txn)

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal := PrincipalFrom(c)
	h.tracer.AddAttribute(txn, "order_id", orderID.String())
	h.tracer.AddAttribute(txn, "next", string(req.Next))

	// Party check first, then role capability for the requested edge.
	order, err := h.orderService.Get(c.Request.Context(), orderID, principal)
	if err != nil {
		h.writeOrderError(c, err)
		return
	}
	if !orders.ActorMayRequest(principal.Role, req.Next) {
		c.JSON(http.StatusForbidden, gin.H{"error": "role may not perform this transition"})
		return
	}

	// cancelled and payment_failed carry compensation (stock release,
	// refund scheduling); they go through the dedicated paths, never the
	// raw transition.
	switch req.Next {
	case models.OrderCancelled:
		updated, err := h.orderService.Cancel(c.Request.Context(), orderID, principal, req.Note)
		if err != nil {
			h.tracer.RecordError(txn, err)
			h.writeOrderError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
		return
	case models.OrderPaymentFailed:
		updated, err := h.orderService.FailPayment(c.Request.Context(), orderID, principal, req.Note)
		if err != nil {
			h.tracer.RecordError(txn, err)
			h.writeOrderError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
		return
	}

	transition := orders.TransitionRequest{
		OrderID:  orderID,
		Expected: req.Expected,
		Next:     req.Next,
		Actor:    principal,
		Note:     req.Note,
	}
	if req.Next == models.OrderAgentAssigned {
		transition.AgentID = order.AgentID
	}
	// A merchant confirming directly is taking payment outside the gateway.
	if req.Next == models.OrderConfirmed && principal.Role != models.RoleAdmin {
		paid := models.PaymentPaid
		transition.PaymentStatus = &paid
	}

	updated, err := h.orderService.Transition(c.Request.Context(), transition)
	if err != nil {
		h.tracer.RecordError(txn, err)
		h.writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, updated)
}

// CancelOrderRequest carries an optional cancellation reason
type CancelOrderRequest struct {
	Reason *string `json:"reason"`
}

// HandleCancelOrder cancels an order with compensation
func (h *OrdersHandler) HandleCancelOrder(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-cancel-order")
	defer h.tracer.EndTransaction(txn)

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	var req CancelOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	order, err := h.orderService.Cancel(c.Request.Context(), orderID, PrincipalFrom(c), req.Reason)
	if err != nil {
		h.tracer.RecordError(txn, err)
		h.writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// HandleOrderHistory returns the status change log
func (h *OrdersHandler) HandleOrderHistory(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	history, err := h.orderService.History(c.Request.Context(), orderID, PrincipalFrom(c))
	if err != nil {
		h.writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *OrdersHandler) writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, orders.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for this order"})
	case errors.Is(err, orders.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "order changed concurrently, re-read and retry"})
	case errors.Is(err, orders.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, inventory.ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("Order request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// RegisterRoutes registers the handler's routes
func (h *OrdersHandler) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/orders")
	group.POST("", h.HandleCreateOrder)
	group.GET("", h.HandleListOrders)
	group.GET("/:id", h.HandleGetOrder)
	group.PATCH("/:id/status", h.HandleUpdateStatus)
	group.POST("/:id/cancel", h.HandleCancelOrder)
	group.GET("/:id/history", h.HandleOrderHistory)
}
