package handlers

import (
	"net/http"

	"example.com/marketplace/services/fulfillment/internal/tracking"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TrackingHandler serves the live order tracking stream
type TrackingHandler struct {
	hub *tracking.Hub
}

// NewTrackingHandler creates a new tracking handler
func NewTrackingHandler(hub *tracking.Hub) *TrackingHandler {
	return &TrackingHandler{hub: hub}
}

// HandleTrackOrder upgrades the connection to a websocket and streams order
// updates. Authorization happens before the upgrade; an unrelated principal
// never gets a socket at all.
func (h *TrackingHandler) HandleTrackOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	sub, err := h.hub.Subscribe(c.Request.Context(), orderID, PrincipalFrom(c))
	if err != nil {
		switch {
		case errors.Is(err, tracking.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, tracking.ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not authorized to track this order"})
		default:
			log.Error().Err(err).Msg("Tracking subscribe failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	conn, err := tracking.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	tracking.ServeConn(conn, sub)
}

// RegisterRoutes registers the handler's routes
func (h *TrackingHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/orders/:id/track", h.HandleTrackOrder)
}
