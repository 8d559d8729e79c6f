package handlers

import (
	"net/http"
	"time"

	"example.com/marketplace/services/fulfillment/internal/models"
	"example.com/marketplace/services/fulfillment/internal/repositories"
	"example.com/marketplace/services/fulfillment/internal/tracking"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AgentsHandler handles delivery agent self-service requests
type AgentsHandler struct {
	agents   *repositories.AgentRepository
	hub      *tracking.Hub
	validate *validator.Validate
}

// NewAgentsHandler creates a new agents handler
func NewAgentsHandler(agents *repositories.AgentRepository, hub *tracking.Hub) *AgentsHandler {
	return &AgentsHandler{
		agents:   agents,
		hub:      hub,
		validate: validator.New(),
	}
}

// LocationUpdateRequest is a device position report
type LocationUpdateRequest struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// HandleUpdateLocation records the agent's position and feeds it to any
// order the agent is currently carrying.
func (h *AgentsHandler) HandleUpdateLocation(c *gin.Context) {
	principal := PrincipalFrom(c)
	if principal.Role != models.RoleAgent {
		c.JSON(http.StatusForbidden, gin.H{"error": "agents only"})
		return
	}

	var req LocationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	if err := h.agents.UpdateLocation(c.Request.Context(), principal.ID, req.Lat, req.Lng, now); err != nil {
		h.writeAgentError(c, err)
		return
	}

	// While on a delivery, the position also goes to the order's watchers.
	agent, err := h.agents.GetByID(c.Request.Context(), principal.ID)
	if err == nil && agent.Status == models.AgentBusy && agent.LockOrderID != nil {
		h.hub.PublishLocation(*agent.LockOrderID, agent.ID, req.Lat, req.Lng, now)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleGoOnline puts the agent into the dispatch pool
func (h *AgentsHandler) HandleGoOnline(c *gin.Context) {
	principal := PrincipalFrom(c)
	if principal.Role != models.RoleAgent {
		c.JSON(http.StatusForbidden, gin.H{"error": "agents only"})
		return
	}

	err := h.agents.SetOnline(c.Request.Context(), principal.ID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, repositories.ErrStale) {
			// Already online, or mid-delivery. Either way the pool state
			// stands.
			c.JSON(http.StatusConflict, gin.H{"error": "agent is not offline"})
			return
		}
		h.writeAgentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "available"})
}

// HandleGoOffline withdraws the agent from the dispatch pool
func (h *AgentsHandler) HandleGoOffline(c *gin.Context) {
	principal := PrincipalFrom(c)
	if principal.Role != models.RoleAgent {
		c.JSON(http.StatusForbidden, gin.H{"error": "agents only"})
		return
	}

	err := h.agents.SetOffline(c.Request.Context(), principal.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrStale) {
			c.JSON(http.StatusConflict, gin.H{"error": "agent has an active delivery"})
			return
		}
		h.writeAgentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "offline"})
}

func (h *AgentsHandler) writeAgentError(c *gin.Context, err error) {
	if errors.Is(err, repositories.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	log.Error().Err(err).Msg("Agent request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// RegisterRoutes registers the handler's routes
func (h *AgentsHandler) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/agents/me")
	group.PUT("/location", h.HandleUpdateLocation)
	group.POST("/online", h.HandleGoOnline)
	group.POST("/offline", h.HandleGoOffline)
}
