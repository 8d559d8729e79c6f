package handlers

import (
	"context"
	"net/http"
	"strconv"

	"example.com/marketplace/services/fulfillment/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ArchiveSearcher is the slice of the search client the handler uses.
type ArchiveSearcher interface {
	SearchOrders(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error)
}

// ArchiveHandler serves admin queries over the archived-order index.
type ArchiveHandler struct {
	archive ArchiveSearcher
}

// NewArchiveHandler creates a new archive handler
func NewArchiveHandler(archive ArchiveSearcher) *ArchiveHandler {
	return &ArchiveHandler{archive: archive}
}

// HandleSearchOrders runs a free-text query over archived orders.
func (h *ArchiveHandler) HandleSearchOrders(c *gin.Context) {
	principal := PrincipalFrom(c)
	if principal.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}

	size, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if size < 1 || size > 100 {
		size = 20
	}

	var match map[string]interface{}
	if q := c.Query("q"); q != "" {
		match = map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q,
				"fields": []string{"id", "buyer_id", "merchant_id", "agent_id", "status", "delivery_address", "terminal_reason"},
			},
		}
	} else {
		match = map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	docs, err := h.archive.SearchOrders(c.Request.Context(), map[string]interface{}{
		"query": match,
		"size":  size,
		"sort":  []map[string]interface{}{{"created_at": map[string]interface{}{"order": "desc"}}},
	})
	if err != nil {
		log.Error().Err(err).Msg("Archive search failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "archive search failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": docs, "count": len(docs)})
}

// RegisterRoutes registers the archive routes
func (h *ArchiveHandler) RegisterRoutes(group gin.IRouter) {
	group.GET("/admin/orders/search", h.HandleSearchOrders)
}
