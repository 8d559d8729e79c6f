package handlers

import (
	"net/http"

	"example.com/marketplace/services/fulfillment/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const principalKey = "principal"

// Identity headers set by the gateway in front of this service. The gateway
// terminates auth; by the time a request reaches here the principal is
// already verified.
const (
	headerPrincipalID   = "X-Principal-Id"
	headerPrincipalRole = "X-Principal-Role"
)

var validRoles = map[models.Role]bool{
	models.RoleBuyer:    true,
	models.RoleMerchant: true,
	models.RoleAgent:    true,
	models.RoleAdmin:    true,
}

// PrincipalMiddleware extracts the verified principal from the identity
// headers. Requests without a usable principal are rejected before any
// handler runs.
func PrincipalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.GetHeader(headerPrincipalID))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid principal"})
			return
		}
		role := models.Role(c.GetHeader(headerPrincipalRole))
		if !validRoles[role] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid principal role"})
			return
		}

		c.Set(principalKey, models.Principal{ID: id, Role: role})
		c.Next()
	}
}

// PrincipalFrom returns the principal the middleware attached.
func PrincipalFrom(c *gin.Context) models.Principal {
	value, _ := c.Get(principalKey)
	principal, _ := value.(models.Principal)
	return principal
}
