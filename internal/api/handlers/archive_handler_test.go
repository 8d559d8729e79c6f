package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/marketplace/services/fulfillment/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	lastQuery map[string]interface{}
	docs      []map[string]interface{}
}

func (f *fakeArchive) SearchOrders(_ context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	f.lastQuery = query
	return f.docs, nil
}

func newArchiveTestRouter(archive *fakeArchive) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	authed := router.Group("/", PrincipalMiddleware())
	NewArchiveHandler(archive).RegisterRoutes(authed)
	return router
}

func searchArchive(router *gin.Engine, principal models.Principal, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(headerPrincipalID, principal.ID.String())
	req.Header.Set(headerPrincipalRole, string(principal.Role))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestArchiveSearchIsAdminOnly(t *testing.T) {
	archive := &fakeArchive{}
	router := newArchiveTestRouter(archive)

	for _, role := range []models.Role{models.RoleBuyer, models.RoleMerchant, models.RoleAgent} {
		w := searchArchive(router, models.Principal{ID: uuid.New(), Role: role}, "/admin/orders/search")
		require.Equal(t, http.StatusForbidden, w.Code, string(role))
	}
	require.Nil(t, archive.lastQuery)
}

func TestArchiveSearchBuildsQuery(t *testing.T) {
	archive := &fakeArchive{docs: []map[string]interface{}{{"id": uuid.NewString()}}}
	router := newArchiveTestRouter(archive)
	admin := models.Principal{ID: uuid.New(), Role: models.RoleAdmin}

	w := searchArchive(router, admin, "/admin/orders/search?q=cancelled&limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 5, archive.lastQuery["size"])

	match := archive.lastQuery["query"].(map[string]interface{})["multi_match"].(map[string]interface{})
	require.Equal(t, "cancelled", match["query"])
}

func TestArchiveSearchDefaultsToMatchAll(t *testing.T) {
	archive := &fakeArchive{}
	router := newArchiveTestRouter(archive)
	admin := models.Principal{ID: uuid.New(), Role: models.RoleAdmin}

	w := searchArchive(router, admin, "/admin/orders/search")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, archive.lastQuery["query"].(map[string]interface{}), "match_all")
	require.Equal(t, 20, archive.lastQuery["size"])
}
