package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func withUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := SetUserContext(c.Request.Context(), userID, "", nil)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func TestRequireCampaignPermission_Allowed(t *testing.T) {
	gate := authz.NewGate(func(ctx context.Context, campaignID, userID string) (domain.Role, bool, error) {
		return domain.RoleGM, true, nil
	})

	router := gin.New()
	router.Use(withUser("user-1"))
	router.GET("/campaigns/:campaignId/branches",
		RequireCampaignPermission(gate, authz.PermBranchCreate, "campaignId"),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/campaigns/cmp-1/branches", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRequireCampaignPermission_Forbidden(t *testing.T) {
	gate := authz.NewGate(func(ctx context.Context, campaignID, userID string) (domain.Role, bool, error) {
		return domain.RoleViewer, true, nil
	})

	router := gin.New()
	router.Use(withUser("user-1"))
	router.GET("/campaigns/:campaignId/branches",
		RequireCampaignPermission(gate, authz.PermBranchCreate, "campaignId"),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/campaigns/cmp-1/branches", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestRequireCampaignPermission_Unauthenticated(t *testing.T) {
	gate := authz.NewGate(func(ctx context.Context, campaignID, userID string) (domain.Role, bool, error) {
		return domain.RoleOwner, true, nil
	})

	router := gin.New()
	router.GET("/campaigns/:campaignId/branches",
		RequireCampaignPermission(gate, authz.PermBranchCreate, "campaignId"),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/campaigns/cmp-1/branches", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
