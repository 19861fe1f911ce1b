package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campaignforge/core/internal/authz"
)

// RequireCampaignPermission returns middleware that checks the
// authenticated user holds permission on the campaign named by paramName
// (a URL parameter, e.g. "campaignId"). It is a thin adapter over
// authz.Gate for the transport layer; internal/core.Service performs the
// same check independently so the gate is never bypassed by calling the
// service directly.
func RequireCampaignPermission(gate *authz.Gate, permission authz.Permission, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := GetUserID(c.Request.Context())
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": "UNAUTHORIZED", "message": "not authenticated",
			})
			return
		}

		campaignID := c.Param(paramName)
		if campaignID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code": "VALIDATION", "message": "missing " + paramName,
			})
			return
		}

		if err := gate.Require(c.Request.Context(), campaignID, userID, permission); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": "FORBIDDEN", "message": err.Error(),
			})
			return
		}

		c.Next()
	}
}
