package app

import (
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/campaignforge/core/internal/api"
	"github.com/campaignforge/core/internal/api/middleware"
	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/config"
)

// Public routes that do NOT require JWT authentication.
var publicPrefixes = []string{
	"/api/v1/auth/login",
	"/api/v1/health/",
}

func newRouter(cfg *config.Config, h *api.Handlers, jwtCfg middleware.JWTConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())

	router.Use(cors.New(buildCORSConfig(cfg)))

	router.Use(jwtSkipPublic(jwtCfg))

	registerRoutes(router, h)
	return router
}

func registerRoutes(router *gin.Engine, h *api.Handlers) {
	gate := h.Gate()
	read := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermCampaignRead, param)
	}
	write := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermCampaignWrite, param)
	}
	branchRead := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermBranchRead, param)
	}
	branchCreate := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermBranchCreate, param)
	}
	branchWrite := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermBranchWrite, param)
	}
	branchDelete := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermBranchDelete, param)
	}
	auditRead := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermAuditRead, param)
	}
	auditExport := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermAuditExport, param)
	}
	spatialRead := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermSpatialRead, param)
	}
	spatialWrite := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermSpatialWrite, param)
	}
	effectExecute := func(param string) gin.HandlerFunc {
		return middleware.RequireCampaignPermission(gate, authz.PermEffectExecute, param)
	}

	v1 := router.Group("/api/v1/campaigns/:campaignId")

	entities := v1.Group("/entities/:entityType")
	entities.GET("", read("campaignId"), h.ListEntities)
	entities.POST("", write("campaignId"), h.CreateEntity)
	entities.GET("/:entityId", read("campaignId"), h.GetEntity)
	entities.GET("/:entityId/as-of", read("campaignId"), h.GetEntityAsOf)
	entities.PUT("/:entityId", write("campaignId"), h.UpdateEntity)
	entities.POST("/:entityId/archive", write("campaignId"), h.ArchiveEntity)
	entities.DELETE("/:entityId", write("campaignId"), h.DeleteEntity)
	entities.POST("/:entityId/restore", write("campaignId"), h.RestoreEntity)
	entities.POST("/:entityId/evaluate", read("campaignId"), h.EvaluateField)
	entities.POST("/:entityId/effects/execute", effectExecute("campaignId"), h.ExecuteEffects)
	entities.PUT("/:entityId/geometry", spatialWrite("campaignId"), h.UpdateLocationGeometry)

	branches := v1.Group("/branches")
	branches.GET("", branchRead("campaignId"), h.GetBranchHierarchy)
	branches.POST("", branchCreate("campaignId"), h.CreateBranch)
	branches.POST("/fork", branchCreate("campaignId"), h.ForkBranch)
	branches.PUT("/:branchId", branchWrite("campaignId"), h.UpdateBranch)
	branches.DELETE("/:branchId", branchDelete("campaignId"), h.DeleteBranch)
	branches.GET("/:branchId/ancestry", branchRead("campaignId"), h.GetBranchAncestry)

	merge := v1.Group("/merge")
	merge.POST("/preview", branchWrite("campaignId"), h.PreviewMerge)
	merge.POST("/execute", branchWrite("campaignId"), h.ExecuteMerge)
	merge.POST("/cherry-pick", branchWrite("campaignId"), h.CherryPick)

	variables := v1.Group("/variables")
	variables.POST("/schemas", write("campaignId"), h.DefineVariableSchema)
	variables.GET("/schemas", read("campaignId"), h.ListVariableSchemas)
	variables.PUT("/values", write("campaignId"), h.SetVariableValue)
	variables.POST("/values/resolve", read("campaignId"), h.GetVariableValue)

	conditions := v1.Group("/conditions")
	conditions.POST("", write("campaignId"), h.CreateCondition)
	conditions.PUT("/:conditionId", write("campaignId"), h.UpdateCondition)
	conditions.DELETE("/:conditionId", write("campaignId"), h.DeleteCondition)

	effectsGroup := v1.Group("/effects")
	effectsGroup.POST("", write("campaignId"), h.CreateEffect)
	effectsGroup.PUT("/:effectId", write("campaignId"), h.UpdateEffect)
	effectsGroup.DELETE("/:effectId", write("campaignId"), h.DeleteEffect)

	worldTime := v1.Group("/world-time")
	worldTime.GET("", read("campaignId"), h.GetCurrentWorldTime)
	worldTime.POST("/advance", write("campaignId"), h.AdvanceWorldTime)

	spatial := v1.Group("/spatial")
	spatial.GET("/locations/in-bounds", spatialRead("campaignId"), h.LocationsInBounds)
	spatial.GET("/locations/near", spatialRead("campaignId"), h.LocationsNear)
	spatial.GET("/settlements/near", spatialRead("campaignId"), h.SettlementsNear)
	spatial.GET("/settlements/at-location/:locationId", spatialRead("campaignId"), h.SettlementAtLocation)
	spatial.POST("/regions/overlap", spatialRead("campaignId"), h.CheckRegionOverlap)
	spatial.POST("/locations/in-region", spatialRead("campaignId"), h.LocationsInRegion)
	spatial.POST("/settlements/in-region", spatialRead("campaignId"), h.SettlementsInRegion)

	auditGroup := v1.Group("/audit")
	auditGroup.GET("", auditRead("campaignId"), h.QueryAudit)
	auditGroup.GET("/count", auditRead("campaignId"), h.CountAudit)
	auditGroup.GET("/export", auditExport("campaignId"), h.ExportAudit)

	v1.GET("/events/subscribe", read("campaignId"), h.HandleSubscribe)
}

func buildCORSConfig(cfg *config.Config) cors.Config {
	allowAllOrigins := cfg.Server.UnsafeAllowAllOrigins
	allowedOrigins := sanitizeAllowedOrigins(cfg.Server.AllowedOrigins)

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: cfg.Server.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	if allowAllOrigins {
		corsCfg.AllowAllOrigins = true
		// gin-contrib/cors docs: AllowAllOrigins cannot be used with credentials.
		corsCfg.AllowCredentials = false
		return corsCfg
	}

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	corsCfg.AllowOrigins = allowedOrigins
	return corsCfg
}

func sanitizeAllowedOrigins(origins []string) []string {
	cleaned := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		cleaned = append(cleaned, origin)
	}
	return slices.Compact(cleaned)
}

// jwtSkipPublic returns middleware that applies JWT auth only on non-public routes.
func jwtSkipPublic(jwtCfg middleware.JWTConfig) gin.HandlerFunc {
	jwtMw := middleware.JWTAuthWithConfig(jwtCfg)
	return func(c *gin.Context) {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		jwtMw(c)
	}
}
