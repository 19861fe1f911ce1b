// Package api implements the REST and WebSocket transport over
// internal/core.Service. Handlers stay thin: decode request, call the
// service, encode response — every authorization, validation, and
// invalidation rule lives in internal/core, never here.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"

	"github.com/campaignforge/core/internal/api/middleware"
	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/branch"
	"github.com/campaignforge/core/internal/core"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/governance/audit"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
	"github.com/campaignforge/core/internal/spatial"
)

// Handlers binds the world-state core's Service to Gin routes.
type Handlers struct {
	svc *core.Service
}

// NewHandlers constructs a Handlers bound to svc.
func NewHandlers(svc *core.Service) *Handlers {
	return &Handlers{svc: svc}
}

func (h *Handlers) respondErr(c *gin.Context, err error) {
	if appErr, ok := apperrors.IsAppError(err); ok {
		c.JSON(appErr.HTTPStatus, gin.H{"code": appErr.Code, "message": appErr.Message, "details": appErr.Details})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": err.Error()})
}

func userAndCampaign(c *gin.Context) (userID, campaignID string) {
	return middleware.GetUserID(c.Request.Context()), c.Param("campaignId")
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// ---- Entities ----

func (h *Handlers) GetEntity(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	e, err := h.svc.GetEntity(c.Request.Context(), campaignID, userID,
		domain.EntityType(c.Param("entityType")), c.Param("entityId"), c.Query("branchId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) GetEntityAsOf(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	e, err := h.svc.GetEntityAsOf(c.Request.Context(), campaignID, userID,
		domain.EntityType(c.Param("entityType")), c.Param("entityId"), c.Query("branchId"), c.Query("worldTime"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) ListEntities(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	list, err := h.svc.ListEntities(c.Request.Context(), campaignID, userID,
		domain.EntityType(c.Param("entityType")), c.Query("branchId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type createEntityRequest struct {
	EntityID  string          `json:"entityId" binding:"required"`
	State     json.RawMessage `json:"state" binding:"required"`
	BranchID  string          `json:"branchId" binding:"required"`
	WorldTime string          `json:"worldTime" binding:"required"`
}

func (h *Handlers) CreateEntity(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req createEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	e, err := h.svc.CreateEntity(c.Request.Context(), campaignID, userID,
		domain.EntityType(c.Param("entityType")), req.EntityID, req.State, req.BranchID, req.WorldTime)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

type updateEntityRequest struct {
	State           json.RawMessage `json:"state" binding:"required"`
	BranchID        string          `json:"branchId" binding:"required"`
	WorldTime       string          `json:"worldTime" binding:"required"`
	ExpectedVersion int             `json:"expectedVersion"`
}

func (h *Handlers) UpdateEntity(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req updateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	e, err := h.svc.UpdateEntity(c.Request.Context(), campaignID, userID,
		domain.EntityType(c.Param("entityType")), c.Param("entityId"), req.State, req.BranchID, req.WorldTime, req.ExpectedVersion)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type versionedMutationRequest struct {
	BranchID        string `json:"branchId" binding:"required"`
	WorldTime       string `json:"worldTime" binding:"required"`
	ExpectedVersion int    `json:"expectedVersion"`
}

func (h *Handlers) ArchiveEntity(c *gin.Context) {
	h.mutateTombstone(c, h.svc.ArchiveEntity)
}

func (h *Handlers) DeleteEntity(c *gin.Context) {
	h.mutateTombstone(c, h.svc.DeleteEntity)
}

func (h *Handlers) RestoreEntity(c *gin.Context) {
	h.mutateTombstone(c, h.svc.RestoreEntity)
}

type tombstoneFunc func(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, branchID, worldTime string, expectedVersion int) (*core.Entity, error)

func (h *Handlers) mutateTombstone(c *gin.Context, fn tombstoneFunc) {
	userID, campaignID := userAndCampaign(c)
	var req versionedMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	e, err := fn(c.Request.Context(), campaignID, userID,
		domain.EntityType(c.Param("entityType")), c.Param("entityId"), req.BranchID, req.WorldTime, req.ExpectedVersion)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// ---- Branches ----

func (h *Handlers) CreateBranch(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var in branch.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	b, err := h.svc.CreateBranch(c.Request.Context(), campaignID, userID, in)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

type forkBranchRequest struct {
	SourceBranchID string           `json:"sourceBranchId" binding:"required"`
	Name           string           `json:"name" binding:"required"`
	Description    string           `json:"description"`
	WorldTime      string           `json:"worldTime" binding:"required"`
	Entities       []core.EntityRef `json:"entities"`
}

func (h *Handlers) ForkBranch(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req forkBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	result, err := h.svc.ForkBranch(c.Request.Context(), campaignID, userID,
		req.SourceBranchID, req.Name, req.Description, req.WorldTime, req.Entities)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handlers) UpdateBranch(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var in branch.UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	b, err := h.svc.UpdateBranch(c.Request.Context(), campaignID, userID, c.Param("branchId"), in)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handlers) DeleteBranch(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	if err := h.svc.DeleteBranch(c.Request.Context(), campaignID, userID, c.Param("branchId")); err != nil {
		h.respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) GetBranchHierarchy(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	nodes, err := h.svc.GetBranchHierarchy(c.Request.Context(), campaignID, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func (h *Handlers) GetBranchAncestry(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	ancestry, err := h.svc.GetBranchAncestry(c.Request.Context(), campaignID, userID, c.Param("branchId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ancestry": ancestry})
}

// ---- Variables ----

func (h *Handlers) DefineVariableSchema(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var schema domain.VariableSchema
	if err := c.ShouldBindJSON(&schema); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	out, err := h.svc.DefineVariableSchema(c.Request.Context(), campaignID, userID, schema)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handlers) ListVariableSchemas(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	out, err := h.svc.ListVariableSchemas(c.Request.Context(), campaignID, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type setVariableRequest struct {
	Scope           domain.Scope      `json:"scope" binding:"required"`
	Name            string            `json:"name" binding:"required"`
	EntityType      domain.EntityType `json:"entityType" binding:"required"`
	EntityID        string            `json:"entityId" binding:"required"`
	BranchID        string            `json:"branchId" binding:"required"`
	WorldTime       string            `json:"worldTime" binding:"required"`
	Value           json.RawMessage   `json:"value" binding:"required"`
	ExpectedVersion int               `json:"expectedVersion"`
}

func (h *Handlers) SetVariableValue(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req setVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	e, err := h.svc.SetVariableValue(c.Request.Context(), campaignID, userID, req.Scope, req.Name,
		req.EntityType, req.EntityID, req.BranchID, req.WorldTime, req.Value, req.ExpectedVersion)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type getVariableRequest struct {
	Scope     domain.Scope       `json:"scope" binding:"required"`
	Name      string             `json:"name" binding:"required"`
	BranchID  string             `json:"branchId" binding:"required"`
	WorldTime string             `json:"worldTime" binding:"required"`
	Chain     core.ScopeChain    `json:"chain"`
}

func (h *Handlers) GetVariableValue(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req getVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	resolved, err := h.svc.GetVariableValue(c.Request.Context(), campaignID, userID, req.Scope, req.Name, req.BranchID, req.WorldTime, req.Chain)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

// ---- Conditions & Effects ----

func (h *Handlers) CreateCondition(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var fc domain.FieldCondition
	if err := c.ShouldBindJSON(&fc); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	out, err := h.svc.CreateCondition(c.Request.Context(), campaignID, userID, fc)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handlers) UpdateCondition(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var fc domain.FieldCondition
	if err := c.ShouldBindJSON(&fc); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	fc.ID = c.Param("conditionId")
	out, err := h.svc.UpdateCondition(c.Request.Context(), campaignID, userID, fc)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) DeleteCondition(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	if err := h.svc.DeleteCondition(c.Request.Context(), campaignID, userID, c.Param("conditionId")); err != nil {
		h.respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type evaluateFieldRequest struct {
	Field        string          `json:"field" binding:"required"`
	BranchID     string          `json:"branchId" binding:"required"`
	WorldTime    string          `json:"worldTime" binding:"required"`
	Chain        core.ScopeChain `json:"chain"`
	DefaultValue json.RawMessage `json:"defaultValue"`
}

func (h *Handlers) EvaluateField(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req evaluateFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	result, err := h.svc.EvaluateField(c.Request.Context(), campaignID, userID,
		domain.EntityType(c.Param("entityType")), c.Param("entityId"), req.Field, req.BranchID, req.WorldTime, req.Chain, req.DefaultValue)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": result})
}

func (h *Handlers) CreateEffect(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var body struct {
		Trigger string        `json:"trigger" binding:"required"`
		Effect  domain.Effect `json:"effect"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	out, err := h.svc.CreateEffect(c.Request.Context(), campaignID, userID, body.Trigger, body.Effect)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handlers) UpdateEffect(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var e domain.Effect
	if err := c.ShouldBindJSON(&e); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	e.ID = c.Param("effectId")
	out, err := h.svc.UpdateEffect(c.Request.Context(), campaignID, userID, e)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) DeleteEffect(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	if err := h.svc.DeleteEffect(c.Request.Context(), campaignID, userID, c.Param("effectId")); err != nil {
		h.respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type executeEffectsRequest struct {
	BranchID        string `json:"branchId" binding:"required"`
	WorldTime       string `json:"worldTime" binding:"required"`
	Trigger         string `json:"trigger" binding:"required"`
	ExpectedVersion int    `json:"expectedVersion"`
	DryRun          bool   `json:"dryRun"`
}

func (h *Handlers) ExecuteEffects(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req executeEffectsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	result, err := h.svc.ExecuteForEntity(c.Request.Context(), campaignID, userID,
		domain.EntityType(c.Param("entityType")), c.Param("entityId"), req.BranchID, req.WorldTime, req.Trigger, req.ExpectedVersion, req.DryRun)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ---- Merge & cherry-pick ----

type previewMergeRequest struct {
	SourceBranchID string           `json:"sourceBranchId" binding:"required"`
	TargetBranchID string           `json:"targetBranchId" binding:"required"`
	Entities       []core.EntityRef `json:"entities" binding:"required"`
	WorldTime      string           `json:"worldTime" binding:"required"`
}

func (h *Handlers) PreviewMerge(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req previewMergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	previews, err := h.svc.PreviewMerge(c.Request.Context(), campaignID, userID,
		req.SourceBranchID, req.TargetBranchID, req.Entities, req.WorldTime)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, previews)
}

type executeMergeRequest struct {
	SourceBranchID string                  `json:"sourceBranchId" binding:"required"`
	TargetBranchID string                  `json:"targetBranchId" binding:"required"`
	WorldTime      string                  `json:"worldTime" binding:"required"`
	Resolutions    []core.EntityResolution `json:"resolutions" binding:"required"`
}

func (h *Handlers) ExecuteMerge(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req executeMergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	out, err := h.svc.ExecuteMerge(c.Request.Context(), campaignID, userID,
		req.SourceBranchID, req.TargetBranchID, req.WorldTime, req.Resolutions)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type cherryPickRequest struct {
	SourceBranchID  string            `json:"sourceBranchId" binding:"required"`
	TargetBranchID  string            `json:"targetBranchId" binding:"required"`
	EntityType      domain.EntityType `json:"entityType" binding:"required"`
	EntityID        string            `json:"entityId" binding:"required"`
	WorldTime       string            `json:"worldTime" binding:"required"`
	ExpectedVersion int               `json:"expectedVersion"`
}

func (h *Handlers) CherryPick(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req cherryPickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	e, err := h.svc.CherryPick(c.Request.Context(), campaignID, userID,
		req.SourceBranchID, req.TargetBranchID, req.EntityType, req.EntityID, req.WorldTime, req.ExpectedVersion)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// ---- World time ----

func (h *Handlers) GetCurrentWorldTime(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	t, err := h.svc.GetCurrentWorldTime(c.Request.Context(), campaignID, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worldTime": t})
}

type advanceWorldTimeRequest struct {
	To              string `json:"to" binding:"required"`
	ExpectedVersion int    `json:"expectedVersion"`
}

func (h *Handlers) AdvanceWorldTime(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req advanceWorldTimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	t, err := h.svc.AdvanceWorldTime(c.Request.Context(), campaignID, userID, req.To, req.ExpectedVersion)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worldTime": t})
}

// ---- Spatial ----

type updateGeometryRequest struct {
	BranchID        string          `json:"branchId" binding:"required"`
	WorldTime       string          `json:"worldTime" binding:"required"`
	Geometry        json.RawMessage `json:"geometry" binding:"required"`
	SRID            int             `json:"srid"`
	ExpectedVersion int             `json:"expectedVersion"`
}

func (h *Handlers) UpdateLocationGeometry(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req updateGeometryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	e, err := h.svc.UpdateLocationGeometry(c.Request.Context(), campaignID, userID,
		domain.EntityType(c.Param("entityType")), c.Param("entityId"), req.BranchID, req.WorldTime, req.Geometry, req.SRID, req.ExpectedVersion)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) LocationsInBounds(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	minLng, _ := strconv.ParseFloat(c.Query("minLng"), 64)
	minLat, _ := strconv.ParseFloat(c.Query("minLat"), 64)
	maxLng, _ := strconv.ParseFloat(c.Query("maxLng"), 64)
	maxLat, _ := strconv.ParseFloat(c.Query("maxLat"), 64)
	out, err := h.svc.LocationsInBounds(c.Request.Context(), campaignID, userID, c.Query("branchId"), minLng, minLat, maxLng, maxLat)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) LocationsNear(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	lng, _ := strconv.ParseFloat(c.Query("lng"), 64)
	lat, _ := strconv.ParseFloat(c.Query("lat"), 64)
	radius, _ := strconv.ParseFloat(c.Query("radius"), 64)
	out, err := h.svc.LocationsNear(c.Request.Context(), campaignID, userID, c.Query("branchId"), orb.Point{lng, lat}, radius)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) SettlementsNear(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	lng, _ := strconv.ParseFloat(c.Query("lng"), 64)
	lat, _ := strconv.ParseFloat(c.Query("lat"), 64)
	radius, _ := strconv.ParseFloat(c.Query("radius"), 64)
	out, err := h.svc.SettlementsNear(c.Request.Context(), campaignID, userID, c.Query("branchId"), orb.Point{lng, lat}, radius)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type regionQueryRequest struct {
	BranchID string          `json:"branchId" binding:"required"`
	Region   json.RawMessage `json:"region" binding:"required"`
}

func (h *Handlers) LocationsInRegion(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req regionQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	region, err := regionPolygon(req.Region)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	out, err := h.svc.LocationsInRegion(c.Request.Context(), campaignID, userID, req.BranchID, region)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) SettlementsInRegion(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req regionQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	region, err := regionPolygon(req.Region)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	out, err := h.svc.SettlementsInRegion(c.Request.Context(), campaignID, userID, req.BranchID, region)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func regionPolygon(raw json.RawMessage) (orb.Polygon, error) {
	geom, err := spatial.FromGeoJSON(raw, spatial.DefaultSRID)
	if err != nil {
		return nil, err
	}
	polygon, ok := geom.Value.(orb.Polygon)
	if !ok {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidGeometry, "region must be a polygon")
	}
	return polygon, nil
}

func (h *Handlers) SettlementAtLocation(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	out, err := h.svc.SettlementAtLocation(c.Request.Context(), campaignID, userID, c.Query("branchId"), c.Param("locationId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type regionOverlapRequest struct {
	BranchID  string `json:"branchId" binding:"required"`
	RegionAID string `json:"regionAId" binding:"required"`
	RegionBID string `json:"regionBId" binding:"required"`
}

func (h *Handlers) CheckRegionOverlap(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	var req regionOverlapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperrors.BadRequest(apperrors.CodeValidation, err.Error()))
		return
	}
	overlaps, err := h.svc.CheckRegionOverlap(c.Request.Context(), campaignID, userID, req.BranchID, req.RegionAID, req.RegionBID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overlaps": overlaps})
}

// ---- Audit ----

func (h *Handlers) QueryAudit(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	filter := audit.QueryFilter{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		Actor:      c.Query("actor"),
	}
	entries, next, err := h.svc.QueryAudit(c.Request.Context(), campaignID, userID, filter, audit.Cursor(c.Query("cursor")), intQuery(c, "limit", 100))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "cursor": next})
}

func (h *Handlers) CountAudit(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	filter := audit.QueryFilter{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		Actor:      c.Query("actor"),
	}
	count, err := h.svc.CountAudit(c.Request.Context(), campaignID, userID, filter)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *Handlers) ExportAudit(c *gin.Context) {
	userID, campaignID := userAndCampaign(c)
	filter := audit.QueryFilter{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		Actor:      c.Query("actor"),
	}
	format := audit.ExportJSON
	contentType := "application/json"
	if c.Query("format") == "csv" {
		format = audit.ExportCSV
		contentType = "text/csv"
	}
	c.Header("Content-Type", contentType)
	if err := h.svc.ExportAudit(c.Request.Context(), c.Writer, campaignID, userID, filter, format); err != nil {
		h.respondErr(c, err)
		return
	}
}

// ---- Authorization helper exposed for route registration ----

// Gate exposes the underlying authz.Gate so router setup can attach
// RequireCampaignPermission middleware without reaching into core.Service's
// unexported fields.
func (h *Handlers) Gate() *authz.Gate {
	return h.svc.Gate
}
