package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/depgraph"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/ids"
	"github.com/campaignforge/core/internal/rules/condition"
	"github.com/campaignforge/core/internal/store"
)

// CreateCondition inserts a field condition and registers its referenced
// variable paths as dependency-graph edges, rejecting the write outright if
// doing so would close a cycle.
func (s *Service) CreateCondition(ctx context.Context, campaignID, userID string, fc domain.FieldCondition) (*domain.FieldCondition, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}

	fc.ID = ids.NewID(ids.PrefixCondition)
	target := depgraph.Node{EntityType: fc.EntityType, EntityID: fc.EntityID, Field: fc.Field}
	if err := s.Graph.AddCondition(fc.ID, target, referencedNodes(fc)); err != nil {
		return nil, err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conditions (id, campaign_id, entity_type, entity_id, field, expression, priority, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		fc.ID, campaignID, string(fc.EntityType), fc.EntityID, fc.Field, []byte(fc.Expression), fc.Priority, fc.Description)
	if err != nil {
		s.Graph.RemoveCondition(fc.ID, nil)
		return nil, fmt.Errorf("core: insert condition: %w", err)
	}

	if _, err := s.Audit.Log(ctx, userID, "CONDITION", fc.ID, "CREATE", nil, marshalOrNil(fc), nil, ""); err != nil {
		return nil, err
	}
	return &fc, nil
}

// UpdateCondition replaces an existing condition's expression/priority/
// description, re-registering its dependency-graph edges.
func (s *Service) UpdateCondition(ctx context.Context, campaignID, userID string, fc domain.FieldCondition) (*domain.FieldCondition, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}

	s.Graph.RemoveCondition(fc.ID, nil)
	target := depgraph.Node{EntityType: fc.EntityType, EntityID: fc.EntityID, Field: fc.Field}
	if err := s.Graph.AddCondition(fc.ID, target, referencedNodes(fc)); err != nil {
		return nil, err
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE conditions SET expression = $1, priority = $2, description = $3 WHERE id = $4 AND campaign_id = $5`,
		[]byte(fc.Expression), fc.Priority, fc.Description, fc.ID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("core: update condition: %w", err)
	}
	if _, err := s.Audit.Log(ctx, userID, "CONDITION", fc.ID, "UPDATE", nil, marshalOrNil(fc), nil, ""); err != nil {
		return nil, err
	}
	return &fc, nil
}

// DeleteCondition soft-deletes a condition and retracts its dependency-graph
// edges.
func (s *Service) DeleteCondition(ctx context.Context, campaignID, userID, conditionID string) error {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return err
	}
	s.Graph.RemoveCondition(conditionID, nil)
	if _, err := s.pool.Exec(ctx, `UPDATE conditions SET deleted_at = now() WHERE id = $1 AND campaign_id = $2`, conditionID, campaignID); err != nil {
		return fmt.Errorf("core: soft-delete condition: %w", err)
	}
	if _, err := s.Audit.Log(ctx, userID, "CONDITION", conditionID, "DELETE", nil, nil, nil, ""); err != nil {
		return err
	}
	return nil
}

// EvaluateField resolves the value of (entityType, entityId, field) by
// running its registered, non-deleted conditions against the entity's
// resolved state on branchID as of worldTime, with its scope-hierarchy
// parents assembled from chain. Results are cached in the dependency graph
// per (branchID, worldTime, node).
func (s *Service) EvaluateField(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, field, branchID, worldTime string, chain ScopeChain, defaultValue json.RawMessage) (json.RawMessage, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return nil, err
	}
	return s.evaluateFieldInternal(ctx, campaignID, entityType, entityID, field, branchID, worldTime, chain, defaultValue)
}

// RecomputeField re-evaluates (entityType, entityId, field) without a
// permission check, for use by the dependency-graph recomputation worker:
// the caller there is the system reacting to an upstream change, not a
// member performing a read.
func (s *Service) RecomputeField(ctx context.Context, campaignID string, entityType domain.EntityType, entityID, field, branchID, worldTime string, chain ScopeChain) (json.RawMessage, error) {
	return s.evaluateFieldInternal(ctx, campaignID, entityType, entityID, field, branchID, worldTime, chain, nil)
}

func (s *Service) evaluateFieldInternal(ctx context.Context, campaignID string, entityType domain.EntityType, entityID, field, branchID, worldTime string, chain ScopeChain, defaultValue json.RawMessage) (json.RawMessage, error) {
	node := depgraph.Node{EntityType: entityType, EntityID: entityID, Field: field}
	if cached, ok := s.Graph.CacheGet(branchID, worldTime, node); ok {
		return cached, nil
	}

	conditions, err := s.loadConditions(ctx, campaignID, entityType, entityID, field)
	if err != nil {
		return nil, err
	}

	entityState, err := s.resolveStateMap(ctx, branchID, entityType, entityID, worldTime)
	if err != nil {
		return nil, err
	}

	parents := map[string]map[string]interface{}{}
	for scope, parentID := range chain {
		pt, ok := entityTypeForScope(scope)
		if !ok {
			continue
		}
		pState, err := s.resolveStateMap(ctx, branchID, pt, parentID, worldTime)
		if err != nil {
			if isEntityNotFound(err) {
				continue
			}
			return nil, err
		}
		parents[string(scope)] = pState
	}

	evalCtx := condition.Context{Entity: entityState, Parents: parents, WorldTime: worldTime}
	result, err := condition.EvaluateField(conditions, evalCtx, defaultValue)
	if err != nil {
		return nil, err
	}

	s.Graph.CachePut(branchID, worldTime, node, result)
	return result, nil
}

func (s *Service) loadConditions(ctx context.Context, campaignID string, entityType domain.EntityType, entityID, field string) ([]domain.FieldCondition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, field, expression, priority, description
		FROM conditions
		WHERE campaign_id = $1 AND entity_type = $2 AND entity_id = $3 AND field = $4 AND deleted_at IS NULL`,
		campaignID, string(entityType), entityID, field)
	if err != nil {
		return nil, fmt.Errorf("core: load conditions: %w", err)
	}
	defer rows.Close()

	var out []domain.FieldCondition
	for rows.Next() {
		var fc domain.FieldCondition
		var et string
		if err := rows.Scan(&fc.ID, &et, &fc.EntityID, &fc.Field, &fc.Expression, &fc.Priority, &fc.Description); err != nil {
			return nil, fmt.Errorf("core: scan condition: %w", err)
		}
		fc.EntityType = domain.EntityType(et)
		out = append(out, fc)
	}
	return out, rows.Err()
}

func (s *Service) resolveStateMap(ctx context.Context, branchID string, entityType domain.EntityType, entityID, worldTime string) (map[string]interface{}, error) {
	v, err := s.Store.ResolveVersion(ctx, branchID, entityType, entityID, worldTime)
	if err != nil {
		return nil, err
	}
	raw, err := store.DecompressPayload(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("core: unmarshal entity state: %w", err)
	}
	return m, nil
}

// referencedNodes turns the variable paths an expression reads into
// dependency-graph edges anchored on the condition's own entity. A path
// read off the evaluation context's "entity" key (e.g. "entity.level")
// names a field of that same entity, so its node strips the "entity."
// prefix to the bare field name — the same name UpdateEntity's
// changedFields reports, so a write to that field actually resolves to
// this edge instead of silently never matching it. Paths rooted under
// "parents." name a field on a different entity instance determined only
// at read time by the caller's ScopeChain, which a condition-definition-
// time edge can't address instance-specifically; those are kept verbatim
// as a same-entity-anchored approximation rather than dropped.
func referencedNodes(fc domain.FieldCondition) []depgraph.Node {
	paths := condition.ReferencedPaths(fc.Expression)
	nodes := make([]depgraph.Node, 0, len(paths))
	for _, p := range paths {
		field := p
		if rest, ok := strings.CutPrefix(p, "entity."); ok {
			field = rest
		}
		nodes = append(nodes, depgraph.Node{EntityType: fc.EntityType, EntityID: fc.EntityID, Field: field})
	}
	return nodes
}
