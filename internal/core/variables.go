package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/store"
	"github.com/campaignforge/core/internal/variables"
)

// DefineVariableSchema inserts or replaces a scoped variable schema.
func (s *Service) DefineVariableSchema(ctx context.Context, campaignID, userID string, schema domain.VariableSchema) (*domain.VariableSchema, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}
	schema.CampaignID = campaignID
	out, err := s.Variables.Define(ctx, schema)
	if err != nil {
		return nil, err
	}
	if _, err := s.Audit.Log(ctx, userID, "VARIABLE_SCHEMA", out.ID, "CREATE", nil, marshalOrNil(out), nil, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// ListVariableSchemas returns every schema defined for campaignID.
func (s *Service) ListVariableSchemas(ctx context.Context, campaignID, userID string) ([]*domain.VariableSchema, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT definition FROM variable_schemas WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("core: list variable schemas: %w", err)
	}
	defer rows.Close()

	var out []*domain.VariableSchema
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("core: scan variable schema: %w", err)
		}
		var schema domain.VariableSchema
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("core: unmarshal variable schema: %w", err)
		}
		out = append(out, &schema)
	}
	return out, rows.Err()
}

// ScopeChain maps each ancestor scope of a variable read to the entity ID
// holding that scope's instance values. Resolving a settlement-scoped
// variable, for example, takes the settlement's own ID plus its kingdom's
// and party's, so each one's stored "variables" object can be consulted in
// ResolveInherited's most-specific-wins walk. Campaign and world entries
// are ignored (see entityTypeForScope).
type ScopeChain map[domain.Scope]string

// SetVariableValue validates value against the schema for (campaignID,
// scope, name) and writes it into the owning entity's current version under
// its "variables" object. The owning entity is addressed by entityType/
// entityID on branchID; a new version is created (optimistically locked on
// expectedVersion) carrying the updated value alongside the entity's
// existing state.
func (s *Service) SetVariableValue(ctx context.Context, campaignID, userID string, scope domain.Scope, name string, entityType domain.EntityType, entityID, branchID, worldTime string, value json.RawMessage, expectedVersion int) (*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}

	schema, err := s.Variables.Get(ctx, campaignID, scope, name)
	if err != nil {
		return nil, err
	}
	if err := variables.Validate(*schema, value); err != nil {
		return nil, err
	}

	current, err := s.Store.LatestVersion(ctx, branchID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	state, err := store.DecompressPayload(current)
	if err != nil {
		return nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(state, &doc); err != nil {
		doc = map[string]json.RawMessage{}
	}
	vars := map[string]json.RawMessage{}
	if raw, ok := doc["variables"]; ok {
		_ = json.Unmarshal(raw, &vars)
	}
	vars[name] = value
	varsRaw, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("core: marshal variables: %w", err)
	}
	doc["variables"] = varsRaw

	newState, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("core: marshal entity state: %w", err)
	}

	return s.UpdateEntity(ctx, campaignID, userID, entityType, entityID, newState, branchID, worldTime, expectedVersion)
}

// GetVariableValue resolves (campaignID, scope, name) by consulting, in
// most-specific-to-least-specific order, the "variables" object stored on
// the entity named by chain at each ancestor scope at-or-before worldTime,
// falling back to the schema default.
func (s *Service) GetVariableValue(ctx context.Context, campaignID, userID string, scope domain.Scope, name string, branchID, worldTime string, chain ScopeChain) (variables.Resolved, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return variables.Resolved{}, err
	}

	schema, err := s.Variables.Get(ctx, campaignID, scope, name)
	if err != nil {
		return variables.Resolved{}, err
	}

	values := map[domain.Scope]json.RawMessage{}
	for sc, entityID := range chain {
		entityType, ok := entityTypeForScope(sc)
		if !ok {
			continue
		}
		v, err := s.Store.ResolveVersion(ctx, branchID, entityType, entityID, worldTime)
		if err != nil {
			if isEntityNotFound(err) {
				continue
			}
			return variables.Resolved{}, err
		}
		state, err := store.DecompressPayload(v)
		if err != nil {
			return variables.Resolved{}, err
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(state, &doc); err != nil {
			continue
		}
		varsRaw, ok := doc["variables"]
		if !ok {
			continue
		}
		var vars map[string]json.RawMessage
		if err := json.Unmarshal(varsRaw, &vars); err != nil {
			continue
		}
		if val, ok := vars[name]; ok {
			values[sc] = val
		}
	}

	return variables.ResolveInherited(*schema, scope, values), nil
}

// entityTypeForScope maps a variable scope to the entity type that carries
// its instance values, where the scope corresponds to a concrete entity
// (campaign and world scopes have no entity_versions row and are skipped by
// callers building a ScopeChain).
func entityTypeForScope(scope domain.Scope) (domain.EntityType, bool) {
	switch scope {
	case domain.ScopeKingdom:
		return domain.EntityKingdom, true
	case domain.ScopeParty:
		return domain.EntityParty, true
	case domain.ScopeSettlement:
		return domain.EntitySettlement, true
	case domain.ScopeStructure:
		return domain.EntityStructure, true
	case domain.ScopeCharacter:
		return domain.EntityCharacter, true
	default:
		return "", false
	}
}
