// Package variables implements scoped variable schemas and typed-value
// validation: type/enum/array checking, scope-inheritance
// reads, and default-value application.
package variables

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/ids"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
)

// scopeOrder lists scopes from most general to most specific; inheritance
// reads walk this list in reverse.
var scopeOrder = []domain.Scope{
	domain.ScopeWorld, domain.ScopeCampaign, domain.ScopeKingdom,
	domain.ScopeParty, domain.ScopeSettlement, domain.ScopeCharacter, domain.ScopeStructure,
}

func scopeRank(s domain.Scope) int {
	for i, candidate := range scopeOrder {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Registry persists and validates VariableSchemas.
type Registry struct {
	pool *pgxpool.Pool
}

// NewRegistry creates a Registry backed by pool.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Define inserts a new schema, or replaces an existing one of the same
// (campaignId, scope, name) after checking compatibility against any
// values already validated against it (SchemaIncompatible on a breaking
// change such as narrowing a type or dropping enum values currently in use).
func (r *Registry) Define(ctx context.Context, s domain.VariableSchema) (*domain.VariableSchema, error) {
	if s.ID == "" {
		s.ID = ids.NewID(ids.PrefixVariable)
	}
	if err := validateSchemaShape(s); err != nil {
		return nil, err
	}

	existing, err := r.Get(ctx, s.CampaignID, s.Scope, s.Name)
	if err != nil && !isSchemaNotFound(err) {
		return nil, err
	}
	if existing != nil {
		values, err := r.existingValues(ctx, s.CampaignID, s.Scope, s.Name)
		if err != nil {
			return nil, err
		}
		if err := CheckCompatible(*existing, s, values); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("variables: marshal schema: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO variable_schemas (id, campaign_id, entity_type, field_name, value_type, definition)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (campaign_id, entity_type, field_name) DO UPDATE
			SET value_type = EXCLUDED.value_type, definition = EXCLUDED.definition`,
		s.ID, s.CampaignID, string(s.Scope), s.Name, string(s.Type), raw)
	if err != nil {
		return nil, fmt.Errorf("variables: define schema: %w", err)
	}
	return &s, nil
}

func isSchemaNotFound(err error) bool {
	ae, ok := apperrors.IsAppError(err)
	return ok && ae.Code == apperrors.CodeSchemaNotFound
}

// entityTypeForScope maps a variable scope to the entity type carrying its
// instance values; WORLD and CAMPAIGN scopes have no entity_versions row to
// check, so redefining a schema at those scopes never has existing values
// to break.
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

// existingValues loads the currently stored value of (campaignID, scope,
// name), one per entity instance of that scope across every branch, so
// Define can check a schema redefinition against data already on disk.
func (r *Registry) existingValues(ctx context.Context, campaignID string, scope domain.Scope, name string) ([]json.RawMessage, error) {
	entityType, ok := entityTypeForScope(scope)
	if !ok {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (e.branch_id, e.entity_id) e.payload, e.checksum
		FROM entity_versions e
		JOIN branches b ON b.id = e.branch_id
		WHERE b.campaign_id = $1 AND e.entity_type = $2
		ORDER BY e.branch_id, e.entity_id, e.version DESC`,
		campaignID, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("variables: query existing values: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var payload []byte
		var checksum string
		if err := rows.Scan(&payload, &checksum); err != nil {
			return nil, fmt.Errorf("variables: scan existing value: %w", err)
		}
		raw, err := ids.Decompress(payload)
		if err != nil || !ids.VerifyChecksum(raw, checksum) {
			continue
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
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
		if v, ok := vars[name]; ok && len(v) > 0 {
			out = append(out, v)
		}
	}
	return out, rows.Err()
}

func validateSchemaShape(s domain.VariableSchema) error {
	if s.Type == domain.ValueEnum && len(s.EnumValues) == 0 {
		return apperrors.BadRequest(apperrors.CodeInvalidVariableType, "enum schema requires at least one value")
	}
	if s.Type == domain.ValueArray && s.ElementType == "" {
		return apperrors.BadRequest(apperrors.CodeInvalidVariableType, "array schema requires an element type")
	}
	return nil
}

// Get loads the schema for (campaignID, scope, name).
func (r *Registry) Get(ctx context.Context, campaignID string, scope domain.Scope, name string) (*domain.VariableSchema, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT definition FROM variable_schemas WHERE campaign_id = $1 AND entity_type = $2 AND field_name = $3`,
		campaignID, string(scope), name).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound(apperrors.CodeSchemaNotFound, "variable schema not found").
			WithDetail("name", name).WithDetail("scope", string(scope))
	}
	if err != nil {
		return nil, fmt.Errorf("variables: get schema: %w", err)
	}

	var s domain.VariableSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("variables: unmarshal schema: %w", err)
	}
	return &s, nil
}

// Validate checks value against schema's type/enum/array constraints.
func Validate(schema domain.VariableSchema, value json.RawMessage) error {
	if len(value) == 0 || string(value) == "null" {
		return nil // absence is resolved via DefaultValue by the caller
	}

	switch schema.Type {
	case domain.ValueString:
		var v string
		if err := json.Unmarshal(value, &v); err != nil {
			return typeError(schema.Name, "string")
		}
	case domain.ValueNumber:
		var v float64
		if err := json.Unmarshal(value, &v); err != nil {
			return typeError(schema.Name, "number")
		}
	case domain.ValueBoolean:
		var v bool
		if err := json.Unmarshal(value, &v); err != nil {
			return typeError(schema.Name, "boolean")
		}
	case domain.ValueEnum:
		var v string
		if err := json.Unmarshal(value, &v); err != nil {
			return typeError(schema.Name, "enum")
		}
		found := false
		for _, allowed := range schema.EnumValues {
			if allowed == v {
				found = true
				break
			}
		}
		if !found {
			return apperrors.BadRequest(apperrors.CodeInvalidVariableType, "value is not a member of the enum").
				WithDetail("field", schema.Name).WithDetail("value", v)
		}
	case domain.ValueArray:
		var arr []json.RawMessage
		if err := json.Unmarshal(value, &arr); err != nil {
			return typeError(schema.Name, "array")
		}
		elemSchema := domain.VariableSchema{Name: schema.Name, Type: schema.ElementType, EnumValues: schema.EnumValues}
		for _, elem := range arr {
			if err := Validate(elemSchema, elem); err != nil {
				return err
			}
		}
	default:
		return apperrors.BadRequest(apperrors.CodeInvalidVariableType, "unknown variable type").
			WithDetail("type", string(schema.Type))
	}
	return nil
}

func typeError(field, want string) error {
	return apperrors.BadRequest(apperrors.CodeInvalidVariableType, fmt.Sprintf("expected %s value", want)).
		WithDetail("field", field)
}

// Resolved carries a value and the scope it was found at, or DefaultValue
// with Scope="" when nothing more specific than the schema default applied.
type Resolved struct {
	Value json.RawMessage
	Scope domain.Scope
}

// ResolveInherited walks scopes from the given scope up toward WORLD,
// returning the first value found in values (keyed by scope), or the
// schema's default.
func ResolveInherited(schema domain.VariableSchema, from domain.Scope, values map[domain.Scope]json.RawMessage) Resolved {
	rank := scopeRank(from)
	for r := rank; r >= 0; r-- {
		scope := scopeOrder[r]
		if v, ok := values[scope]; ok && len(v) > 0 {
			return Resolved{Value: v, Scope: scope}
		}
	}
	return Resolved{Value: schema.DefaultValue}
}

// CheckCompatible reports SchemaIncompatible if changing from old to updated
// would invalidate any value in existingValues (e.g. narrowing a type,
// or removing enum members currently stored).
func CheckCompatible(old, updated domain.VariableSchema, existingValues []json.RawMessage) error {
	for _, v := range existingValues {
		if err := Validate(updated, v); err != nil {
			return apperrors.ErrSchemaIncompatible(fmt.Sprintf("existing value incompatible with updated schema for %s", updated.Name))
		}
	}
	return nil
}
